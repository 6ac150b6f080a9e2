// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash computes content digests of executables. The login
// process logs the digest of the master binary it spawns during
// bootstrap so an operator can tell exactly which build was started
// when a login process had to bring the master up itself.
package binhash
