// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source for the login
// process.
//
// The login process only needs two things from time: timestamps for
// logging and one-shot timers for login timeouts. Production code uses
// [Real]; tests use [Fake], whose timers fire synchronously inside
// [FakeClock.Advance] so a test can step a login past its deadline
// without sleeping.
package clock
