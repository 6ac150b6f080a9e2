// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [SocketDir] creates a short temporary directory for Unix domain
// sockets, whose paths are limited to 108 bytes (sun_path). Deeply
// nested t.TempDir() paths can exceed that.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so that tests waiting on goroutines (fake masters, accept
// loops) fail with a message instead of hanging.
//
// All helpers call t.Fatalf on failure.
package testutil
