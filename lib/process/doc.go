// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides the exit path for Bureau login binaries.
//
// Library code never exits the process. Errors travel back to main(),
// which hands them to [Fatal]. Failures of the master control channel
// carry a distinct exit status so the master (or an operator reading
// the supervisor's log) can tell "the channel broke" apart from
// ordinary startup mistakes.
package process
