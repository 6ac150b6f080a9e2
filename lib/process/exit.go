// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"
)

// ExitChannelFailure is the exit status used when the error chain
// contains an error reporting Unrecoverable() == true. The value
// matches the conventional "fatal" status used by the master when it
// decides whether a dead login process was its own fault.
const ExitChannelFailure = 89

// unrecoverable is implemented by error types that mark a condition
// the process cannot continue from.
type unrecoverable interface {
	Unrecoverable() bool
}

// ExitCode returns the exit status Fatal would use for err.
func ExitCode(err error) int {
	var marked unrecoverable
	if errors.As(err, &marked) && marked.Unrecoverable() {
		return ExitChannelFailure
	}
	return 1
}

// Fatal writes "error: err" to stderr and exits. Use it in main() for
// errors returned from run(), where the structured logger may not be
// initialized or may already be torn down.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(ExitCode(err))
}
