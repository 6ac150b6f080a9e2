// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package loginmaster

import (
	"errors"
	"fmt"
)

// ErrChannelClosed is returned by RequestLogin when the channel is not
// active. The caller should fail the client's login; the process is
// already shutting down.
var ErrChannelClosed = errors.New("master channel is not active")

// ErrUnknownTag is wrapped in the UnrecoverableError returned when the
// master replies to a tag that has no pending or aborted request.
var ErrUnknownTag = errors.New("master sent reply with unknown tag")

// UnrecoverableError reports a failure after which the login process
// must not keep serving clients, because it can no longer trust its
// channel to the master.
type UnrecoverableError struct {
	// Op names the channel operation that failed.
	Op  string
	Err error
}

func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("master channel: %s: %v", e.Op, e.Err)
}

func (e *UnrecoverableError) Unwrap() error { return e.Err }

// Unrecoverable marks the error for lib/process.ExitCode.
func (e *UnrecoverableError) Unrecoverable() bool { return true }

// IsUnrecoverable reports whether err's chain contains an
// UnrecoverableError.
func IsUnrecoverable(err error) bool {
	var target *UnrecoverableError
	return errors.As(err, &target)
}

func unrecoverable(op string, err error) error {
	return &UnrecoverableError{Op: op, Err: err}
}
