// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds small helpers shared by socket-handling code.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal termination of
// the peer: EOF, a closed connection, a broken pipe, or a connection
// reset. A master that exits without shutting down its end of the
// control socket produces ECONNRESET on our next read; that is an
// orderly loss of the channel, not a malfunction of the socket.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

// IsTemporary reports whether err is a transient condition on a
// non-blocking descriptor (EAGAIN or EINTR) that calls for retrying
// on the next readiness notification instead of failing.
func IsTemporary(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.EAGAIN || errno == syscall.EWOULDBLOCK || errno == syscall.EINTR
}
