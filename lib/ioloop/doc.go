// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ioloop is a single-goroutine readiness reactor built on
// epoll.
//
// The login process keeps all of its master-channel bookkeeping on one
// goroutine so that callbacks can freely re-enter the channel (abort a
// request, close the channel, destroy a client) without locks. The loop
// dispatches readability of registered descriptors to handlers and runs
// functions posted from other goroutines (accept loops, timers, the
// status socket) on the loop goroutine.
//
// Registration is level-triggered: a handler that leaves data unread is
// called again on the next iteration. Handlers must tolerate spurious
// readiness (a non-blocking read returning EAGAIN).
//
// A handler or posted function that returns an error stops the loop;
// Run returns that error. This is how unrecoverable failures travel
// from deep inside a callback back to main().
//
// AddReadable and Watch.Remove must be called on the loop goroutine,
// or while Run is not executing.
package ioloop
