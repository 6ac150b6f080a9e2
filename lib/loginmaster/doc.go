// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package loginmaster implements the login process's side of the
// control channel to the privileged master process.
//
// A login process accepts client connections but cannot authenticate
// them. It hands each connection's descriptor to the master over a Unix
// domain socket and learns, asynchronously, whether the master accepted
// the login. The package has four parts:
//
//   - [Connector] establishes the channel at startup. It connects to the
//     master's well-known socket, replacing a stale socket and spawning
//     the master itself when none is running, then sends the login
//     group name and installs the environment the master sends back.
//     This is the only blocking step.
//   - [Channel.RequestLogin] and [Channel.Abort] keep the table of
//     in-flight requests, keyed by a per-request tag.
//   - The channel reader, registered with an [ioloop.Loop], accumulates
//     fixed-size [Reply] frames across partial reads and resolves the
//     matching request.
//   - [Channel.Init], [Channel.Close], and [Channel.Deinit] own the
//     channel's lifecycle. Closing the channel, for any reason, fails
//     every pending login through its callback, so client code has one
//     failure path whether the master rejected the login or went away.
//
// # Threading
//
// A Channel is not safe for concurrent use. Every method, and every
// callback it invokes, runs on the goroutine driving the loop. This is
// what lets callbacks re-enter the channel (abort another request,
// close the channel) without locks.
//
// # Failure policy
//
// Once the channel exists, any failure that leaves it in an unknown
// state (a short or failed send, a failed close, a read error other
// than the master hanging up, a reply for a tag that was never issued)
// is returned as an [*UnrecoverableError]. The package never exits the
// process; main() decides. The only recoverable condition is the
// absence of the master at startup, which the Connector handles by
// retrying and spawning.
//
// # Unmatched replies
//
// Aborting a request cannot unsend it, so the master may still answer.
// The channel remembers aborted tags until their reply arrives and
// discards those replies quietly; a tag that was neither pending nor
// aborted means the two processes disagree about the conversation and
// is unrecoverable. Tags awaiting such a late reply are not reissued.
package loginmaster
