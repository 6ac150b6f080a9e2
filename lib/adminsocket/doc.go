// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package adminsocket serves a small CBOR request-response protocol on
// a Unix socket, used to query a running login process.
//
// Each connection carries exactly one exchange. The client writes one
// CBOR map with an "action" field; the server routes it to the
// [ActionFunc] registered with [Server.Handle] and writes back a
// [Response] envelope ({ok, error, data}). CBOR is self-delimiting, so
// there is no framing.
//
// [Query] is the client side.
package adminsocket
