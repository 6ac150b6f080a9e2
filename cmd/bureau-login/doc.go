// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Bureau-login is the pre-authentication process of a login service.
// It accepts client connections on the listeners of its service
// settings and hands each one, as a file descriptor, to the master
// process over a Unix socket control channel. The master decides
// whether the client may log in; the login process only relays its
// verdict: on success it forgets the client, on failure it tells the
// client and disconnects it.
//
// At startup the process connects to the master's well-known socket,
// starting the master first if no socket exists (see
// lib/loginmaster.Connector). A master that launches login processes
// itself passes the channel in BUREAU_LOGIN_MASTER_FD instead.
//
// The process stays alive while it holds any keep-alive reference:
// the channel, the listeners, and each client awaiting a verdict.
// When the master goes away the channel closes, listeners stop, every
// waiting client is failed, and the process exits. Errors that leave
// the channel in an unknown state exit with status 89.
package main
