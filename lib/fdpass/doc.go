// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fdpass transfers open file descriptors between processes over
// Unix domain sockets (SCM_RIGHTS).
//
// A descriptor always travels together with a payload: the kernel
// attaches the rights message to the first byte of the payload, so the
// receiver sees the descriptor on the read that returns that byte.
// [Send] works on a raw, possibly non-blocking, socket descriptor and
// never retries a short write; callers that depend on atomic frames
// decide what a short write means. [ReceiveUnix] is the blocking
// counterpart used by master-side code and tests.
package fdpass
