// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fdpass

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// NoDescriptor is passed to Send to transmit the payload alone.
const NoDescriptor = -1

// maxReceivedDescriptors bounds the control buffer used by
// ReceiveUnix. Peers send at most one descriptor per frame; room for a
// few more lets us close stray ones instead of leaking them through
// MSG_CTRUNC.
const maxReceivedDescriptors = 4

// Send writes payload to the socket fd with passed attached as an
// SCM_RIGHTS message. A negative passed sends the payload without a
// descriptor. Returns the number of payload bytes written, which may be
// less than len(payload) on a non-blocking socket.
func Send(fd, passed int, payload []byte) (int, error) {
	if len(payload) == 0 {
		return 0, errors.New("fdpass: empty payload")
	}

	var rights []byte
	if passed >= 0 {
		rights = unix.UnixRights(passed)
	}

	for {
		written, err := unix.SendmsgN(fd, payload, rights, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("sendmsg on fd %d: %w", fd, err)
		}
		return written, nil
	}
}

// ReceiveUnix fills payload from conn, blocking until every byte has
// arrived, and returns the descriptor that accompanied the frame, or
// nil if none did. Any additional descriptors are closed. Returns
// io.EOF if the peer closed before the first byte and
// io.ErrUnexpectedEOF if it closed mid-frame.
func ReceiveUnix(conn *net.UnixConn, payload []byte) (*os.File, error) {
	var received *os.File
	filled := 0
	oob := make([]byte, unix.CmsgSpace(4*maxReceivedDescriptors))

	for filled < len(payload) {
		count, oobCount, _, _, err := conn.ReadMsgUnix(payload[filled:], oob)
		if oobCount > 0 {
			file, parseErr := collectDescriptor(oob[:oobCount], received == nil)
			if parseErr != nil {
				closeFile(received)
				return nil, parseErr
			}
			if file != nil {
				received = file
			}
		}
		filled += count
		// net reports a closed peer as a zero-length read wrapped
		// around io.EOF. A zero-length read with another error, such
		// as a deadline, is that error.
		if errors.Is(err, io.EOF) || (err == nil && count == 0) {
			closeFile(received)
			if filled == 0 {
				return nil, io.EOF
			}
			return nil, io.ErrUnexpectedEOF
		}
		if err != nil {
			closeFile(received)
			return nil, err
		}
	}
	return received, nil
}

// collectDescriptor extracts SCM_RIGHTS descriptors from a control
// buffer. When keep is true the first descriptor is returned as a
// file; every other descriptor is closed.
func collectDescriptor(oob []byte, keep bool) (*os.File, error) {
	messages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parsing control message: %w", err)
	}

	var kept *os.File
	for index := range messages {
		descriptors, err := unix.ParseUnixRights(&messages[index])
		if err != nil {
			// Not SCM_RIGHTS (credentials, for example).
			continue
		}
		for _, descriptor := range descriptors {
			if keep && kept == nil {
				kept = os.NewFile(uintptr(descriptor), "fdpass")
				continue
			}
			unix.Close(descriptor)
		}
	}
	return kept, nil
}

func closeFile(file *os.File) {
	if file != nil {
		file.Close()
	}
}
