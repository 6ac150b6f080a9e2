// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/login/lib/clock"
)

// Messages written to a client that is being dropped.
const (
	loginFailedMessage   = "-ERR login failed\r\n"
	loginTimedOutMessage = "-ERR login timed out\r\n"
)

// farewellTimeout bounds the write of a farewell message. The loop
// goroutine does the write, so a client that stopped reading must not
// stall it.
const farewellTimeout = time.Second

// client is an accepted connection waiting for the master's verdict.
// It implements loginmaster.Client.
type client struct {
	conn net.Conn

	// descriptor is a duplicate of the connection's socket, the copy
	// passed to the master. Holding our own copy keeps the number
	// stable while the request is in flight.
	descriptor int

	local  netip.Addr
	remote netip.Addr
	authID uint32

	timer *clock.Timer
}

func newClient(conn net.Conn, authID uint32) (*client, error) {
	syscallConn, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("connection of type %T has no descriptor", conn)
	}
	raw, err := syscallConn.SyscallConn()
	if err != nil {
		return nil, err
	}

	descriptor := -1
	var dupErr error
	if err := raw.Control(func(fd uintptr) {
		descriptor, dupErr = unix.FcntlInt(fd, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, fmt.Errorf("duplicating client socket: %w", dupErr)
	}

	return &client{
		conn:       conn,
		descriptor: descriptor,
		local:      addressOf(conn.LocalAddr()),
		remote:     addressOf(conn.RemoteAddr()),
		authID:     authID,
	}, nil
}

func (c *client) Descriptor() int           { return c.descriptor }
func (c *client) LocalAddress() netip.Addr  { return c.local }
func (c *client) RemoteAddress() netip.Addr { return c.remote }

// farewell writes message, best effort.
func (c *client) farewell(message string) {
	c.conn.SetWriteDeadline(time.Now().Add(farewellTimeout))
	c.conn.Write([]byte(message))
}

// close releases our side of the connection. After a successful login
// the master holds its own descriptor and the connection stays open.
func (c *client) close() {
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.descriptor >= 0 {
		unix.Close(c.descriptor)
		c.descriptor = -1
	}
	c.conn.Close()
}

// addressOf returns the IP of a TCP endpoint. Unix socket clients have
// no address.
func addressOf(address net.Addr) netip.Addr {
	tcp, ok := address.(*net.TCPAddr)
	if !ok {
		return netip.Addr{}
	}
	return tcp.AddrPort().Addr().Unmap()
}
