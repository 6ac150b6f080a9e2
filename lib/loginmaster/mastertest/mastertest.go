// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mastertest provides a fake master for tests of login-side
// code. It accepts control connections, performs the handshake, and
// exposes the login requests it receives (with their client
// descriptors) so a test can answer them in any order.
package mastertest

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/bureau-foundation/login/lib/fdpass"
	"github.com/bureau-foundation/login/lib/loginmaster"
)

// Received is one frame read from a login process.
type Received struct {
	Request loginmaster.Request

	// Client is the descriptor passed with the request, or nil for
	// the liveness notification. The receiver owns it.
	Client *os.File
}

// Master is a fake master listening on a Unix socket.
type Master struct {
	listener    *net.UnixListener
	environment []string

	groups   chan string
	requests chan Received

	mu      sync.Mutex
	conns   []*net.UnixConn
	current *net.UnixConn

	done sync.WaitGroup
}

// Listen creates the socket at path and starts serving. Each accepted
// login process receives environment (KEY=VALUE entries).
func Listen(path string, environment []string) (*Master, error) {
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	return serve(listener, environment), nil
}

// FromFile serves on an already-listening socket, the way a master
// started by loginmaster.ExecSpawner finds it on standard input. The
// file is duplicated; the caller keeps ownership of file.
func FromFile(file *os.File, environment []string) (*Master, error) {
	listener, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("using inherited listener: %w", err)
	}
	unixListener, ok := listener.(*net.UnixListener)
	if !ok {
		listener.Close()
		return nil, fmt.Errorf("inherited listener is %T, not a Unix socket", listener)
	}
	// The socket file belongs to whoever created it.
	unixListener.SetUnlinkOnClose(false)
	return serve(unixListener, environment), nil
}

func serve(listener *net.UnixListener, environment []string) *Master {
	m := &Master{
		listener:    listener,
		environment: environment,
		groups:      make(chan string, 16),
		requests:    make(chan Received, 64),
	}
	m.done.Add(1)
	go m.acceptLoop()
	return m
}

// Groups delivers the group name sent by each login process.
func (m *Master) Groups() <-chan string { return m.groups }

// Requests delivers every frame received after the handshake.
func (m *Master) Requests() <-chan Received { return m.requests }

func (m *Master) acceptLoop() {
	defer m.done.Done()
	for {
		conn, err := m.listener.AcceptUnix()
		if err != nil {
			return
		}
		m.mu.Lock()
		m.conns = append(m.conns, conn)
		m.current = conn
		m.mu.Unlock()

		m.done.Add(1)
		go m.serveConn(conn)
	}
}

func (m *Master) serveConn(conn *net.UnixConn) {
	defer m.done.Done()

	var length [1]byte
	if _, err := io.ReadFull(conn, length[:]); err != nil {
		return
	}
	name := make([]byte, length[0])
	if _, err := io.ReadFull(conn, name); err != nil {
		return
	}
	m.groups <- string(name)

	var block strings.Builder
	for _, entry := range m.environment {
		block.WriteString(entry)
		block.WriteByte('\n')
	}
	block.WriteByte('\n')
	if _, err := conn.Write([]byte(block.String())); err != nil {
		return
	}

	for {
		frame := make([]byte, loginmaster.RequestSize)
		client, err := fdpass.ReceiveUnix(conn, frame)
		if err != nil {
			return
		}
		var request loginmaster.Request
		if err := request.UnmarshalBinary(frame); err != nil {
			if client != nil {
				client.Close()
			}
			return
		}
		m.requests <- Received{Request: request, Client: client}
	}
}

// Reply answers tag on the most recently accepted connection.
func (m *Master) Reply(tag uint32, success bool) error {
	frame, err := loginmaster.Reply{
		Version: loginmaster.ProtocolVersion,
		Tag:     tag,
		Success: success,
	}.MarshalBinary()
	if err != nil {
		return err
	}
	return m.WriteRaw(frame)
}

// WriteRaw writes bytes to the most recently accepted connection. Tests
// use it to split reply frames at arbitrary boundaries.
func (m *Master) WriteRaw(data []byte) error {
	m.mu.Lock()
	conn := m.current
	m.mu.Unlock()
	if conn == nil {
		return errors.New("mastertest: no login process connected")
	}
	_, err := conn.Write(data)
	return err
}

// Disconnect closes every accepted connection, as a dying master
// would, but keeps listening.
func (m *Master) Disconnect() {
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.current = nil
	m.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// Close stops listening, disconnects every login process, and waits
// for the serving goroutines to exit.
func (m *Master) Close() error {
	err := m.listener.Close()
	m.Disconnect()
	m.done.Wait()
	return err
}
