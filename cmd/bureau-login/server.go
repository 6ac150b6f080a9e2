// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/login/lib/adminsocket"
	"github.com/bureau-foundation/login/lib/clock"
	"github.com/bureau-foundation/login/lib/config"
	"github.com/bureau-foundation/login/lib/ioloop"
	"github.com/bureau-foundation/login/lib/loginmaster"
)

type serverConfig struct {
	Group        string
	Service      config.ServiceSettings
	LoginTimeout time.Duration
	StatusSocket string

	// AuthPID is sent with every login request. The master routes
	// the login to the authentication state of this process.
	AuthPID uint32

	Loop   *ioloop.Loop
	Clock  clock.Clock
	Logger *slog.Logger
}

// server owns the listeners and the waiting clients, and keeps the
// process alive with a reference count. All fields are owned by the
// loop goroutine.
type server struct {
	group        string
	service      config.ServiceSettings
	loginTimeout time.Duration
	statusSocket string
	authPID      uint32

	loop    *ioloop.Loop
	clock   clock.Clock
	logger  *slog.Logger
	channel *loginmaster.Channel

	refs int

	listeners []net.Listener
	accepting bool
	acceptors sync.WaitGroup

	clients    map[*client]struct{}
	nextAuthID uint32
	served     uint

	// finishing is set once service_count clients were handed over.
	finishing bool

	// err is the first failure raised where no error can be
	// returned (reference release, verdict callbacks). It stops the
	// loop.
	err error
}

func newServer(cfg serverConfig) *server {
	s := &server{
		group:        cfg.Group,
		service:      cfg.Service,
		loginTimeout: cfg.LoginTimeout,
		statusSocket: cfg.StatusSocket,
		authPID:      cfg.AuthPID,
		loop:         cfg.Loop,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		clients:      make(map[*client]struct{}),
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.authPID == 0 {
		s.authPID = uint32(os.Getpid())
	}
	s.channel = loginmaster.NewChannel(loginmaster.ChannelConfig{
		Loop:    cfg.Loop,
		Process: s,
		Logger:  s.logger,
	})
	return s
}

// run serves until the last reference is released, ctx is cancelled,
// or an unrecoverable error occurs. It takes ownership of masterFD.
func (s *server) run(ctx context.Context, masterFD int, notify bool) error {
	if err := s.listen(); err != nil {
		unix.Close(masterFD)
		return err
	}
	defer func() {
		s.closeListeners()
		s.acceptors.Wait()
	}()

	if err := s.channel.Init(masterFD, notify); err != nil {
		// A failed Init leaves the descriptor with us.
		unix.Close(masterFD)
		return err
	}

	statusCtx, stopStatus := context.WithCancel(ctx)
	statusDone := make(chan struct{})
	if s.statusSocket != "" {
		go func() {
			defer close(statusDone)
			if err := s.serveStatus(statusCtx); err != nil {
				s.logger.Error("status socket failed", "error", err)
			}
		}()
	} else {
		close(statusDone)
	}

	err := s.loop.Run(ctx)
	stopStatus()
	<-statusDone

	if err == nil {
		err = s.err
	}
	if err != nil {
		s.logger.Error("login process stopping", "error", err)
	} else {
		s.logger.Info("login process stopping", "served", s.served)
	}

	if s.channel.State() == loginmaster.StateActive {
		s.channel.Deinit()
	}
	for c := range s.clients {
		c.close()
	}
	clear(s.clients)
	return err
}

// Ref implements loginmaster.Process.
func (s *server) Ref() { s.refs++ }

// Unref implements loginmaster.Process. Releasing the last reference
// shuts the process down.
func (s *server) Unref() {
	s.refs--
	if s.refs > 0 {
		return
	}
	// Re-entrant when the channel is what released the reference.
	if err := s.channel.Close(); err != nil {
		s.fail(err)
	}
	s.loop.Stop()
}

// StopAccepting implements loginmaster.Process.
func (s *server) StopAccepting() {
	if !s.accepting {
		return
	}
	s.accepting = false
	s.closeListeners()
	s.logger.Info("stopped accepting clients")
	s.Unref()
}

func (s *server) fail(err error) {
	if s.err == nil {
		s.err = err
	}
	s.loop.Stop()
}

// listen opens every configured listener and starts accepting. The
// listeners together hold one reference.
func (s *server) listen() error {
	for _, settings := range s.service.UnixListeners {
		listener, err := listenUnixPath(settings)
		if err != nil {
			s.closeListeners()
			return err
		}
		s.listeners = append(s.listeners, listener)
	}
	for _, settings := range s.service.InetListeners {
		if settings.SSL {
			s.logger.Warn("ssl listener accepts plaintext connections; TLS is negotiated after handoff",
				"address", settings.ListenAddress())
		}
		listener, err := net.Listen("tcp", settings.ListenAddress())
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listening on %s: %w", settings.ListenAddress(), err)
		}
		s.listeners = append(s.listeners, listener)
	}
	if len(s.service.FifoListeners) > 0 {
		s.logger.Warn("fifo listeners are ignored by login processes", "count", len(s.service.FifoListeners))
	}

	if len(s.listeners) == 0 {
		return nil
	}
	s.accepting = true
	s.Ref()
	for _, listener := range s.listeners {
		s.logger.Info("listening", "address", listener.Addr().String())
		s.acceptors.Add(1)
		go s.acceptLoop(listener)
	}
	return nil
}

func listenUnixPath(settings config.FileListener) (net.Listener, error) {
	if err := os.Remove(settings.Path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", settings.Path, err)
	}
	listener, err := net.Listen("unix", settings.Path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", settings.Path, err)
	}
	if settings.Mode != 0 {
		if err := os.Chmod(settings.Path, settings.Mode.Perm()); err != nil {
			listener.Close()
			return nil, fmt.Errorf("setting mode of %s: %w", settings.Path, err)
		}
	}
	return listener, nil
}

// addresses returns the listeners' addresses, in configuration order.
func (s *server) addresses() []net.Addr {
	addresses := make([]net.Addr, len(s.listeners))
	for index, listener := range s.listeners {
		addresses[index] = listener.Addr()
	}
	return addresses
}

func (s *server) closeListeners() {
	for _, listener := range s.listeners {
		listener.Close()
	}
	s.listeners = nil
}

// acceptLoop runs on its own goroutine and hands every connection to
// the loop.
func (s *server) acceptLoop(listener net.Listener) {
	defer s.acceptors.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "address", listener.Addr().String(), "error", err)
			continue
		}
		s.loop.Post(func() error { return s.accept(conn) })
	}
}

// accept hands a new connection to the master.
func (s *server) accept(conn net.Conn) error {
	if !s.accepting {
		conn.Close()
		return nil
	}
	if limit := s.service.ClientLimit; limit > 0 && uint(len(s.clients)) >= limit {
		s.logger.Warn("client limit reached, refusing connection",
			"client_limit", limit,
			"remote", conn.RemoteAddr().String(),
		)
		conn.Close()
		return nil
	}

	s.nextAuthID++
	c, err := newClient(conn, s.nextAuthID)
	if err != nil {
		s.logger.Warn("dropping client", "error", err)
		conn.Close()
		return nil
	}
	s.clients[c] = struct{}{}
	s.Ref()

	err = s.channel.RequestLogin(c, s.verdict, s.authPID, c.authID)
	switch {
	case errors.Is(err, loginmaster.ErrChannelClosed):
		s.drop(c, loginFailedMessage)
		return nil
	case err != nil:
		s.drop(c, "")
		return err
	}

	c.timer = s.clock.AfterFunc(s.loginTimeout, func() {
		s.loop.Post(func() error { return s.expire(c) })
	})

	s.served++
	if count := s.service.ServiceCount; count > 0 && s.served >= count && !s.finishing {
		s.finishing = true
		s.logger.Info("service count reached", "service_count", count)
		s.StopAccepting()
		if err := s.channel.NotifyFinished(); err != nil {
			return err
		}
	}
	return nil
}

// verdict is the loginmaster.Callback for every request.
func (s *server) verdict(lc loginmaster.Client, success bool) {
	c := lc.(*client)
	if success {
		s.logger.Debug("client handed to master", "auth_id", c.authID)
		s.drop(c, "")
		return
	}
	s.logger.Info("login failed", "auth_id", c.authID, "remote", c.remote)
	s.drop(c, loginFailedMessage)
}

// expire drops a client the master has not answered in time.
func (s *server) expire(c *client) error {
	if _, waiting := s.clients[c]; !waiting {
		return nil
	}
	s.logger.Info("login timed out", "auth_id", c.authID, "timeout", s.loginTimeout)
	s.channel.Abort(c)
	s.drop(c, loginTimedOutMessage)
	return nil
}

// drop forgets c, optionally saying goodbye first, and releases its
// reference.
func (s *server) drop(c *client, message string) {
	if _, waiting := s.clients[c]; !waiting {
		return
	}
	delete(s.clients, c)
	if message != "" {
		c.farewell(message)
	}
	c.close()

	if s.finishing && len(s.clients) == 0 && s.channel.State() == loginmaster.StateActive {
		// Every client this process will ever serve is done.
		if err := s.channel.Close(); err != nil {
			s.fail(err)
		}
	}
	s.Unref()
}

// serveStatus runs the status socket until ctx is cancelled.
func (s *server) serveStatus(ctx context.Context) error {
	status := adminsocket.NewServer(s.statusSocket, s.logger)
	status.Handle("status", func(ctx context.Context, raw []byte) (any, error) {
		return s.status(ctx)
	})
	return status.Serve(ctx)
}
