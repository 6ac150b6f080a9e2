// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package loginmaster

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/login/lib/fdpass"
	"github.com/bureau-foundation/login/lib/ioloop"
	"github.com/bureau-foundation/login/lib/netutil"
)

// State is the lifecycle state of a Channel.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Process is the surrounding login process, as seen by the channel.
type Process interface {
	// Ref takes a keep-alive reference: the process must not exit
	// while the channel is open.
	Ref()

	// Unref releases the reference taken by Ref. Releasing the last
	// reference may shut the process down, which may call Close
	// again; Close tolerates that.
	Unref()

	// StopAccepting closes the listeners. Without a master there is
	// no way to authenticate new clients.
	StopAccepting()
}

// ChannelConfig holds a Channel's collaborators.
type ChannelConfig struct {
	// Loop runs the channel reader. Required.
	Loop *ioloop.Loop

	// Process receives keep-alive references and the stop-accepting
	// signal. Nil means a no-op process.
	Process Process

	Logger *slog.Logger
}

// Channel is the login process's end of the control channel.
type Channel struct {
	loop    *ioloop.Loop
	process Process
	logger  *slog.Logger

	state State
	fd    int
	watch *ioloop.Watch

	// buffer accumulates one reply frame; filled never exceeds
	// ReplySize and is reset as soon as a frame completes.
	buffer [ReplySize]byte
	filled int

	tagCounter uint32
	pending    map[uint32]pendingRequest
	byClient   map[Client]uint32

	// aborted holds tags whose request was aborted before the
	// master replied.
	aborted map[uint32]struct{}
}

// NewChannel creates an uninitialized channel.
func NewChannel(config ChannelConfig) *Channel {
	if config.Loop == nil {
		panic("loginmaster: NewChannel requires a Loop")
	}
	process := config.Process
	if process == nil {
		process = noProcess{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Channel{
		loop:     config.Loop,
		process:  process,
		logger:   logger,
		fd:       -1,
		pending:  make(map[uint32]pendingRequest),
		byClient: make(map[Client]uint32),
		aborted:  make(map[uint32]struct{}),
	}
}

// State returns the lifecycle state.
func (c *Channel) State() State { return c.state }

// Init takes ownership of fd, a socket connected to the master, and
// starts reading replies. If notify is set, the master is told right
// away that this process started; a master that was not the one to
// launch us uses that to tell a login process that crashed during
// startup from one that crashed while serving.
//
// On error the channel stays uninitialized, holds no reference, and fd
// is still the caller's to close.
func (c *Channel) Init(fd int, notify bool) error {
	if c.state != StateUninitialized {
		return fmt.Errorf("init: channel is %s", c.state)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		return unrecoverable("init", fmt.Errorf("setting fd %d non-blocking: %w", fd, err))
	}
	watch, err := c.loop.AddReadable(fd, c.handleInput)
	if err != nil {
		return unrecoverable("init", err)
	}

	c.process.Ref()
	c.fd = fd
	c.watch = watch
	c.filled = 0
	c.state = StateActive
	c.logger.Info("master channel active", "fd", fd, "notify", notify)

	if notify {
		if err := c.NotifyFinished(); err != nil {
			c.rollback()
			return err
		}
	}
	return nil
}

// rollback undoes a partial Init so the caller keeps ownership of the
// descriptor.
func (c *Channel) rollback() {
	c.state = StateUninitialized
	c.removeWatch()
	c.fd = -1
	c.filled = 0
	c.process.Unref()
}

// NotifyFinished sends the liveness notification, a request with tag
// 0 and no descriptor. It does nothing unless the channel is active.
func (c *Channel) NotifyFinished() error {
	if c.state != StateActive {
		return nil
	}
	payload, err := Request{Version: ProtocolVersion}.MarshalBinary()
	if err != nil {
		return unrecoverable("notify master", err)
	}
	if err := c.send(fdpass.NoDescriptor, payload); err != nil {
		return unrecoverable("notify master", err)
	}
	c.logger.Debug("sent liveness notification to master")
	return nil
}

// Close shuts the channel down: closes the descriptor, stops reading,
// stops the process from accepting clients, releases the keep-alive
// reference, and fails every pending login. Only the first call has
// any effect, including calls made re-entrantly from Process.Unref or
// from a failure callback.
//
// A failure to close the descriptor is returned as unrecoverable after
// the rest of the teardown has run.
func (c *Channel) Close() error {
	if c.state != StateActive {
		return nil
	}
	c.state = StateClosed

	var closeErr error
	if err := unix.Close(c.fd); err != nil {
		closeErr = unrecoverable("close", fmt.Errorf("close(%d): %w", c.fd, err))
	}
	c.fd = -1
	c.removeWatch()
	c.filled = 0

	c.logger.Info("master channel closed", "pending", len(c.pending))

	c.process.StopAccepting()
	c.process.Unref()

	c.failPending()
	return closeErr
}

// failPending completes every pending request as failed, in tag order.
// Each entry leaves the table before its callback runs, and an entry
// aborted by an earlier callback is skipped.
func (c *Channel) failPending() {
	for _, tag := range slices.Sorted(maps.Keys(c.pending)) {
		entry, ok := c.pending[tag]
		if !ok {
			continue
		}
		delete(c.pending, tag)
		delete(c.byClient, entry.client)
		entry.callback(entry.client, false)
	}
	clear(c.aborted)
}

// Deinit releases the channel's bookkeeping at orderly process exit.
// Pending requests are dropped without callbacks and the process hooks
// are not called. The descriptor is left to process exit, but nothing
// more is sent on it: the channel reports StateClosed afterwards.
func (c *Channel) Deinit() {
	c.state = StateClosed
	c.pending = make(map[uint32]pendingRequest)
	c.byClient = make(map[Client]uint32)
	clear(c.aborted)
	c.removeWatch()
}

func (c *Channel) removeWatch() {
	if c.watch == nil {
		return
	}
	if err := c.watch.Remove(); err != nil {
		c.logger.Warn("deregistering master channel reader failed", "error", err)
	}
	c.watch = nil
}

// handleInput is the channel reader. It runs when the descriptor is
// readable and reads at most the rest of the current reply frame.
func (c *Channel) handleInput() error {
	if c.state != StateActive {
		return nil
	}

	count, err := unix.Read(c.fd, c.buffer[c.filled:])
	if err != nil {
		if netutil.IsTemporary(err) {
			return nil
		}
		if netutil.IsExpectedCloseError(err) {
			c.logger.Info("master hung up", "error", err)
			return c.Close()
		}
		c.logger.Error("reading from master failed", "error", err)
		readErr := unrecoverable("read", err)
		return errors.Join(readErr, c.Close())
	}
	if count == 0 {
		c.logger.Info("master closed the channel")
		return c.Close()
	}

	c.filled += count
	if c.filled < ReplySize {
		return nil
	}

	var reply Reply
	if err := reply.UnmarshalBinary(c.buffer[:]); err != nil {
		return unrecoverable("read", err)
	}
	c.filled = 0
	return c.resolve(reply)
}

// send writes one frame, with an optional descriptor, in a single
// non-blocking sendmsg. The channel never queues: a short write means
// the master stopped draining the socket.
func (c *Channel) send(passed int, payload []byte) error {
	written, err := fdpass.Send(c.fd, passed, payload)
	if err != nil {
		return err
	}
	if written != len(payload) {
		return fmt.Errorf("short write to master: %d of %d bytes", written, len(payload))
	}
	return nil
}

type noProcess struct{}

func (noProcess) Ref()           {}
func (noProcess) Unref()         {}
func (noProcess) StopAccepting() {}
