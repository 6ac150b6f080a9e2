// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package loginmaster

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sys/unix"
)

// DefaultAttempts is how many times Connect tries to reach or create
// the master socket before giving up.
const DefaultAttempts = 5

// MaxGroupNameLength is the longest group name the handshake can carry
// in its one-byte length prefix.
const MaxGroupNameLength = 255

// listenBacklog is the backlog of a master socket created during
// bootstrap. Every login process of every group connects to it while
// the spawned master starts up.
const listenBacklog = 128

// Spawner starts a master process that will accept connections on the
// given listening socket. The descriptor is only borrowed: Connect
// closes its copy after Spawn returns.
type Spawner interface {
	Spawn(listenerFD int) error
}

// Connector establishes the control channel at startup.
type Connector struct {
	// SocketPath is the master's well-known Unix socket.
	SocketPath string

	// GroupName identifies the login group this process serves.
	// It must be 1 to MaxGroupNameLength bytes.
	GroupName string

	// Attempts bounds the connect/create cycle. Zero means
	// DefaultAttempts.
	Attempts int

	// MaxLineSize bounds one environment line. Zero means
	// DefaultMaxLineSize.
	MaxLineSize int

	// Spawner starts the master when no socket exists. If nil,
	// Connect fails instead of creating the socket.
	Spawner Spawner

	// Environment receives the master's environment. Nil means
	// ProcessEnvironment.
	Environment Environment

	Logger *slog.Logger
}

// ValidateGroupName checks that name fits the handshake's length byte.
func ValidateGroupName(name string) error {
	if name == "" {
		return errors.New("no login group name set")
	}
	if len(name) > MaxGroupNameLength {
		return fmt.Errorf("login group name is %d bytes, maximum is %d", len(name), MaxGroupNameLength)
	}
	return nil
}

// Connect returns a blocking descriptor connected to the master, with
// the handshake completed and the master's environment installed. All
// errors are unrecoverable: the process cannot serve without a channel.
func (c *Connector) Connect() (int, error) {
	if err := ValidateGroupName(c.GroupName); err != nil {
		return -1, unrecoverable("connect", err)
	}

	fd, err := c.establish()
	if err != nil {
		return -1, err
	}

	if err := c.handshake(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// establish connects to the master socket. A refusing socket is stale
// (its master died) and is unlinked; a missing socket is created and
// handed to a freshly spawned master, after which the next attempt
// connects to it. Losing the creation race to another login process is
// fine: the next attempt connects to the winner's socket.
func (c *Connector) establish() (int, error) {
	logger := c.logger()
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		fd, err := dialUnix(c.SocketPath)
		if err == nil {
			logger.Debug("connected to master", "path", c.SocketPath, "attempt", attempt)
			return fd, nil
		}

		switch {
		case errors.Is(err, unix.ECONNREFUSED):
			logger.Warn("master socket refuses connections, removing it",
				"path", c.SocketPath,
				"attempt", attempt,
			)
			if err := unix.Unlink(c.SocketPath); err != nil && !errors.Is(err, unix.ENOENT) {
				logger.Error("removing stale master socket failed", "path", c.SocketPath, "error", err)
			}
		case errors.Is(err, unix.ENOENT):
		default:
			return -1, unrecoverable("connect", fmt.Errorf("connecting to master socket %s: %w", c.SocketPath, err))
		}

		if c.Spawner == nil {
			return -1, unrecoverable("connect", fmt.Errorf("master socket %s is not available and no master executable is configured", c.SocketPath))
		}

		listener, err := listenUnix(c.SocketPath)
		switch {
		case err == nil:
			logger.Info("created master socket, spawning master", "path", c.SocketPath)
			spawnErr := c.Spawner.Spawn(listener)
			unix.Close(listener)
			if spawnErr != nil {
				return -1, unrecoverable("spawn master", spawnErr)
			}
		case errors.Is(err, unix.EADDRINUSE):
			logger.Debug("master socket is being created by another process", "path", c.SocketPath)
		default:
			return -1, unrecoverable("connect", fmt.Errorf("creating master socket %s: %w", c.SocketPath, err))
		}
	}

	return -1, unrecoverable("connect", fmt.Errorf("could not use or create master socket %s after %d attempts", c.SocketPath, attempts))
}

// handshake sends <length byte><group name> and installs the
// environment the master answers with.
func (c *Connector) handshake(fd int) error {
	message := make([]byte, 0, 1+len(c.GroupName))
	message = append(message, byte(len(c.GroupName)))
	message = append(message, c.GroupName...)
	if err := writeFull(fd, message); err != nil {
		return unrecoverable("send group name", err)
	}

	environment := c.Environment
	if environment == nil {
		environment = ProcessEnvironment{}
	}
	if err := readEnvironment(descriptorReader(fd), environment, c.MaxLineSize); err != nil {
		return unrecoverable("read environment", err)
	}

	c.logger().Info("master handshake complete", "path", c.SocketPath, "group", c.GroupName)
	return nil
}

func (c *Connector) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// dialUnix returns a blocking stream socket connected to path. The
// returned error is the bare errno so callers can match it.
func dialUnix(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// listenUnix creates a listening stream socket bound to path.
func listenUnix(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
