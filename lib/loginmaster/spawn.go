// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package loginmaster

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/login/lib/binhash"
)

// SpawnMarker is set to "1" in the environment of a master started by
// ExecSpawner. It tells the master that its standard input is the
// listening control socket.
const SpawnMarker = "BUREAU_MASTER_SOCKET_ACTIVATED"

// ExecSpawner starts the master executable in a new session with the
// listening socket as its standard input.
type ExecSpawner struct {
	Executable string
	Args       []string
	Logger     *slog.Logger

	// OnExit, if set, is called from a background goroutine with
	// the master's exit result.
	OnExit func(error)
}

// Spawn starts the master. The child is reaped in the background so it
// never lingers as a zombie if it exits before we do.
func (s *ExecSpawner) Spawn(listenerFD int) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	duplicate, err := unix.FcntlInt(uintptr(listenerFD), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("duplicating master listener: %w", err)
	}
	listener := os.NewFile(uintptr(duplicate), "master-listener")
	defer listener.Close()

	if digest, err := binhash.HashFile(s.Executable); err != nil {
		logger.Warn("hashing master executable failed", "executable", s.Executable, "error", err)
	} else {
		logger.Info("spawning master", "executable", s.Executable, "blake3", digest.String())
	}

	command := exec.Command(s.Executable, s.Args...)
	command.Stdin = listener
	command.Stderr = os.Stderr
	command.Env = append(os.Environ(), SpawnMarker+"=1")
	command.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := command.Start(); err != nil {
		return fmt.Errorf("starting master %s: %w", s.Executable, err)
	}
	logger.Info("master spawned", "pid", command.Process.Pid)

	go func() {
		err := command.Wait()
		if err != nil {
			logger.Warn("spawned master exited", "pid", command.Process.Pid, "error", err)
		}
		if s.OnExit != nil {
			s.OnExit(err)
		}
	}()
	return nil
}
