// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package loginmaster

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultMaxLineSize bounds one KEY=VALUE line from the master,
// including its newline.
const DefaultMaxLineSize = 8192

// Environment receives the variables the master sends during the
// handshake.
type Environment interface {
	// Clear removes every variable. It is called once, after the
	// master's environment has been read completely.
	Clear()

	// Set installs one variable.
	Set(key, value string) error
}

// ProcessEnvironment installs variables into the process environment.
type ProcessEnvironment struct{}

// Clear empties the process environment.
func (ProcessEnvironment) Clear() { os.Clearenv() }

// Set calls os.Setenv.
func (ProcessEnvironment) Set(key, value string) error { return os.Setenv(key, value) }

// readEnvironment reads newline-terminated KEY=VALUE lines from reader
// until an empty line, then replaces environment's contents with them.
// Nothing is installed unless the whole block is well formed.
//
// Bytes already buffered after the terminator are rejected. The wire
// protocol does not require this and a lenient reader could drop
// them, but the master sends nothing else until we send a request, so
// such bytes mean the peer is not speaking this protocol.
func readEnvironment(reader io.Reader, environment Environment, maxLineSize int) error {
	if maxLineSize <= 0 {
		maxLineSize = DefaultMaxLineSize
	}
	buffered := bufio.NewReaderSize(reader, maxLineSize)

	type variable struct{ key, value string }
	var variables []variable
	for {
		line, err := buffered.ReadSlice('\n')
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			return fmt.Errorf("environment line from master exceeds %d bytes", maxLineSize)
		case errors.Is(err, io.EOF):
			return errors.New("EOF while reading environment from master")
		case err != nil:
			return fmt.Errorf("reading environment from master: %w", err)
		}

		line = line[:len(line)-1]
		if len(line) == 0 {
			break
		}
		key, value, found := strings.Cut(string(line), "=")
		if !found || key == "" {
			return fmt.Errorf("malformed environment line from master: %q", line)
		}
		variables = append(variables, variable{key, value})
	}

	if extra := buffered.Buffered(); extra > 0 {
		return fmt.Errorf("master sent %d unexpected bytes after the environment", extra)
	}

	environment.Clear()
	for _, v := range variables {
		if err := environment.Set(v.key, v.value); err != nil {
			return fmt.Errorf("setting %s: %w", v.key, err)
		}
	}
	return nil
}

// descriptorReader reads from a blocking descriptor.
type descriptorReader int

func (fd descriptorReader) Read(buffer []byte) (int, error) {
	for {
		count, err := unix.Read(int(fd), buffer)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if count == 0 && len(buffer) > 0 {
			return 0, io.EOF
		}
		return count, nil
	}
}

// writeFull writes all of data to a blocking descriptor.
func writeFull(fd int, data []byte) error {
	for len(data) > 0 {
		count, err := unix.Write(fd, data)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		data = data[count:]
	}
	return nil
}
