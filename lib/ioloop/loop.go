// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ioloop

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Handler is called on the loop goroutine when a watched descriptor is
// readable (or has hung up). A non-nil error stops the loop.
type Handler func() error

// maxEvents is the number of readiness events collected per wait.
const maxEvents = 64

// Loop is an epoll reactor. Create it with New, register descriptors
// with AddReadable, and drive it with Run.
type Loop struct {
	epollFD int
	wakeFD  int

	// watches is owned by the loop goroutine.
	watches map[int]*Watch
	stopped bool

	mu     sync.Mutex
	posted []func() error
	closed bool
}

// Watch is a registration of a descriptor for readability.
type Watch struct {
	loop    *Loop
	fd      int
	handler Handler
	removed bool
}

// New creates a loop with its epoll instance and wakeup eventfd.
func New() (*Loop, error) {
	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epollFD)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}
	if err := unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, wakeFD, &event); err != nil {
		unix.Close(wakeFD)
		unix.Close(epollFD)
		return nil, fmt.Errorf("registering wakeup eventfd: %w", err)
	}

	return &Loop{
		epollFD: epollFD,
		wakeFD:  wakeFD,
		watches: make(map[int]*Watch),
	}, nil
}

// AddReadable registers fd and calls handler whenever it is readable.
// A descriptor may be registered only once at a time.
func (l *Loop) AddReadable(fd int, handler Handler) (*Watch, error) {
	if _, exists := l.watches[fd]; exists {
		return nil, fmt.Errorf("fd %d is already registered", fd)
	}

	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return nil, fmt.Errorf("registering fd %d: %w", fd, err)
	}

	watch := &Watch{loop: l, fd: fd, handler: handler}
	l.watches[fd] = watch
	return watch, nil
}

// Remove deregisters the watch. Calling it again is a no-op. The
// descriptor may already be closed: the kernel drops a closed
// descriptor from the epoll set by itself, so EBADF and ENOENT are not
// errors here.
func (w *Watch) Remove() error {
	if w.removed {
		return nil
	}
	w.removed = true

	if current, ok := w.loop.watches[w.fd]; ok && current == w {
		delete(w.loop.watches, w.fd)
	}

	err := unix.EpollCtl(w.loop.epollFD, unix.EPOLL_CTL_DEL, w.fd, nil)
	if err != nil && err != unix.EBADF && err != unix.ENOENT {
		return fmt.Errorf("deregistering fd %d: %w", w.fd, err)
	}
	return nil
}

// Active reports whether the watch is still registered.
func (w *Watch) Active() bool {
	return !w.removed
}

// Post schedules fn to run on the loop goroutine. Safe to call from
// any goroutine. Functions run in the order they were posted. After
// Close, Post drops fn.
func (l *Loop) Post(fn func() error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.posted = append(l.posted, fn)
	l.mu.Unlock()

	var counter [8]byte
	binary.NativeEndian.PutUint64(counter[:], 1)
	// EAGAIN means the counter is saturated, which still wakes the loop.
	_, _ = unix.Write(l.wakeFD, counter[:])
}

// Call runs fn on the loop goroutine and waits for it to finish, or for
// ctx to be cancelled.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() error {
		fn()
		close(done)
		return nil
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop makes Run return after the functions already posted have run.
// Safe to call from any goroutine, including handlers.
func (l *Loop) Stop() {
	l.Post(func() error {
		l.stopped = true
		return nil
	})
}

// Run dispatches events until Stop is called, ctx is cancelled, or a
// handler returns an error. Returns nil on a requested stop and the
// handler's error otherwise.
func (l *Loop) Run(ctx context.Context) error {
	runDone := make(chan struct{})
	defer close(runDone)
	go func() {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-runDone:
		}
	}()

	l.stopped = false
	events := make([]unix.EpollEvent, maxEvents)
	for !l.stopped {
		count, err := unix.EpollWait(l.epollFD, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for index := 0; index < count && !l.stopped; index++ {
			fd := int(events[index].Fd)
			if fd == l.wakeFD {
				if err := l.runPosted(); err != nil {
					return err
				}
				continue
			}

			// An earlier handler in this batch may have removed
			// the watch.
			watch, ok := l.watches[fd]
			if !ok {
				continue
			}
			if err := watch.handler(); err != nil {
				return err
			}
		}
	}
	return nil
}

// runPosted drains the wakeup counter and runs every queued function.
func (l *Loop) runPosted() error {
	var counter [8]byte
	_, _ = unix.Read(l.wakeFD, counter[:])

	l.mu.Lock()
	queue := l.posted
	l.posted = nil
	l.mu.Unlock()

	for index, fn := range queue {
		if err := fn(); err != nil {
			// Keep the unrun tail so a later Run still sees it.
			l.mu.Lock()
			l.posted = append(queue[index+1:], l.posted...)
			l.mu.Unlock()
			return err
		}
	}
	return nil
}

// Close releases the epoll instance and wakeup descriptor. Registered
// descriptors are not closed. Close must not be called while Run is
// executing.
func (l *Loop) Close() error {
	l.mu.Lock()
	l.closed = true
	l.posted = nil
	l.mu.Unlock()

	wakeErr := unix.Close(l.wakeFD)
	epollErr := unix.Close(l.epollFD)
	if epollErr != nil {
		return fmt.Errorf("closing epoll fd: %w", epollErr)
	}
	if wakeErr != nil {
		return fmt.Errorf("closing wakeup fd: %w", wakeErr)
	}
	return nil
}
