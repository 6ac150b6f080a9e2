// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bureau-foundation/login/lib/adminsocket"
	"github.com/bureau-foundation/login/lib/version"
)

// statusResponse is the data of the "status" action.
type statusResponse struct {
	Group     string `cbor:"group"`
	Service   string `cbor:"service"`
	Channel   string `cbor:"channel"`
	Accepting bool   `cbor:"accepting"`
	Clients   int    `cbor:"clients"`
	Pending   int    `cbor:"pending"`
	Served    uint   `cbor:"served"`
	Version   string `cbor:"version"`
}

// status snapshots the server on the loop goroutine.
func (s *server) status(ctx context.Context) (statusResponse, error) {
	var response statusResponse
	err := s.loop.Call(ctx, func() {
		response = statusResponse{
			Group:     s.group,
			Service:   s.service.Name,
			Channel:   s.channel.State().String(),
			Accepting: s.accepting,
			Clients:   len(s.clients),
			Pending:   s.channel.PendingCount(),
			Served:    s.served,
			Version:   version.Info(),
		}
	})
	return response, err
}

// printStatus queries a running login process and writes its status.
func printStatus(ctx context.Context, socketPath string, output io.Writer) error {
	if socketPath == "" {
		return fmt.Errorf("no status socket configured (login.status_socket)")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var status statusResponse
	if err := adminsocket.Query(ctx, socketPath, "status", &status); err != nil {
		return fmt.Errorf("querying %s: %w", socketPath, err)
	}

	fmt.Fprintf(output, "group:     %s\n", status.Group)
	fmt.Fprintf(output, "service:   %s\n", status.Service)
	fmt.Fprintf(output, "channel:   %s\n", status.Channel)
	fmt.Fprintf(output, "accepting: %t\n", status.Accepting)
	fmt.Fprintf(output, "clients:   %d\n", status.Clients)
	fmt.Fprintf(output, "pending:   %d\n", status.Pending)
	fmt.Fprintf(output, "served:    %d\n", status.Served)
	fmt.Fprintf(output, "version:   %s\n", status.Version)
	return nil
}
