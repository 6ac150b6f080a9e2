// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package adminsocket

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/bureau-foundation/login/lib/codec"
)

// Query sends {action: action} to the server at socketPath and decodes
// the response data into result, which may be nil. A response with
// ok=false is returned as an error carrying the server's message.
func Query(ctx context.Context, socketPath, action string, result any) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	request := map[string]string{"action": action}
	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("sending %s request: %w", action, err)
	}

	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		return fmt.Errorf("reading %s response: %w", action, err)
	}
	if !response.OK {
		return errors.New(response.Error)
	}
	if result == nil || len(response.Data) == 0 {
		return nil
	}
	if err := codec.Unmarshal(response.Data, result); err != nil {
		return fmt.Errorf("decoding %s response: %w", action, err)
	}
	return nil
}
