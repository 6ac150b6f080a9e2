// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package loginmaster

import (
	"fmt"
	"net/netip"
)

// Client is a client connection awaiting the master's verdict. The
// channel holds clients by reference only and indexes them, so
// implementations must be comparable; use pointer types.
type Client interface {
	// Descriptor is the client's socket. It is passed to the master;
	// the client keeps its own copy.
	Descriptor() int
	LocalAddress() netip.Addr
	RemoteAddress() netip.Addr
}

// Callback receives the master's verdict. It may destroy the client
// or call back into the channel; the channel has already forgotten the
// request when the callback runs.
type Callback func(client Client, success bool)

type pendingRequest struct {
	client   Client
	callback Callback
}

// RequestLogin hands client's descriptor to the master and records the
// request; callback runs when the reply arrives or the channel closes.
// A client may have only one request pending at a time.
//
// authPID must be non-zero. Returns ErrChannelClosed if the channel is
// not active. A failed or short send is unrecoverable.
func (c *Channel) RequestLogin(client Client, callback Callback, authPID, authID uint32) error {
	if authPID == 0 {
		panic("loginmaster: RequestLogin with zero auth PID")
	}
	if c.state != StateActive {
		return ErrChannelClosed
	}

	tag := c.nextTag()
	request := Request{
		Version:       ProtocolVersion,
		Tag:           tag,
		AuthPID:       authPID,
		AuthID:        authID,
		LocalAddress:  client.LocalAddress(),
		RemoteAddress: client.RemoteAddress(),
	}
	payload, err := request.MarshalBinary()
	if err != nil {
		return unrecoverable("send login request", err)
	}
	if err := c.send(client.Descriptor(), payload); err != nil {
		return unrecoverable("send login request", fmt.Errorf("passing fd %d: %w", client.Descriptor(), err))
	}

	c.pending[tag] = pendingRequest{client: client, callback: callback}
	c.byClient[client] = tag
	c.logger.Debug("login request sent",
		"tag", tag,
		"auth_pid", authPID,
		"auth_id", authID,
		"remote", request.RemoteAddress,
	)
	return nil
}

// Abort forgets client's pending request, if any, without calling its
// callback. The master may still reply; that reply is discarded.
func (c *Channel) Abort(client Client) {
	tag, ok := c.byClient[client]
	if !ok {
		return
	}
	delete(c.byClient, client)
	delete(c.pending, tag)
	if c.state == StateActive {
		c.aborted[tag] = struct{}{}
	}
	c.logger.Debug("login request aborted", "tag", tag)
}

// PendingCount returns the number of requests awaiting a reply.
func (c *Channel) PendingCount() int { return len(c.pending) }

// PendingTag returns the tag of client's pending request.
func (c *Channel) PendingTag(client Client) (uint32, bool) {
	tag, ok := c.byClient[client]
	return tag, ok
}

// nextTag advances the wrapping tag counter, skipping 0 (the liveness
// notification) and any tag still in use.
func (c *Channel) nextTag() uint32 {
	for {
		c.tagCounter++
		tag := c.tagCounter
		if tag == 0 {
			continue
		}
		if _, busy := c.pending[tag]; busy {
			continue
		}
		if _, busy := c.aborted[tag]; busy {
			continue
		}
		return tag
	}
}

// resolve completes the request reply answers.
func (c *Channel) resolve(reply Reply) error {
	entry, ok := c.pending[reply.Tag]
	if !ok {
		if _, aborted := c.aborted[reply.Tag]; aborted {
			delete(c.aborted, reply.Tag)
			c.logger.Debug("discarding reply for aborted request", "tag", reply.Tag, "success", reply.Success)
			return nil
		}
		return unrecoverable("resolve", fmt.Errorf("%w %d", ErrUnknownTag, reply.Tag))
	}

	delete(c.pending, reply.Tag)
	delete(c.byClient, entry.client)
	c.logger.Debug("login reply", "tag", reply.Tag, "success", reply.Success)

	// The callback may destroy the client; nothing touches it after.
	entry.callback(entry.client, reply.Success)
	return nil
}
