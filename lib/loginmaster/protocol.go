// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package loginmaster

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// ProtocolVersion is written into every request and reply frame.
const ProtocolVersion uint32 = 1

// Frame sizes. Both peers run on the same host, so integers are in
// host byte order.
const (
	// RequestSize is version, tag, auth PID, auth ID (4 bytes each)
	// followed by the local and remote addresses (16 bytes each).
	RequestSize = 4*4 + 2*16

	// ReplySize is version, tag, and the success flag.
	ReplySize = 3 * 4
)

// Request asks the master to take over a client connection. It travels
// with the client's socket descriptor attached. A Request with Tag 0
// sent without a descriptor is the liveness notification.
type Request struct {
	Version uint32
	Tag     uint32

	// AuthPID and AuthID route the login to the authentication
	// state the master holds for this client.
	AuthPID uint32
	AuthID  uint32

	// LocalAddress and RemoteAddress are the client connection's
	// endpoints. IPv4 addresses travel IPv4-mapped; an unset
	// address (a Unix socket client) travels as all zeroes.
	LocalAddress  netip.Addr
	RemoteAddress netip.Addr
}

// MarshalBinary encodes the request as a RequestSize frame.
func (r Request) MarshalBinary() ([]byte, error) {
	frame := make([]byte, RequestSize)
	order := binary.NativeEndian
	order.PutUint32(frame[0:], r.Version)
	order.PutUint32(frame[4:], r.Tag)
	order.PutUint32(frame[8:], r.AuthPID)
	order.PutUint32(frame[12:], r.AuthID)
	putAddress(frame[16:32], r.LocalAddress)
	putAddress(frame[32:48], r.RemoteAddress)
	return frame, nil
}

// UnmarshalBinary decodes a RequestSize frame.
func (r *Request) UnmarshalBinary(frame []byte) error {
	if len(frame) != RequestSize {
		return fmt.Errorf("request frame is %d bytes, want %d", len(frame), RequestSize)
	}
	order := binary.NativeEndian
	r.Version = order.Uint32(frame[0:])
	r.Tag = order.Uint32(frame[4:])
	r.AuthPID = order.Uint32(frame[8:])
	r.AuthID = order.Uint32(frame[12:])
	r.LocalAddress = readAddress(frame[16:32])
	r.RemoteAddress = readAddress(frame[32:48])
	return nil
}

// Reply is the master's verdict on one Request.
type Reply struct {
	Version uint32
	Tag     uint32
	Success bool
}

// MarshalBinary encodes the reply as a ReplySize frame.
func (r Reply) MarshalBinary() ([]byte, error) {
	frame := make([]byte, ReplySize)
	order := binary.NativeEndian
	order.PutUint32(frame[0:], r.Version)
	order.PutUint32(frame[4:], r.Tag)
	if r.Success {
		order.PutUint32(frame[8:], 1)
	}
	return frame, nil
}

// UnmarshalBinary decodes a ReplySize frame. Any non-zero success word
// counts as success.
func (r *Reply) UnmarshalBinary(frame []byte) error {
	if len(frame) != ReplySize {
		return fmt.Errorf("reply frame is %d bytes, want %d", len(frame), ReplySize)
	}
	order := binary.NativeEndian
	r.Version = order.Uint32(frame[0:])
	r.Tag = order.Uint32(frame[4:])
	r.Success = order.Uint32(frame[8:]) != 0
	return nil
}

func putAddress(destination []byte, address netip.Addr) {
	if !address.IsValid() {
		clear(destination)
		return
	}
	raw := address.As16()
	copy(destination, raw[:])
}

func readAddress(source []byte) netip.Addr {
	var raw [16]byte
	copy(raw[:], source)
	if raw == [16]byte{} {
		return netip.Addr{}
	}
	return netip.AddrFrom16(raw).Unmap()
}
