// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package loginmaster

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"
)

func TestRequestLayout(t *testing.T) {
	request := Request{
		Version:       ProtocolVersion,
		Tag:           7,
		AuthPID:       4242,
		AuthID:        9,
		LocalAddress:  netip.MustParseAddr("192.0.2.1"),
		RemoteAddress: netip.MustParseAddr("2001:db8::5"),
	}
	frame, err := request.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(frame) != RequestSize {
		t.Fatalf("frame length = %d, want %d", len(frame), RequestSize)
	}

	order := binary.NativeEndian
	if got := order.Uint32(frame[0:]); got != ProtocolVersion {
		t.Errorf("version word = %d, want %d", got, ProtocolVersion)
	}
	if got := order.Uint32(frame[4:]); got != 7 {
		t.Errorf("tag word = %d, want 7", got)
	}
	if got := order.Uint32(frame[8:]); got != 4242 {
		t.Errorf("auth pid word = %d, want 4242", got)
	}
	if got := order.Uint32(frame[12:]); got != 9 {
		t.Errorf("auth id word = %d, want 9", got)
	}

	mapped := netip.MustParseAddr("::ffff:192.0.2.1").As16()
	if !bytes.Equal(frame[16:32], mapped[:]) {
		t.Errorf("local address bytes = %x, want IPv4-mapped %x", frame[16:32], mapped)
	}
	remote := netip.MustParseAddr("2001:db8::5").As16()
	if !bytes.Equal(frame[32:48], remote[:]) {
		t.Errorf("remote address bytes = %x, want %x", frame[32:48], remote)
	}

	var decoded Request
	if err := decoded.UnmarshalBinary(frame); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if decoded != request {
		t.Errorf("decoded = %+v, want %+v", decoded, request)
	}
}

func TestRequestUnsetAddresses(t *testing.T) {
	frame, err := Request{Version: ProtocolVersion, Tag: 1, AuthPID: 1}.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if !bytes.Equal(frame[16:48], make([]byte, 32)) {
		t.Errorf("unset addresses encoded as %x, want zeroes", frame[16:48])
	}

	var decoded Request
	if err := decoded.UnmarshalBinary(frame); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if decoded.LocalAddress.IsValid() || decoded.RemoteAddress.IsValid() {
		t.Errorf("decoded addresses = %v, %v; want unset", decoded.LocalAddress, decoded.RemoteAddress)
	}
}

func TestReplySuccessWord(t *testing.T) {
	frame := make([]byte, ReplySize)
	order := binary.NativeEndian
	order.PutUint32(frame[0:], ProtocolVersion)
	order.PutUint32(frame[4:], 3)

	tests := []struct {
		word uint32
		want bool
	}{
		{0, false},
		{1, true},
		{0xffffffff, true},
	}
	for _, test := range tests {
		order.PutUint32(frame[8:], test.word)
		var reply Reply
		if err := reply.UnmarshalBinary(frame); err != nil {
			t.Fatalf("UnmarshalBinary: %v", err)
		}
		if reply.Tag != 3 || reply.Success != test.want {
			t.Errorf("success word %#x decoded as %+v, want tag 3 success %v", test.word, reply, test.want)
		}
	}

	encoded, err := Reply{Version: ProtocolVersion, Tag: 3, Success: true}.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if got := order.Uint32(encoded[8:]); got != 1 {
		t.Errorf("success word = %d, want 1", got)
	}
}

func TestUnmarshalWrongSize(t *testing.T) {
	var request Request
	if err := request.UnmarshalBinary(make([]byte, RequestSize-1)); err == nil {
		t.Error("Request.UnmarshalBinary accepted a short frame")
	}
	var reply Reply
	if err := reply.UnmarshalBinary(make([]byte, ReplySize+1)); err == nil {
		t.Error("Reply.UnmarshalBinary accepted a long frame")
	}
}
