// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding configuration used by the
// login process's local administrative protocols (the status socket).
//
// The master control channel does not use CBOR: its frames are fixed
// size so the channel reader can accumulate partial reads without
// parsing. CBOR is for the request-response protocols where messages
// carry optional fields and are read whole.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same value always produces the same bytes. Types carry `cbor` struct
// tags.
package codec
