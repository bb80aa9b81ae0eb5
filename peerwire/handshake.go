// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package peerwire implements the BEP 3 peer wire protocol as a Sans-I/O
// state machine: it turns bytes into events and events into bytes, but never
// touches a socket itself. The session package owns the connection and
// drives the Machine.
package peerwire

import (
	"errors"
	"fmt"

	"github.com/torrentkit/leech/core"
)

// protocolID is the pstr of the BEP 3 handshake.
const protocolID = "BitTorrent protocol"

// HandshakeLen is the fixed wire length of a handshake: 1 + 19 + 8 + 20 + 20.
const HandshakeLen = 1 + len(protocolID) + 8 + 20 + 20

// extensionReservedByte is the index into the 8 reserved bytes that carries
// the BEP 10 extension protocol bit.
const extensionReservedByte = 5

// extensionBit is set on extensionReservedByte to advertise BEP 10 support.
const extensionBit = 0x10

// Handshake is the first exchange on any peer connection.
type Handshake struct {
	InfoHash          core.InfoHash
	PeerID            core.PeerID
	ExtensionProtocol bool
}

// Encode serializes h to its 68-byte wire form.
func (h Handshake) Encode() []byte {
	b := make([]byte, HandshakeLen)
	cursor := 0
	b[cursor] = byte(len(protocolID))
	cursor++
	cursor += copy(b[cursor:], protocolID)
	if h.ExtensionProtocol {
		b[cursor+extensionReservedByte] = extensionBit
	}
	cursor += 8
	cursor += copy(b[cursor:], h.InfoHash[:])
	copy(b[cursor:], h.PeerID[:])
	return b
}

// DecodeHandshake parses exactly HandshakeLen bytes of b into a Handshake.
func DecodeHandshake(b []byte) (Handshake, error) {
	if len(b) != HandshakeLen {
		return Handshake{}, fmt.Errorf("peerwire: handshake must be %d bytes, got %d", HandshakeLen, len(b))
	}
	pstrlen := int(b[0])
	if pstrlen != len(protocolID) {
		return Handshake{}, errors.New("peerwire: unsupported protocol identifier")
	}
	cursor := 1
	if string(b[cursor:cursor+pstrlen]) != protocolID {
		return Handshake{}, errors.New("peerwire: unsupported protocol identifier")
	}
	cursor += pstrlen

	reserved := b[cursor : cursor+8]
	extensionProtocol := reserved[extensionReservedByte]&extensionBit != 0
	cursor += 8

	var infoHash core.InfoHash
	copy(infoHash[:], b[cursor:cursor+20])
	cursor += 20

	peerID, err := core.NewPeerIDFromBytes(b[cursor : cursor+20])
	if err != nil {
		return Handshake{}, fmt.Errorf("peerwire: %s", err)
	}

	return Handshake{
		InfoHash:          infoHash,
		PeerID:            peerID,
		ExtensionProtocol: extensionProtocol,
	}, nil
}
