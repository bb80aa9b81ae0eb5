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
package peerwire

import (
	"encoding/binary"
	"fmt"

	"github.com/willf/bitset"
)

// ID identifies the kind of a non-keepalive message.
type ID uint8

// Message ids defined by BEP 3, plus the BEP 10 extended id.
const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	Bitfield      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	Extended      ID = 20
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Extended:
		return "extended"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is a single parsed peer-wire message, excluding the handshake and
// the zero-length keepalive (which has no id).
type Message struct {
	ID      ID
	Payload []byte
}

// Encode serializes m to its length-prefixed wire form.
func (m Message) Encode() []byte {
	b := make([]byte, 4+1+len(m.Payload))
	binary.BigEndian.PutUint32(b[0:4], uint32(1+len(m.Payload)))
	b[4] = byte(m.ID)
	copy(b[5:], m.Payload)
	return b
}

// EncodeKeepAlive returns the wire form of a zero-length keepalive message.
func EncodeKeepAlive() []byte {
	return []byte{0, 0, 0, 0}
}

// ParseFrame attempts to parse a single length-prefixed frame off the front
// of buf. It returns (nil, false, 0, nil) when buf does not yet hold a complete
// frame; the caller should Feed more data and retry. isKeepAlive is set when
// the frame is a zero-length keepalive, in which case msg is nil.
func ParseFrame(buf []byte, maxPayload int) (msg *Message, isKeepAlive bool, n int, err error) {
	if len(buf) < 4 {
		return nil, false, 0, nil
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if length == 0 {
		return nil, true, 4, nil
	}
	if length > uint32(1+maxPayload) {
		return nil, false, 0, fmt.Errorf("peerwire: frame length %d exceeds max %d", length, 1+maxPayload)
	}
	total := 4 + int(length)
	if len(buf) < total {
		return nil, false, 0, nil
	}
	id := ID(buf[4])
	payload := append([]byte(nil), buf[5:total]...)
	return &Message{ID: id, Payload: payload}, false, total, nil
}

// NewHave builds a have message announcing piece index.
func NewHave(index uint32) Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, index)
	return Message{ID: Have, Payload: p}
}

// ParseHave extracts the piece index from a have message.
func ParseHave(m Message) (uint32, error) {
	if m.ID != Have {
		return 0, fmt.Errorf("peerwire: expected have, got %s", m.ID)
	}
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("peerwire: malformed have payload of length %d", len(m.Payload))
	}
	return binary.BigEndian.Uint32(m.Payload), nil
}

// NewBitfield builds a bitfield message from the given piece-availability set.
func NewBitfield(bits *bitset.BitSet, numPieces int) Message {
	payload := make([]byte, (numPieces+7)/8)
	for i := 0; i < numPieces; i++ {
		if bits.Test(uint(i)) {
			payload[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return Message{ID: Bitfield, Payload: payload}
}

// ParseBitfield decodes a bitfield message's payload into a bitset sized to
// numPieces. Trailing spare bits beyond numPieces must be zero.
func ParseBitfield(m Message, numPieces int) (*bitset.BitSet, error) {
	if m.ID != Bitfield {
		return nil, fmt.Errorf("peerwire: expected bitfield, got %s", m.ID)
	}
	return ParseBitfieldBytes(m.Payload, numPieces)
}

// ParseBitfieldBytes decodes a raw bitfield payload into a bitset sized to
// numPieces. Trailing spare bits beyond numPieces must be zero.
func ParseBitfieldBytes(payload []byte, numPieces int) (*bitset.BitSet, error) {
	wantLen := (numPieces + 7) / 8
	if len(payload) != wantLen {
		return nil, fmt.Errorf("peerwire: bitfield length %d does not match %d pieces", len(payload), numPieces)
	}
	bits := bitset.New(uint(numPieces))
	for i := 0; i < numPieces; i++ {
		if payload[i/8]&(0x80>>uint(i%8)) != 0 {
			bits.Set(uint(i))
		}
	}
	for i := numPieces; i < wantLen*8; i++ {
		if payload[i/8]&(0x80>>uint(i%8)) != 0 {
			return nil, fmt.Errorf("peerwire: bitfield sets spare bit %d beyond %d pieces", i, numPieces)
		}
	}
	return bits, nil
}

// blockSpec is the shared wire layout of request, piece, and cancel.
type blockSpec struct {
	Index, Begin, Length uint32
}

func encodeBlockSpec(id ID, s blockSpec) Message {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], s.Index)
	binary.BigEndian.PutUint32(p[4:8], s.Begin)
	binary.BigEndian.PutUint32(p[8:12], s.Length)
	return Message{ID: id, Payload: p}
}

func decodeBlockSpec(m Message, want ID) (blockSpec, error) {
	if m.ID != want {
		return blockSpec{}, fmt.Errorf("peerwire: expected %s, got %s", want, m.ID)
	}
	if len(m.Payload) != 12 {
		return blockSpec{}, fmt.Errorf("peerwire: malformed %s payload of length %d", want, len(m.Payload))
	}
	return blockSpec{
		Index:  binary.BigEndian.Uint32(m.Payload[0:4]),
		Begin:  binary.BigEndian.Uint32(m.Payload[4:8]),
		Length: binary.BigEndian.Uint32(m.Payload[8:12]),
	}, nil
}

// NewRequest builds a request message for the given block.
func NewRequest(index, begin, length uint32) Message {
	return encodeBlockSpec(Request, blockSpec{index, begin, length})
}

// ParseRequest extracts the block coordinates from a request message.
func ParseRequest(m Message) (index, begin, length uint32, err error) {
	s, err := decodeBlockSpec(m, Request)
	if err != nil {
		return 0, 0, 0, err
	}
	return s.Index, s.Begin, s.Length, nil
}

// NewCancel builds a cancel message for the given block.
func NewCancel(index, begin, length uint32) Message {
	return encodeBlockSpec(Cancel, blockSpec{index, begin, length})
}

// ParseCancel extracts the block coordinates from a cancel message.
func ParseCancel(m Message) (index, begin, length uint32, err error) {
	s, err := decodeBlockSpec(m, Cancel)
	if err != nil {
		return 0, 0, 0, err
	}
	return s.Index, s.Begin, s.Length, nil
}

// NewPiece builds a piece message carrying block at (index, begin).
func NewPiece(index, begin uint32, block []byte) Message {
	p := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], begin)
	copy(p[8:], block)
	return Message{ID: Piece, Payload: p}
}

// ParsePiece extracts the block coordinates and data from a piece message.
func ParsePiece(m Message) (index, begin uint32, block []byte, err error) {
	if m.ID != Piece {
		return 0, 0, nil, fmt.Errorf("peerwire: expected piece, got %s", m.ID)
	}
	if len(m.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("peerwire: malformed piece payload of length %d", len(m.Payload))
	}
	index = binary.BigEndian.Uint32(m.Payload[0:4])
	begin = binary.BigEndian.Uint32(m.Payload[4:8])
	block = m.Payload[8:]
	return index, begin, block, nil
}

// NewExtended builds a BEP 10 extended message with the given sub-protocol
// extended-message-id and payload.
func NewExtended(extendedID uint8, payload []byte) Message {
	p := make([]byte, 1+len(payload))
	p[0] = extendedID
	copy(p[1:], payload)
	return Message{ID: Extended, Payload: p}
}

// ParseExtended splits an extended message's payload into its
// extended-message-id and the wrapped bencoded payload.
func ParseExtended(m Message) (extendedID uint8, payload []byte, err error) {
	if m.ID != Extended {
		return 0, nil, fmt.Errorf("peerwire: expected extended, got %s", m.ID)
	}
	if len(m.Payload) < 1 {
		return 0, nil, fmt.Errorf("peerwire: malformed extended payload")
	}
	return m.Payload[0], m.Payload[1:], nil
}
