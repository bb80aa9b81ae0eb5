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
	"github.com/willf/bitset"

	"github.com/torrentkit/leech/core"
)

// Event is emitted by Machine.Feed as it consumes bytes. Callers type-switch
// on the concrete type.
type Event interface {
	isEvent()
}

// HandshakeReceived fires once, when the peer's handshake has been parsed
// and its info-hash matched ours.
type HandshakeReceived struct {
	PeerID            core.PeerID
	ExtensionProtocol bool
}

// KeepAliveReceived fires for a zero-length keepalive frame.
type KeepAliveReceived struct{}

// ChokeReceived fires for a choke message.
type ChokeReceived struct{}

// UnchokeReceived fires for an unchoke message.
type UnchokeReceived struct{}

// InterestedReceived fires for an interested message.
type InterestedReceived struct{}

// NotInterestedReceived fires for a not_interested message.
type NotInterestedReceived struct{}

// HaveReceived fires for a have message.
type HaveReceived struct {
	Index uint32
}

// BitfieldReceived fires for a bitfield message. Bits is nil when the
// Machine was constructed without knowing the piece count yet (the magnet
// pre-metadata case); Raw always holds the undecoded payload so the caller
// can decode it later with ParseBitfieldBytes once the piece count is known.
type BitfieldReceived struct {
	Bits *bitset.BitSet
	Raw  []byte
}

// RequestReceived fires for a request message.
type RequestReceived struct {
	Index, Begin, Length uint32
}

// PieceReceived fires for a piece message.
type PieceReceived struct {
	Index, Begin uint32
	Block        []byte
}

// CancelReceived fires for a cancel message.
type CancelReceived struct {
	Index, Begin, Length uint32
}

// ExtendedReceived fires for a BEP 10 extended message.
type ExtendedReceived struct {
	ExtendedID uint8
	Payload    []byte
}

func (HandshakeReceived) isEvent()    {}
func (KeepAliveReceived) isEvent()    {}
func (ChokeReceived) isEvent()        {}
func (UnchokeReceived) isEvent()      {}
func (InterestedReceived) isEvent()   {}
func (NotInterestedReceived) isEvent() {}
func (HaveReceived) isEvent()         {}
func (BitfieldReceived) isEvent()     {}
func (RequestReceived) isEvent()      {}
func (PieceReceived) isEvent()        {}
func (CancelReceived) isEvent()       {}
func (ExtendedReceived) isEvent()     {}
