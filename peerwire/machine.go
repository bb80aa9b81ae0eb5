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
	"errors"
	"fmt"

	"github.com/torrentkit/leech/core"
)

// State enumerates the lifecycle of a Machine.
type State int

const (
	// AwaitingHandshake is the initial state: the machine has not yet seen
	// a valid 68-byte handshake from the remote side.
	AwaitingHandshake State = iota
	// AwaitingBitfield follows a valid handshake. The next length-prefixed
	// message, if any, may be a bitfield; any later one is a protocol error.
	AwaitingBitfield
	// Established is entered once the bitfield window has closed (either a
	// bitfield arrived, or some other message did). Messages are consumed
	// indefinitely.
	Established
	// Closed is terminal: Feed returns ErrClosed for any further input.
	Closed
)

// ErrClosed is returned by Feed once the machine has entered the Closed
// state.
var ErrClosed = errors.New("peerwire: machine is closed")

// DefaultMaxPayload is the maximum accepted message payload: a piece
// message carrying one block, plus its 8-byte index/begin header.
const DefaultMaxPayload = 8 + 16384

// Config configures a Machine.
type Config struct {
	// InfoHash is matched against the remote's handshake; mismatch is
	// fatal. Left zero when the machine does not yet know which torrent
	// it is dialing (a magnet bootstrap connection accepts the peer's
	// info-hash as ground truth).
	InfoHash core.InfoHash
	// NumPieces sizes incoming bitfields. Zero means "not yet known";
	// BitfieldReceived then carries only the raw undecoded payload, and
	// the caller must decode it later via ParseBitfieldBytes.
	NumPieces int
	// MaxPayload caps the accepted length-prefix payload. Zero selects
	// DefaultMaxPayload.
	MaxPayload int
}

// Machine is a Sans-I/O driver for the BEP 3 peer wire protocol. It performs
// no I/O: Feed consumes bytes read from a peer and returns the parsed Events
// (or a protocol error); the driver never auto-replies. Outbound messages
// are encoded with the New* and Encode* helpers in message.go. The
// caller (package session) owns the transport and decides what, if
// anything, to send in reaction to an Event.
type Machine struct {
	cfg   Config
	state State
	buf   []byte

	sawInfoHash core.InfoHash
	havePeerID  bool
}

// New returns a Machine ready to consume a handshake.
func New(cfg Config) *Machine {
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	return &Machine{cfg: cfg, state: AwaitingHandshake}
}

// State returns the machine's current lifecycle state.
func (m *Machine) State() State {
	return m.state
}

// Feed appends newData to the machine's internal buffer and parses as many
// complete handshakes/messages as are available, returning one Event per
// parsed unit. Feed never blocks and never performs I/O. A non-nil error is
// always fatal: the caller must close the transport and the machine
// transitions to Closed.
func (m *Machine) Feed(newData []byte) ([]Event, error) {
	if m.state == Closed {
		return nil, ErrClosed
	}
	m.buf = append(m.buf, newData...)

	var events []Event
	for {
		switch m.state {
		case AwaitingHandshake:
			if len(m.buf) < HandshakeLen {
				return events, nil
			}
			hs, err := DecodeHandshake(m.buf[:HandshakeLen])
			if err != nil {
				m.state = Closed
				return events, fmt.Errorf("peerwire: %w", err)
			}
			var zero core.InfoHash
			if m.cfg.InfoHash != zero && hs.InfoHash != m.cfg.InfoHash {
				m.state = Closed
				return events, errors.New("peerwire: info-hash mismatch")
			}
			m.sawInfoHash = hs.InfoHash
			m.havePeerID = true
			m.buf = m.buf[HandshakeLen:]
			m.state = AwaitingBitfield
			events = append(events, HandshakeReceived{
				PeerID:            hs.PeerID,
				ExtensionProtocol: hs.ExtensionProtocol,
			})

		case AwaitingBitfield, Established:
			msg, isKeepAlive, n, err := ParseFrame(m.buf, m.cfg.MaxPayload)
			if err != nil {
				m.state = Closed
				return events, fmt.Errorf("peerwire: %w", err)
			}
			if n == 0 {
				return events, nil
			}
			m.buf = m.buf[n:]

			wasAwaitingBitfield := m.state == AwaitingBitfield
			m.state = Established

			if isKeepAlive {
				events = append(events, KeepAliveReceived{})
				continue
			}

			ev, err := m.translate(*msg, wasAwaitingBitfield)
			if err != nil {
				m.state = Closed
				return events, fmt.Errorf("peerwire: %w", err)
			}
			if ev != nil {
				events = append(events, ev)
			}

		case Closed:
			return events, ErrClosed
		}
	}
}

// InfoHash returns the info-hash presented in the remote's handshake. Only
// meaningful once a HandshakeReceived event has been emitted.
func (m *Machine) InfoHash() core.InfoHash {
	return m.sawInfoHash
}

func (m *Machine) translate(msg Message, wasAwaitingBitfield bool) (Event, error) {
	switch msg.ID {
	case Choke:
		return ChokeReceived{}, nil
	case Unchoke:
		return UnchokeReceived{}, nil
	case Interested:
		return InterestedReceived{}, nil
	case NotInterested:
		return NotInterestedReceived{}, nil
	case Have:
		index, err := ParseHave(msg)
		if err != nil {
			return nil, err
		}
		return HaveReceived{Index: index}, nil
	case Bitfield:
		if !wasAwaitingBitfield {
			return nil, errors.New("bitfield received outside the bitfield window")
		}
		if m.cfg.NumPieces == 0 {
			return BitfieldReceived{Raw: append([]byte(nil), msg.Payload...)}, nil
		}
		bits, err := ParseBitfieldBytes(msg.Payload, m.cfg.NumPieces)
		if err != nil {
			return nil, err
		}
		return BitfieldReceived{Bits: bits, Raw: append([]byte(nil), msg.Payload...)}, nil
	case Request:
		index, begin, length, err := ParseRequest(msg)
		if err != nil {
			return nil, err
		}
		return RequestReceived{Index: index, Begin: begin, Length: length}, nil
	case Piece:
		index, begin, block, err := ParsePiece(msg)
		if err != nil {
			return nil, err
		}
		return PieceReceived{Index: index, Begin: begin, Block: block}, nil
	case Cancel:
		index, begin, length, err := ParseCancel(msg)
		if err != nil {
			return nil, err
		}
		return CancelReceived{Index: index, Begin: begin, Length: length}, nil
	case Extended:
		extendedID, payload, err := ParseExtended(msg)
		if err != nil {
			return nil, err
		}
		return ExtendedReceived{ExtendedID: extendedID, Payload: payload}, nil
	default:
		// Unknown ids are dropped, not fatal.
		return nil, nil
	}
}
