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

// Package metadata implements the BEP 10 extension handshake and the BEP 9
// ut_metadata exchange used to bootstrap a magnet link's piece table from
// connected peers, before a registry can be built.
package metadata

import (
	"bytes"
	"fmt"

	"github.com/jackpal/bencode-go"
)

// UTMetadataName is the extension name this client advertises for BEP 9,
// as it must appear verbatim as a key of the handshake's "m" dictionary.
const UTMetadataName = "ut_metadata"

// LocalExtendedID is the id this client assigns to ut_metadata in its own
// outgoing handshake; peers address ut_metadata messages back to us using
// this id once they've parsed our handshake.
const LocalExtendedID uint8 = 1

// Handshake is the BEP 10 "m" extension handshake payload, restricted to
// the fields this client reads or sets. Unknown dictionary keys are
// ignored on decode.
type Handshake struct {
	M            map[string]int64 `bencode:"m"`
	MetadataSize int64            `bencode:"metadata_size,omitempty"`
	Version      string           `bencode:"v,omitempty"`
}

// PeerUTMetadataID returns the extended message id the peer wants
// ut_metadata requests addressed to, and whether it advertised support at
// all.
func (h Handshake) PeerUTMetadataID() (uint8, bool) {
	id, ok := h.M[UTMetadataName]
	if !ok || id <= 0 {
		return 0, false
	}
	return uint8(id), true
}

// BuildHandshake encodes this client's own BEP 10 handshake payload.
// metadataSize is 0 when the full torrent metadata is not yet known (the
// case when we are the one downloading it via magnet link).
func BuildHandshake(metadataSize int) ([]byte, error) {
	h := Handshake{
		M:       map[string]int64{UTMetadataName: int64(LocalExtendedID)},
		Version: "leech/1.0",
	}
	if metadataSize > 0 {
		h.MetadataSize = int64(metadataSize)
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, h); err != nil {
		return nil, fmt.Errorf("metadata: marshal handshake: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseHandshake decodes a peer's BEP 10 extension handshake payload.
func ParseHandshake(payload []byte) (Handshake, error) {
	var h Handshake
	if err := bencode.Unmarshal(bytes.NewReader(payload), &h); err != nil {
		return Handshake{}, fmt.Errorf("metadata: unmarshal handshake: %w", err)
	}
	return h, nil
}
