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
package metadata

import (
	"bytes"
	"fmt"

	"github.com/jackpal/bencode-go"
)

// PieceSize is the fixed chunk size metadata is split into, per BEP 9.
const PieceSize = 16 * 1024

// MsgType is the ut_metadata control dictionary's "msg_type" field.
type MsgType int64

// ut_metadata message types.
const (
	MsgRequest MsgType = 0
	MsgData    MsgType = 1
	MsgReject  MsgType = 2
)

// controlDict is the bencoded dictionary every ut_metadata message opens
// with. A MsgData message has this dictionary immediately followed by the
// raw piece bytes (not itself bencoded) in the extended message payload.
type controlDict struct {
	MsgType   MsgType `bencode:"msg_type"`
	Piece     int64   `bencode:"piece"`
	TotalSize int64   `bencode:"total_size,omitempty"`
}

// EncodeRequest builds the payload for a ut_metadata request message for
// the given piece index.
func EncodeRequest(piece int) ([]byte, error) {
	return encodeControl(controlDict{MsgType: MsgRequest, Piece: int64(piece)})
}

// EncodeReject builds the payload for a ut_metadata reject message.
func EncodeReject(piece int) ([]byte, error) {
	return encodeControl(controlDict{MsgType: MsgReject, Piece: int64(piece)})
}

// EncodeData builds the payload for a ut_metadata data message: the control
// dictionary followed directly by data's raw bytes.
func EncodeData(piece int, totalSize int, data []byte) ([]byte, error) {
	dict, err := encodeControl(controlDict{
		MsgType:   MsgData,
		Piece:     int64(piece),
		TotalSize: int64(totalSize),
	})
	if err != nil {
		return nil, err
	}
	return append(dict, data...), nil
}

func encodeControl(c controlDict) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, c); err != nil {
		return nil, fmt.Errorf("metadata: marshal control dict: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodedMessage is a parsed ut_metadata message: the control dictionary
// plus, for MsgData, the trailing raw piece bytes.
type DecodedMessage struct {
	Type      MsgType
	Piece     int
	TotalSize int
	Data      []byte
}

// DecodeMessage splits payload into the bencoded control dictionary and any
// trailing raw bytes, using a streaming decoder so the dictionary's exact
// encoded length is known without scanning for it by hand.
func DecodeMessage(payload []byte) (DecodedMessage, error) {
	r := bytes.NewReader(payload)
	dec := bencode.NewDecoder(r)
	var c controlDict
	if err := dec.Decode(&c); err != nil {
		return DecodedMessage{}, fmt.Errorf("metadata: decode control dict: %w", err)
	}
	rest := payload[len(payload)-r.Len():]
	return DecodedMessage{
		Type:      c.MsgType,
		Piece:     int(c.Piece),
		TotalSize: int(c.TotalSize),
		Data:      rest,
	}, nil
}
