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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildAndParseHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	payload, err := BuildHandshake(54321)
	require.NoError(err)

	h, err := ParseHandshake(payload)
	require.NoError(err)
	require.Equal(int64(54321), h.MetadataSize)

	id, ok := h.PeerUTMetadataID()
	require.True(ok)
	require.Equal(LocalExtendedID, id)
}

func TestParseHandshakeWithoutMetadataSupport(t *testing.T) {
	require := require.New(t)

	h, err := ParseHandshake([]byte("d1:md11:lt_donthavei1eee"))
	require.NoError(err)
	_, ok := h.PeerUTMetadataID()
	require.False(ok)
}

func TestEncodeDecodeDataMessage(t *testing.T) {
	require := require.New(t)

	data := []byte("some info dictionary bytes")
	payload, err := EncodeData(3, 1000, data)
	require.NoError(err)

	msg, err := DecodeMessage(payload)
	require.NoError(err)
	require.Equal(MsgData, msg.Type)
	require.Equal(3, msg.Piece)
	require.Equal(1000, msg.TotalSize)
	require.Equal(data, msg.Data)
}

func TestEncodeDecodeRequestMessage(t *testing.T) {
	require := require.New(t)

	payload, err := EncodeRequest(7)
	require.NoError(err)

	msg, err := DecodeMessage(payload)
	require.NoError(err)
	require.Equal(MsgRequest, msg.Type)
	require.Equal(7, msg.Piece)
	require.Empty(msg.Data)
}

func TestEncodeDecodeRejectMessage(t *testing.T) {
	require := require.New(t)

	payload, err := EncodeReject(2)
	require.NoError(err)

	msg, err := DecodeMessage(payload)
	require.NoError(err)
	require.Equal(MsgReject, msg.Type)
	require.Equal(2, msg.Piece)
}
