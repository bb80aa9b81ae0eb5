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
package metainfo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMagnetHex(t *testing.T) {
	require := require.New(t)

	uri := "magnet:?xt=urn:btih:e3b0c44298fc1c149afbf4c8996fb92427ae41e4" +
		"&tr=http%3A%2F%2Ftracker.example%2Fannounce" +
		"&tr=udp%3A%2F%2Ftracker2.example%3A80" +
		"&dn=My+Torrent"

	m, err := ParseMagnet(uri)
	require.NoError(err)
	require.Equal("e3b0c44298fc1c149afbf4c8996fb92427ae41e4", m.InfoHash.Hex())
	require.Equal("My Torrent", m.DisplayName)
	require.Equal([][]string{
		{"http://tracker.example/announce"},
		{"udp://tracker2.example:80"},
	}, m.AnnounceTiers)
}

func TestParseMagnetRejectsMissingExactTopic(t *testing.T) {
	_, err := ParseMagnet("magnet:?dn=no-hash-here")
	require.Error(t, err)
}

func TestParseMagnetRejectsNonMagnetURI(t *testing.T) {
	_, err := ParseMagnet("http://example.com")
	require.Error(t, err)
}

func TestFromMagnetMetadataVerifiesHash(t *testing.T) {
	require := require.New(t)

	raw := "d4:infod6:lengthi10e4:name1:x12:piece lengthi100e6:pieces20:" + pieceHashes(1) + "ee"
	torrent, err := FromBytes([]byte(raw))
	require.NoError(err)

	m := &Magnet{InfoHash: torrent.InfoHash}
	got, err := FromMagnetMetadata(m, torrent.RawInfo())
	require.NoError(err)
	require.Equal(torrent.InfoHash, got.InfoHash)

	wrong := &Magnet{InfoHash: [20]byte{1, 2, 3}}
	_, err = FromMagnetMetadata(wrong, torrent.RawInfo())
	require.Error(err)
}
