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
package tracker

import (
	"bytes"
	"testing"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"

	"github.com/torrentkit/leech/core"
)

func encode(t *testing.T, v interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, v))
	return buf.Bytes()
}

func TestParseHTTPResponseCompact(t *testing.T) {
	require := require.New(t)

	compact := []byte{1, 2, 3, 4, 0x1a, 0xe1} // 1.2.3.4:6881
	body := encode(t, map[string]interface{}{
		"interval": int64(1800),
		"complete": int64(5),
		"peers":    string(compact),
	})

	resp, err := ParseHTTPResponse(body)
	require.NoError(err)
	require.Equal([]core.Endpoint{{IP: "1.2.3.4", Port: 6881}}, resp.Peers)
	require.Equal(5, resp.Seeders)
}

func TestParseHTTPResponseNonCompact(t *testing.T) {
	require := require.New(t)

	body := encode(t, map[string]interface{}{
		"interval": int64(900),
		"peers": []interface{}{
			map[string]interface{}{"ip": "10.0.0.1", "port": int64(1234)},
			map[string]interface{}{"ip": "10.0.0.2", "port": int64(5678)},
		},
	})

	resp, err := ParseHTTPResponse(body)
	require.NoError(err)
	require.ElementsMatch([]core.Endpoint{
		{IP: "10.0.0.1", Port: 1234},
		{IP: "10.0.0.2", Port: 5678},
	}, resp.Peers)
}

func TestParseHTTPResponseFailureReason(t *testing.T) {
	require := require.New(t)

	body := encode(t, map[string]interface{}{
		"failure reason": "unregistered torrent",
	})

	_, err := ParseHTTPResponse(body)
	require.Error(err)
	require.Contains(err.Error(), "unregistered torrent")
}

func TestBuildURLPercentEncodesBinaryFields(t *testing.T) {
	require := require.New(t)

	var hash core.InfoHash
	for i := range hash {
		hash[i] = byte(i)
	}
	var peerID core.PeerID
	for i := range peerID {
		peerID[i] = byte(0xA0 + i)
	}

	u, err := buildURL("http://tracker.example/announce", Request{
		InfoHash: hash,
		PeerID:   peerID,
		Port:     6881,
		Left:     100,
	})
	require.NoError(err)
	require.Contains(u, "info_hash=")
	require.Contains(u, "peer_id=")
	require.Contains(u, "compact=1")
}
