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
package session

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/torrentkit/leech/bencode"
	"github.com/torrentkit/leech/core"
	"github.com/torrentkit/leech/metainfo"
	"github.com/torrentkit/leech/peerwire"
	"github.com/torrentkit/leech/registry"
)

// fixtureInfo builds a tiny two-piece, two-block-per-piece torrent whose
// piece hashes actually match the given piece contents, so Deliver's
// verification step succeeds for real.
func fixtureInfo(t *testing.T, pieces [][]byte) *metainfo.Info {
	t.Helper()
	var hashes []byte
	var total int64
	for _, p := range pieces {
		h := sha1.Sum(p)
		hashes = append(hashes, h[:]...)
		total += int64(len(p))
	}
	d := map[string]interface{}{
		"info": map[string]interface{}{
			"name":         "f",
			"piece length": int64(len(pieces[0])),
			"pieces":       string(hashes),
			"length":       total,
		},
	}
	data, err := bencode.Marshal(d)
	require.NoError(t, err)
	info, err := metainfo.FromBytes(data)
	require.NoError(t, err)
	return info
}

func onCompleteNoop(index int, data []byte) error { return nil }

func testSession(t *testing.T, info *metainfo.Info, clk clock.Clock) (*Session, net.Conn, *registry.Registry) {
	t.Helper()
	reg := registry.New(info, registry.Config{}, onCompleteNoop, tally.NoopScope, zap.NewNop().Sugar(), nil)
	local, remote := net.Pipe()
	localPeerID, err := core.RandomPeerID()
	require.NoError(t, err)
	s := New(local, localPeerID, info.InfoHash, reg, 0, Config{
		RequestWindow:     2,
		KeepAliveInterval: time.Hour,
		IdleTimeout:       time.Hour,
		ChokeGracePeriod:  5 * time.Second,
	}, clk, tally.NoopScope, zap.NewNop().Sugar())
	return s, remote, reg
}

// readHandshake reads exactly one handshake off remote.
func readHandshake(t *testing.T, remote net.Conn) peerwire.Handshake {
	t.Helper()
	buf := make([]byte, peerwire.HandshakeLen)
	_, err := readFull(remote, buf)
	require.NoError(t, err)
	hs, err := peerwire.DecodeHandshake(buf)
	require.NoError(t, err)
	return hs
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// readMessage reads one length-prefixed frame (or keepalive) off remote.
func readMessage(t *testing.T, remote net.Conn) (peerwire.Message, bool) {
	t.Helper()
	lenBuf := make([]byte, 4)
	_, err := readFull(remote, lenBuf)
	require.NoError(t, err)
	length := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
	if length == 0 {
		return peerwire.Message{}, true
	}
	body := make([]byte, length)
	_, err = readFull(remote, body)
	require.NoError(t, err)
	return peerwire.Message{ID: peerwire.ID(body[0]), Payload: body[1:]}, false
}

func TestSessionHandshakeFillsRequestWindowAfterUnchoke(t *testing.T) {
	require := require.New(t)

	piece0 := make([]byte, 2*metainfo.BlockSize)
	piece1 := make([]byte, 2*metainfo.BlockSize)
	info := fixtureInfo(t, [][]byte{piece0, piece1})

	clk := clock.NewMock()
	s, remote, _ := testSession(t, info, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	_ = readHandshake(t, remote)

	remotePeerID, err := core.RandomPeerID()
	require.NoError(err)
	_, err = remote.Write(peerwire.Handshake{
		InfoHash:          info.InfoHash,
		PeerID:            remotePeerID,
		ExtensionProtocol: true,
	}.Encode())
	require.NoError(err)

	// Our extended handshake (sent because the peer advertised the bit).
	msg, isKA := readMessage(t, remote)
	require.False(isKA)
	require.Equal(peerwire.Extended, msg.ID)

	// The session's own Interested announcement, sent as soon as the
	// handshake is processed.
	msg, isKA = readMessage(t, remote)
	require.False(isKA)
	require.Equal(peerwire.Interested, msg.ID)

	// Bitfield window: tell the session both pieces are available.
	both := bitset.New(2)
	both.Set(0)
	both.Set(1)
	bits := peerwire.NewBitfield(both, 2)
	_, err = remote.Write(bits.Encode())
	require.NoError(err)

	// Unchoke us so requests start flowing.
	_, err = remote.Write(peerwire.Message{ID: peerwire.Unchoke}.Encode())
	require.NoError(err)

	seen := map[uint32]bool{}
	for i := 0; i < 2; i++ {
		msg, isKA = readMessage(t, remote)
		require.False(isKA)
		require.Equal(peerwire.Request, msg.ID)
		idx, begin, _, err := peerwire.ParseRequest(msg)
		require.NoError(err)
		require.Equal(uint32(0), idx)
		seen[begin] = true
	}
	require.Len(seen, 2)

	cancel()
	<-done
}

func TestSessionDeliversPieceToCompletion(t *testing.T) {
	require := require.New(t)

	piece0 := []byte("exactly-one-block-of-piece-data-for-this-test!!")
	info := fixtureInfo(t, [][]byte{piece0})

	clk := clock.New()
	var completed bool
	reg := registry.New(info, registry.Config{}, func(index int, data []byte) error {
		completed = true
		return nil
	}, tally.NoopScope, zap.NewNop().Sugar(), nil)

	local, remote := net.Pipe()
	localPeerID, err := core.RandomPeerID()
	require.NoError(err)
	s := New(local, localPeerID, info.InfoHash, reg, 0, Config{
		RequestWindow:     2,
		KeepAliveInterval: time.Hour,
		IdleTimeout:       time.Hour,
		ChokeGracePeriod:  time.Hour,
	}, clk, tally.NoopScope, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	_ = readHandshake(t, remote)
	remotePeerID, err := core.RandomPeerID()
	require.NoError(err)
	_, err = remote.Write(peerwire.Handshake{
		InfoHash: info.InfoHash,
		PeerID:   remotePeerID,
	}.Encode())
	require.NoError(err)

	_, err = remote.Write(peerwire.NewHave(0).Encode())
	require.NoError(err)

	msg, isKA := readMessage(t, remote)
	require.False(isKA)
	require.Equal(peerwire.Interested, msg.ID)

	_, err = remote.Write(peerwire.Message{ID: peerwire.Unchoke}.Encode())
	require.NoError(err)

	msg, isKA = readMessage(t, remote)
	require.False(isKA)
	require.Equal(peerwire.Request, msg.ID)
	idx, begin, length, err := peerwire.ParseRequest(msg)
	require.NoError(err)
	require.Equal(uint32(0), idx)

	_, err = remote.Write(peerwire.NewPiece(idx, begin, piece0[begin:begin+length]).Encode())
	require.NoError(err)

	require.Eventually(func() bool { return completed }, time.Second, time.Millisecond)
	require.True(reg.IsComplete())

	cancel()
	<-done
}

func TestSessionIdleTimeoutClosesConnection(t *testing.T) {
	require := require.New(t)

	piece0 := make([]byte, metainfo.BlockSize)
	info := fixtureInfo(t, [][]byte{piece0})

	clk := clock.NewMock()
	s, remote, _ := testSession(t, info, clk)
	s.cfg.IdleTimeout = time.Minute
	s.cfg.KeepAliveInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	_ = readHandshake(t, remote)

	clk.Add(2 * time.Minute)

	err := <-done
	require.ErrorIs(err, ErrIdleTimeout)
}
