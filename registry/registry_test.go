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
package registry

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/torrentkit/leech/core"
	"github.com/torrentkit/leech/metainfo"
)

func bitsetOf(t *testing.T, n int, set ...uint) *bitset.BitSet {
	t.Helper()
	b := bitset.New(uint(n))
	for _, i := range set {
		b.Set(i)
	}
	return b
}

func testPeer(b byte) core.PeerID {
	var p core.PeerID
	for i := range p {
		p[i] = b
	}
	return p
}

// buildInfo constructs a minimal *metainfo.Info with the given piece
// payloads (each becomes one piece, hashed for real) without going through
// the bencode parser.
func buildInfo(t *testing.T, pieceLen int64, pieces [][]byte) *metainfo.Info {
	t.Helper()
	var total int64
	hashes := make([][20]byte, len(pieces))
	for i, p := range pieces {
		hashes[i] = sha1.Sum(p)
		total += int64(len(p))
	}
	return metainfo.NewForTest(pieceLen, hashes, total)
}

func newTestRegistry(t *testing.T, info *metainfo.Info, onComplete OnPieceComplete) *Registry {
	t.Helper()
	return New(info, Config{}, onComplete, tally.NoopScope, zap.NewNop().Sugar(), nil)
}

func TestReserveAndDeliverSinglePeerHappyPath(t *testing.T) {
	require := require.New(t)

	piece0 := make([]byte, 32*1024)
	piece1 := make([]byte, 32*1024)
	piece2 := make([]byte, 10*1024)
	for i := range piece0 {
		piece0[i] = 1
	}
	for i := range piece1 {
		piece1[i] = 2
	}
	for i := range piece2 {
		piece2[i] = 3
	}
	info := buildInfo(t, 32*1024, [][]byte{piece0, piece1, piece2})

	var completed []int
	r := newTestRegistry(t, info, func(index int, data []byte) error {
		completed = append(completed, index)
		return nil
	})

	peer := testPeer(1)
	r.Connect(peer)
	for i := 0; i < info.NumPieces(); i++ {
		require.NoError(r.Available(peer, i))
	}

	data := [][]byte{piece0, piece1, piece2}
	for {
		blk, ok := r.Reserve(peer)
		if !ok {
			break
		}
		payload := data[blk.Piece][blk.Begin : blk.Begin+blk.Length]
		res, err := r.Deliver(peer, blk.Piece, blk.Begin, payload)
		require.NoError(err)
		require.False(res.Corrupt)
	}

	require.True(r.IsComplete())
	require.Equal([]int{0, 1, 2}, completed)
}

func TestDeliverHashMismatchRevertsAndAllowsRetry(t *testing.T) {
	require := require.New(t)

	piece0 := make([]byte, 16384)
	for i := range piece0 {
		piece0[i] = 7
	}
	info := buildInfo(t, 16384, [][]byte{piece0})

	var completed int
	r := newTestRegistry(t, info, func(index int, data []byte) error {
		completed++
		return nil
	})

	bad := testPeer(1)
	r.Connect(bad)
	require.NoError(r.Available(bad, 0))

	blk, ok := r.Reserve(bad)
	require.True(ok)
	wrongPayload := make([]byte, blk.Length)
	res, err := r.Deliver(bad, blk.Piece, blk.Begin, wrongPayload)
	require.NoError(err)
	require.True(res.Corrupt)
	require.Equal(InFlight, r.State(0))
	require.Equal(0, completed)

	good := testPeer(2)
	r.Connect(good)
	require.NoError(r.Available(good, 0))
	blk2, ok := r.Reserve(good)
	require.True(ok)
	res2, err := r.Deliver(good, blk2.Piece, blk2.Begin, piece0)
	require.NoError(err)
	require.True(res2.Completed)
	require.Equal(Complete, r.State(0))
	require.Equal(1, completed)
}

func TestReserveRarestFirst(t *testing.T) {
	require := require.New(t)

	p0 := make([]byte, 16384)
	p1 := make([]byte, 16384)
	info := buildInfo(t, 16384, [][]byte{p0, p1})

	r := newTestRegistry(t, info, nil)

	a, b, c := testPeer(1), testPeer(2), testPeer(3)
	for _, p := range []core.PeerID{a, b, c} {
		r.Connect(p)
	}
	// Piece 0 is held by all three peers, piece 1 only by `a` -- rarer.
	require.NoError(r.Available(a, 0))
	require.NoError(r.Available(b, 0))
	require.NoError(r.Available(c, 0))
	require.NoError(r.Available(a, 1))

	blk, ok := r.Reserve(a)
	require.True(ok)
	require.Equal(1, blk.Piece)
}

func TestReleaseReservationsReturnsBlockToPool(t *testing.T) {
	require := require.New(t)

	// Piece 1 is held by no peer, so it stays Absent and endgame never
	// starts.
	info := buildInfo(t, 16384, [][]byte{make([]byte, 16384), make([]byte, 16384)})
	r := newTestRegistry(t, info, nil)

	a, b := testPeer(1), testPeer(2)
	r.Connect(a)
	r.Connect(b)
	require.NoError(r.Available(a, 0))
	require.NoError(r.Available(b, 0))

	blk, ok := r.Reserve(a)
	require.True(ok)
	require.Equal(0, blk.Piece)

	_, ok = r.Reserve(b)
	require.False(ok, "block already reserved by a outside endgame")

	r.ReleaseReservations(a)
	blk2, ok := r.Reserve(b)
	require.True(ok)
	require.Equal(blk.Piece, blk2.Piece)
}

func TestDisconnectForgetsPeerHas(t *testing.T) {
	require := require.New(t)

	info := buildInfo(t, 16384, [][]byte{make([]byte, 16384), make([]byte, 16384)})
	r := newTestRegistry(t, info, nil)

	a := testPeer(1)
	r.Connect(a)
	require.NoError(r.Available(a, 0))
	require.NoError(r.Available(a, 1))

	r.Disconnect(a)
	_, ok := r.Reserve(a)
	require.False(ok)
}

func TestEndgameAllowsDuplicateReservationOnLastPiece(t *testing.T) {
	require := require.New(t)

	payload := make([]byte, 16384)
	for i := range payload {
		payload[i] = 9
	}
	info := buildInfo(t, 16384, [][]byte{payload})

	r := newTestRegistry(t, info, nil)
	a, b := testPeer(1), testPeer(2)
	r.Connect(a)
	r.Connect(b)
	require.NoError(r.Available(a, 0))
	require.NoError(r.Available(b, 0))

	blkA, ok := r.Reserve(a)
	require.True(ok)

	// A single piece with one outstanding block and nothing absent left
	// triggers endgame immediately: b should be able to request the same
	// block a already holds.
	blkB, ok := r.Reserve(b)
	require.True(ok)
	require.Equal(blkA, blkB)

	res, err := r.Deliver(a, blkA.Piece, blkA.Begin, payload)
	require.NoError(err)
	require.True(res.Completed)
	require.Len(res.CancelTo, 1)
	require.Equal(b, res.CancelTo[0])

	// The now-redundant delivery from b is tolerated as a no-op.
	res2, err := r.Deliver(b, blkB.Piece, blkB.Begin, payload)
	require.NoError(err)
	require.False(res2.Completed)
}

func TestResumeSeedsCompletedPieces(t *testing.T) {
	require := require.New(t)

	p0 := make([]byte, 16384)
	p1 := make([]byte, 16384)
	info := buildInfo(t, 16384, [][]byte{p0, p1})

	completed := bitsetOf(t, info.NumPieces(), 0)
	r := New(info, Config{}, nil, tally.NoopScope, zap.NewNop().Sugar(), completed)

	require.Equal(Complete, r.State(0))
	require.Equal(Absent, r.State(1))
	require.Equal(1, r.NumComplete())
}
