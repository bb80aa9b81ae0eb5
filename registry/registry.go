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
	"fmt"
	"sort"
	"sync"

	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/torrentkit/leech/core"
	"github.com/torrentkit/leech/metainfo"
)

// PieceState is the lifecycle state of a single piece.
type PieceState int

const (
	// Absent is the initial state: no blocks have been reserved or received.
	Absent PieceState = iota
	// InFlight means at least one block has been reserved or received, but
	// the piece is not yet verified.
	InFlight
	// Complete means every block has been received and the assembled
	// piece's SHA-1 matched its digest; terminal.
	Complete
)

func (s PieceState) String() string {
	switch s {
	case Absent:
		return "absent"
	case InFlight:
		return "in_flight"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Block identifies a byte range within a piece, the unit Reserve hands out
// and Deliver consumes.
type Block struct {
	Piece  int
	Begin  int64
	Length int64
}

// DeliverResult reports the outcome of a Deliver call.
type DeliverResult struct {
	// Completed is true the first time every block of Piece has been
	// received and verified.
	Completed bool
	// Corrupt is true when Piece's assembled bytes failed their SHA-1
	// check; the piece has been reverted to InFlight with all blocks
	// cleared, and the delivering peer should be penalized.
	Corrupt bool
	// CancelTo lists peers (other than the deliverer) that were holding a
	// reservation on the now-satisfied block and should be sent a cancel
	// hint. Only populated during endgame.
	CancelTo []core.PeerID
}

// OnPieceComplete is invoked synchronously from within Deliver once a piece
// verifies. Implementations (the supervisor's callback, which hands the piece
// to the writer package) must not block for long,
// since the registry's mutex is held for the duration on the common path;
// callers that need to do real I/O should hand off to a worker and return.
type OnPieceComplete func(index int, data []byte) error

type block struct {
	satisfied bool
	holders   map[core.PeerID]struct{}
	data      []byte
}

type pieceEntry struct {
	state      PieceState
	blocks     []block
	unsatisfied int
}

// Registry is the single owner of piece/block state for one download. Every
// method is safe for concurrent use; internally all mutation happens under
// one mutex, making Reserve/Deliver linearizable as required by the
// concurrency model.
type Registry struct {
	mu sync.Mutex

	info   *metainfo.Info
	config Config
	logger *zap.SugaredLogger
	stats  tally.Scope

	onComplete OnPieceComplete

	pieces      []pieceEntry
	numComplete int

	peerHas      map[core.PeerID]*bitset.BitSet
	holderCount  []int
}

// New creates a Registry for info. completed seeds already-verified pieces
// (from a resume sidecar); it may be nil.
func New(
	info *metainfo.Info,
	config Config,
	onComplete OnPieceComplete,
	stats tally.Scope,
	logger *zap.SugaredLogger,
	completed *bitset.BitSet,
) *Registry {
	blocksPerMaxPiece := int((info.PieceLength + metainfo.BlockSize - 1) / metainfo.BlockSize)
	config = config.applyDefaults(blocksPerMaxPiece)

	stats = stats.Tagged(map[string]string{"module": "registry"})

	r := &Registry{
		info:        info,
		config:      config,
		logger:      logger,
		stats:       stats,
		onComplete:  onComplete,
		pieces:      make([]pieceEntry, info.NumPieces()),
		peerHas:     make(map[core.PeerID]*bitset.BitSet),
		holderCount: make([]int, info.NumPieces()),
	}
	for i := range r.pieces {
		r.initPieceLocked(i)
		if completed != nil && completed.Test(uint(i)) {
			r.pieces[i].state = Complete
			r.pieces[i].unsatisfied = 0
			r.numComplete++
		}
	}
	return r
}

func (r *Registry) initPieceLocked(i int) {
	n := r.numBlocks(i)
	r.pieces[i] = pieceEntry{
		state:       Absent,
		blocks:      make([]block, n),
		unsatisfied: n,
	}
}

func (r *Registry) numBlocks(i int) int {
	pieceLen := r.info.PieceLen(i)
	return int((pieceLen + metainfo.BlockSize - 1) / metainfo.BlockSize)
}

func (r *Registry) blockLen(i, b int) int64 {
	pieceLen := r.info.PieceLen(i)
	begin := int64(b) * metainfo.BlockSize
	if begin+metainfo.BlockSize > pieceLen {
		return pieceLen - begin
	}
	return metainfo.BlockSize
}

// NumPieces returns the torrent's total piece count.
func (r *Registry) NumPieces() int {
	return r.info.NumPieces()
}

// NumComplete returns the number of verified pieces.
func (r *Registry) NumComplete() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numComplete
}

// IsComplete reports whether every piece has been verified.
func (r *Registry) IsComplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numComplete == len(r.pieces)
}

// State returns the current state of piece i.
func (r *Registry) State(i int) PieceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pieces[i].state
}

// CompletedBitfield returns a snapshot bitset of verified pieces, suitable
// for announcing to a newly connected peer.
func (r *Registry) CompletedBitfield() *bitset.BitSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := bitset.New(uint(len(r.pieces)))
	for i, p := range r.pieces {
		if p.state == Complete {
			b.Set(uint(i))
		}
	}
	return b
}

// Connect registers peerID as a currently-connected peer with an empty
// peer_has set. Calling Connect for an already-connected peer is a no-op.
func (r *Registry) Connect(peerID core.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peerHas[peerID]; ok {
		return
	}
	r.peerHas[peerID] = bitset.New(uint(len(r.pieces)))
}

// Available records that peerID has piece index, contributing to the
// rarest-first holder count. peerID must have been Connect-ed first.
func (r *Registry) Available(peerID core.PeerID, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setAvailableLocked(peerID, index)
}

func (r *Registry) setAvailableLocked(peerID core.PeerID, index int) error {
	if index < 0 || index >= len(r.pieces) {
		return fmt.Errorf("registry: piece index %d out of range", index)
	}
	has, ok := r.peerHas[peerID]
	if !ok {
		has = bitset.New(uint(len(r.pieces)))
		r.peerHas[peerID] = has
	}
	if has.Test(uint(index)) {
		return nil
	}
	has.Set(uint(index))
	r.holderCount[index]++
	return nil
}

// AvailableBitfield records an entire bitfield for peerID, as received
// during the post-handshake bitfield window.
func (r *Registry) AvailableBitfield(peerID core.PeerID, bits *bitset.BitSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < len(r.pieces); i++ {
		if bits.Test(uint(i)) {
			if err := r.setAvailableLocked(peerID, i); err != nil {
				return err
			}
		}
	}
	return nil
}

// endgameLocked reports whether the registry should hand out duplicate
// reservations: every Absent piece has been promoted, and what remains
// in flight is small enough that redundancy won't stall completion.
func (r *Registry) endgameLocked() bool {
	var unsatisfied int
	for i := range r.pieces {
		switch r.pieces[i].state {
		case Absent:
			return false
		case InFlight:
			unsatisfied += r.pieces[i].unsatisfied
		}
	}
	return unsatisfied > 0 && unsatisfied <= r.config.EndgameThreshold
}

// Reserve selects the next block to request from peerID, or ok=false if
// nothing is currently reservable (the peer has nothing useful, or every
// reservable block is already spoken for outside endgame).
func (r *Registry) Reserve(peerID core.PeerID) (b Block, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	has := r.peerHas[peerID]
	if has == nil {
		return Block{}, false
	}
	endgame := r.endgameLocked()

	if blk, ok := r.reserveFromInFlightLocked(peerID, has, endgame); ok {
		return blk, true
	}
	if endgame {
		return Block{}, false
	}
	return r.promoteAndReserveLocked(peerID, has)
}

// reserveFromInFlightLocked implements the "finish pieces quickly" phase:
// rarest-first among InFlight pieces the peer has.
func (r *Registry) reserveFromInFlightLocked(peerID core.PeerID, has *bitset.BitSet, endgame bool) (Block, bool) {
	candidates := r.rarestFirstLocked(has, InFlight)
	for _, pi := range candidates {
		p := &r.pieces[pi]
		for bi := range p.blocks {
			blk := &p.blocks[bi]
			if blk.satisfied {
				continue
			}
			_, already := blk.holders[peerID]
			if already {
				continue
			}
			if len(blk.holders) > 0 && !endgame {
				continue
			}
			return r.doReserveLocked(peerID, pi, bi)
		}
	}
	return Block{}, false
}

// promoteAndReserveLocked promotes the rarest Absent piece the peer has to
// InFlight and reserves its first block.
func (r *Registry) promoteAndReserveLocked(peerID core.PeerID, has *bitset.BitSet) (Block, bool) {
	candidates := r.rarestFirstLocked(has, Absent)
	if len(candidates) == 0 {
		return Block{}, false
	}
	pi := candidates[0]
	r.pieces[pi].state = InFlight
	return r.doReserveLocked(peerID, pi, 0)
}

func (r *Registry) doReserveLocked(peerID core.PeerID, pieceIndex, blockIndex int) (Block, bool) {
	blk := &r.pieces[pieceIndex].blocks[blockIndex]
	if blk.holders == nil {
		blk.holders = make(map[core.PeerID]struct{})
	}
	blk.holders[peerID] = struct{}{}
	return Block{
		Piece:  pieceIndex,
		Begin:  int64(blockIndex) * metainfo.BlockSize,
		Length: r.blockLen(pieceIndex, blockIndex),
	}, true
}

// rarestFirstLocked returns the indices of pieces in the given state that
// peerID has, ordered by ascending holder count (fewest holders first,
// computed across currently connected peers), breaking remaining ties by
// piece index for determinism.
func (r *Registry) rarestFirstLocked(has *bitset.BitSet, want PieceState) []int {
	var candidates []int
	for i, ok := has.NextSet(0); ok; i, ok = has.NextSet(i + 1) {
		idx := int(i)
		if idx < len(r.pieces) && r.pieces[idx].state == want {
			candidates = append(candidates, idx)
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		ca, cb := r.holderCount[candidates[a]], r.holderCount[candidates[b]]
		if ca != cb {
			return ca < cb
		}
		return candidates[a] < candidates[b]
	})
	return candidates
}

// Deliver records the payload for the block at (index, begin) as received
// from peerID. If this satisfies the last outstanding block of the piece,
// the assembled bytes are hashed and, on match, handed to onComplete.
func (r *Registry) Deliver(peerID core.PeerID, index int, begin int64, payload []byte) (DeliverResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.pieces) {
		return DeliverResult{}, fmt.Errorf("registry: piece index %d out of range", index)
	}
	p := &r.pieces[index]
	if p.state == Complete {
		// Late/duplicate delivery for an already-verified piece: ignored.
		return DeliverResult{}, nil
	}
	bi := int(begin / metainfo.BlockSize)
	if bi < 0 || bi >= len(p.blocks) {
		return DeliverResult{}, fmt.Errorf("registry: block begin %d out of range for piece %d", begin, index)
	}
	blk := &p.blocks[bi]
	if blk.satisfied {
		// Two concurrent deliveries of the same block: only the first counts.
		return DeliverResult{}, nil
	}

	var cancelTo []core.PeerID
	if len(blk.holders) > 0 {
		for holder := range blk.holders {
			if holder != peerID {
				cancelTo = append(cancelTo, holder)
			}
		}
	}

	blk.satisfied = true
	blk.data = append([]byte(nil), payload...)
	p.unsatisfied--

	if p.unsatisfied > 0 {
		return DeliverResult{CancelTo: cancelTo}, nil
	}

	data := r.assembleLocked(index)
	sum := sha1.Sum(data)
	if sum != r.info.Pieces[index] {
		r.logger.Warnw("piece hash mismatch, reverting to in-flight",
			"piece", index, "peer", peerID.String())
		r.initPieceLocked(index)
		r.pieces[index].state = InFlight
		return DeliverResult{Corrupt: true}, nil
	}

	p.state = Complete
	r.numComplete++
	r.stats.Counter("pieces_completed").Inc(1)
	r.freeBlockDataLocked(index)

	if r.onComplete != nil {
		if err := r.onComplete(index, data); err != nil {
			return DeliverResult{}, fmt.Errorf("registry: on piece complete: %w", err)
		}
	}

	return DeliverResult{Completed: true, CancelTo: cancelTo}, nil
}

func (r *Registry) assembleLocked(index int) []byte {
	p := &r.pieces[index]
	out := make([]byte, 0, r.info.PieceLen(index))
	for bi := range p.blocks {
		out = append(out, p.blocks[bi].data...)
	}
	return out
}

func (r *Registry) freeBlockDataLocked(index int) {
	p := &r.pieces[index]
	for bi := range p.blocks {
		p.blocks[bi].data = nil
	}
}

// ReleaseReservations releases all of peerID's outstanding block
// reservations without forgetting what the peer has (used while choked).
func (r *Registry) ReleaseReservations(peerID core.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseReservationsLocked(peerID)
}

func (r *Registry) releaseReservationsLocked(peerID core.PeerID) {
	for i := range r.pieces {
		p := &r.pieces[i]
		for bi := range p.blocks {
			delete(p.blocks[bi].holders, peerID)
		}
	}
}

// Disconnect releases peerID's reservations and forgets its peer_has set.
// Called when a peer session exits for any reason.
func (r *Registry) Disconnect(peerID core.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseReservationsLocked(peerID)
	if has, ok := r.peerHas[peerID]; ok {
		for i, set := has.NextSet(0); set; i, set = has.NextSet(i + 1) {
			r.holderCount[i]--
		}
		delete(r.peerHas, peerID)
	}
}
