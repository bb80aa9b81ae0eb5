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

// Package session drives a single peer connection end to end: handshake,
// optional magnet metadata bootstrap, bitfield/interested announcement, and
// the request/deliver loop against a registry.Registry. It owns no other
// peer's state; fan-out across peers (cross-session cancel hints, replacing
// a dead session) is the supervisor's job.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/torrentkit/leech/core"
	"github.com/torrentkit/leech/metadata"
	"github.com/torrentkit/leech/metainfo"
	"github.com/torrentkit/leech/peerwire"
	"github.com/torrentkit/leech/registry"
)

// ErrIdleTimeout is returned by Run when the peer has sent nothing for
// cfg.IdleTimeout.
var ErrIdleTimeout = errors.New("session: peer idle timeout")

// OnMetadataDone is invoked at most once, the first time this session
// finishes a magnet metadata bootstrap. The supervisor constructs (or
// returns the already-constructed, shared) registry for the torrent and
// hands it back so the session can continue into normal operation without
// reconnecting.
type OnMetadataDone func(info *metainfo.Info) (*registry.Registry, error)

type blockKey struct {
	piece int
	begin int64
}

// Session manages one peer connection.
type Session struct {
	conn        net.Conn
	localPeerID core.PeerID
	cfg         Config
	clk         clock.Clock
	logger      *zap.SugaredLogger
	stats       tally.Scope

	// Known up front for a regular torrent; zero for a magnet bootstrap
	// connection, in which case the observed info-hash is taken on trust
	// from the peer's handshake and verified later against magnet.InfoHash
	// by the metadata downloader.
	expectInfoHash core.InfoHash
	magnet         *metainfo.Magnet
	onMetadata     OnMetadataDone
	localInfoSize  int

	machine *peerwire.Machine

	peerID    core.PeerID
	reg       *registry.Registry
	numPieces int

	amChoked       bool
	amInterested   bool
	peerInterested bool

	outstanding map[blockKey]struct{}

	pendingBitfieldRaw []byte
	pendingHaves       []int

	peerUTMetadataID   uint8
	metadataDownloader *metadata.Downloader

	sendCh    chan []byte
	eventCh   chan peerwire.Event
	readErrCh chan error

	closeOnce sync.Once
	closeCh   chan struct{}

	// cancelSink, set by the supervisor, delivers an endgame cancel hint to
	// another peer's session. Nil is valid: hints are simply dropped.
	cancelSink func(peerID core.PeerID, piece int, begin, length int64)

	// onPeerID, set by the supervisor, is invoked once with the remote peer
	// id as soon as the handshake completes, so the supervisor can track
	// this session in its peer directory for cancel-hint fanout.
	onPeerID func(peerID core.PeerID)
}

// New constructs a Session for a connection whose torrent info is already
// known (the common, non-magnet case). reg may be nil (NewMagnetBootstrap
// passes nil until the metadata exchange completes), but ordinarily it is
// supplied.
func New(
	conn net.Conn,
	localPeerID core.PeerID,
	infoHash core.InfoHash,
	reg *registry.Registry,
	localInfoSize int,
	cfg Config,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
) *Session {
	cfg = cfg.applyDefaults()
	numPieces := 0
	if reg != nil {
		numPieces = reg.NumPieces()
	}
	return &Session{
		conn:           conn,
		localPeerID:    localPeerID,
		cfg:            cfg,
		clk:            clk,
		logger:         logger,
		stats:          stats.Tagged(map[string]string{"module": "session"}),
		expectInfoHash: infoHash,
		localInfoSize:  localInfoSize,
		reg:            reg,
		numPieces:      numPieces,
		machine: peerwire.New(peerwire.Config{
			InfoHash:  infoHash,
			NumPieces: numPieces,
		}),
		amChoked:    true,
		outstanding: make(map[blockKey]struct{}),
		sendCh:      make(chan []byte, cfg.SenderBufferSize),
		eventCh:     make(chan peerwire.Event, cfg.SenderBufferSize),
		readErrCh:   make(chan error, 1),
		closeCh:     make(chan struct{}),
	}
}

// NewMagnetBootstrap constructs a Session for a connection opened to
// bootstrap a magnet link's metadata. Once the metadata downloader
// completes, onMetadata is invoked to obtain the shared registry and the
// session transparently continues as a normal peer session.
func NewMagnetBootstrap(
	conn net.Conn,
	localPeerID core.PeerID,
	magnet *metainfo.Magnet,
	onMetadata OnMetadataDone,
	cfg Config,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
) *Session {
	s := New(conn, localPeerID, core.InfoHash{}, nil, 0, cfg, clk, stats, logger)
	s.magnet = magnet
	s.onMetadata = onMetadata
	return s
}

// SetCancelSink installs the callback used to forward endgame cancel hints
// to other peers' sessions. Must be called before Run.
func (s *Session) SetCancelSink(sink func(peerID core.PeerID, piece int, begin, length int64)) {
	s.cancelSink = sink
}

// SetOnPeerID installs a callback invoked once with the remote peer id
// immediately after the handshake is processed. Must be called before Run.
func (s *Session) SetOnPeerID(f func(peerID core.PeerID)) {
	s.onPeerID = f
}

// PeerID returns the remote peer id, valid only after the handshake event
// has been processed (i.e. after Run has made progress).
func (s *Session) PeerID() core.PeerID {
	return s.peerID
}

// Run drives the session until a fatal error, idle timeout, or ctx
// cancellation. It always leaves the connection closed and, if a registry
// was ever attached, the peer's reservations released and its state
// forgotten.
func (s *Session) Run(ctx context.Context) error {
	defer s.cleanup()

	// Timers are armed before the (possibly blocking, on a synchronous
	// transport like net.Pipe) handshake write so that a test driving the
	// other end can never observe the handshake before the idle/keepalive
	// timers are armed: see tracker.retryUDP for the same discipline.
	keepAliveC := s.clk.After(s.cfg.KeepAliveInterval)
	idleC := s.clk.After(s.cfg.IdleTimeout)
	var chokeC <-chan time.Time

	if err := s.sendHandshake(); err != nil {
		return fmt.Errorf("session: send handshake: %w", err)
	}

	go s.readLoop()
	go s.writeLoop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-s.readErrCh:
			return err

		case ev := <-s.eventCh:
			idleC = s.clk.After(s.cfg.IdleTimeout)
			if err := s.handleEvent(ev); err != nil {
				return err
			}
			if s.amChoked {
				if chokeC == nil {
					chokeC = s.clk.After(s.cfg.ChokeGracePeriod)
				}
			} else {
				chokeC = nil
			}

		case <-keepAliveC:
			s.pushFrame(peerwire.EncodeKeepAlive())
			keepAliveC = s.clk.After(s.cfg.KeepAliveInterval)

		case <-idleC:
			return ErrIdleTimeout

		case <-chokeC:
			s.releaseForChoke()
			chokeC = nil
		}
	}
}

func (s *Session) sendHandshake() error {
	hs := peerwire.Handshake{
		InfoHash:          s.expectInfoHash,
		PeerID:            s.localPeerID,
		ExtensionProtocol: true,
	}
	if s.magnet != nil {
		hs.InfoHash = s.magnet.InfoHash
	}
	_, err := s.conn.Write(hs.Encode())
	return err
}

func (s *Session) readLoop() {
	buf := make([]byte, 16*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			events, ferr := s.machine.Feed(buf[:n])
			for _, ev := range events {
				select {
				case s.eventCh <- ev:
				case <-s.closeCh:
					return
				}
			}
			if ferr != nil {
				s.sendReadErr(fmt.Errorf("session: %w", ferr))
				return
			}
		}
		if err != nil {
			s.sendReadErr(fmt.Errorf("session: read: %w", err))
			return
		}
	}
}

func (s *Session) sendReadErr(err error) {
	select {
	case s.readErrCh <- err:
	case <-s.closeCh:
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case frame, ok := <-s.sendCh:
			if !ok {
				return
			}
			if _, err := s.conn.Write(frame); err != nil {
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

// send pushes frame to the write loop, dropping it if the buffer is full
// rather than blocking the event loop. Sending does not reset the
// keepalive timer.
func (s *Session) send(frame []byte) {
	s.pushFrame(frame)
}

func (s *Session) pushFrame(frame []byte) {
	select {
	case s.sendCh <- frame:
	default:
		s.stats.Counter("dropped_messages").Inc(1)
		s.logger.Warnw("dropping outbound message, send buffer full", "peer", s.peerID)
	}
}

func (s *Session) cleanup() {
	s.closeOnce.Do(func() { close(s.closeCh) })
	s.conn.Close()
	if s.reg != nil {
		s.reg.Disconnect(s.peerID)
	}
}

func (s *Session) handleEvent(ev peerwire.Event) error {
	switch e := ev.(type) {
	case peerwire.HandshakeReceived:
		return s.handleHandshake(e)
	case peerwire.KeepAliveReceived:
		return nil
	case peerwire.ChokeReceived:
		s.amChoked = true
		return nil
	case peerwire.UnchokeReceived:
		s.amChoked = false
		s.fillRequestWindow()
		return nil
	case peerwire.InterestedReceived:
		s.peerInterested = true
		return nil
	case peerwire.NotInterestedReceived:
		s.peerInterested = false
		return nil
	case peerwire.HaveReceived:
		return s.handleHave(int(e.Index))
	case peerwire.BitfieldReceived:
		return s.handleBitfield(e)
	case peerwire.RequestReceived, peerwire.CancelReceived:
		// Download-only: we never unchoke anyone, so a well-behaved peer
		// never sends these. Ignore rather than treat as fatal.
		return nil
	case peerwire.PieceReceived:
		return s.handlePiece(e)
	case peerwire.ExtendedReceived:
		return s.handleExtended(e)
	default:
		return nil
	}
}

func (s *Session) handleHandshake(e peerwire.HandshakeReceived) error {
	s.peerID = e.PeerID
	if s.onPeerID != nil {
		s.onPeerID(s.peerID)
	}
	if s.magnet != nil && s.machine.InfoHash() != s.magnet.InfoHash {
		return errors.New("session: peer info-hash does not match magnet link")
	}

	if e.ExtensionProtocol {
		payload, err := metadata.BuildHandshake(s.localInfoSize)
		if err != nil {
			return err
		}
		s.send(peerwire.NewExtended(0, payload).Encode())
	}

	if s.reg != nil {
		s.afterRegistryReady()
	}
	return nil
}

func (s *Session) afterRegistryReady() {
	s.reg.Connect(s.peerID)

	if s.pendingBitfieldRaw != nil {
		if bits, err := peerwire.ParseBitfieldBytes(s.pendingBitfieldRaw, s.numPieces); err == nil {
			s.reg.AvailableBitfield(s.peerID, bits)
		}
		s.pendingBitfieldRaw = nil
	}
	for _, i := range s.pendingHaves {
		s.reg.Available(s.peerID, i)
	}
	s.pendingHaves = nil

	if s.reg.NumComplete() > 0 {
		s.send(peerwire.NewBitfield(s.reg.CompletedBitfield(), s.numPieces).Encode())
	}

	s.amInterested = true
	s.send(peerwire.Message{ID: peerwire.Interested}.Encode())

	s.fillRequestWindow()
}

func (s *Session) handleBitfield(e peerwire.BitfieldReceived) error {
	if s.reg == nil {
		s.pendingBitfieldRaw = append([]byte(nil), e.Raw...)
		return nil
	}
	if e.Bits != nil {
		return s.reg.AvailableBitfield(s.peerID, e.Bits)
	}
	bits, err := peerwire.ParseBitfieldBytes(e.Raw, s.numPieces)
	if err != nil {
		return err
	}
	return s.reg.AvailableBitfield(s.peerID, bits)
}

func (s *Session) handleHave(index int) error {
	if s.reg == nil {
		s.pendingHaves = append(s.pendingHaves, index)
		return nil
	}
	if err := s.reg.Available(s.peerID, index); err != nil {
		return err
	}
	s.fillRequestWindow()
	return nil
}

func (s *Session) handlePiece(e peerwire.PieceReceived) error {
	if s.reg == nil {
		return errors.New("session: piece received before registry is ready")
	}
	key := blockKey{piece: int(e.Index), begin: int64(e.Begin)}
	delete(s.outstanding, key)

	result, err := s.reg.Deliver(s.peerID, int(e.Index), int64(e.Begin), e.Block)
	if err != nil {
		return err
	}
	if result.Corrupt {
		s.logger.Warnw("piece failed hash verification", "peer", s.peerID, "piece", e.Index)
	}
	if s.cancelSink != nil {
		for _, p := range result.CancelTo {
			s.cancelSink(p, int(e.Index), int64(e.Begin), int64(len(e.Block)))
		}
	}
	s.fillRequestWindow()
	return nil
}

func (s *Session) handleExtended(e peerwire.ExtendedReceived) error {
	if e.ExtendedID == 0 {
		return s.handleExtendedHandshake(e.Payload)
	}
	if e.ExtendedID == metadata.LocalExtendedID {
		return s.handleMetadataMessage(e.Payload)
	}
	return nil
}

func (s *Session) handleExtendedHandshake(payload []byte) error {
	h, err := metadata.ParseHandshake(payload)
	if err != nil {
		return err
	}
	if id, ok := h.PeerUTMetadataID(); ok {
		s.peerUTMetadataID = id
	}
	if s.magnet != nil && s.reg == nil && s.metadataDownloader == nil && h.MetadataSize > 0 {
		s.metadataDownloader = metadata.NewDownloader(s.magnet, int(h.MetadataSize))
		s.requestMetadataPieces()
	}
	return nil
}

func (s *Session) handleMetadataMessage(payload []byte) error {
	if s.metadataDownloader == nil {
		return nil
	}
	msg, err := metadata.DecodeMessage(payload)
	if err != nil {
		return err
	}
	switch msg.Type {
	case metadata.MsgData:
		if err := s.metadataDownloader.HandleData(msg.Piece, msg.Data); err != nil {
			return err
		}
		if !s.metadataDownloader.Done() {
			s.requestMetadataPieces()
			return nil
		}
		info, err := s.metadataDownloader.Assemble()
		if err != nil {
			return err
		}
		reg, err := s.onMetadata(info)
		if err != nil {
			return err
		}
		s.reg = reg
		s.numPieces = info.NumPieces()
		s.machine = peerwire.New(peerwire.Config{InfoHash: info.InfoHash, NumPieces: s.numPieces})
		s.afterRegistryReady()
	case metadata.MsgReject:
		s.metadataDownloader.HandleReject(msg.Piece)
		s.requestMetadataPieces()
	}
	return nil
}

func (s *Session) requestMetadataPieces() {
	for _, p := range s.metadataDownloader.NextRequests(s.cfg.RequestWindow) {
		payload, err := metadata.EncodeRequest(p)
		if err != nil {
			continue
		}
		s.send(peerwire.NewExtended(s.peerUTMetadataID, payload).Encode())
	}
}

func (s *Session) fillRequestWindow() {
	if s.reg == nil || s.amChoked {
		return
	}
	for len(s.outstanding) < s.cfg.RequestWindow {
		blk, ok := s.reg.Reserve(s.peerID)
		if !ok {
			return
		}
		key := blockKey{piece: blk.Piece, begin: blk.Begin}
		s.outstanding[key] = struct{}{}
		s.send(peerwire.NewRequest(uint32(blk.Piece), uint32(blk.Begin), uint32(blk.Length)).Encode())
	}
}

func (s *Session) releaseForChoke() {
	if s.reg != nil {
		s.reg.ReleaseReservations(s.peerID)
	}
	s.outstanding = make(map[blockKey]struct{})
}

// SendCancel sends a cancel message for the given block to this peer. Safe
// to call from any goroutine; used by the supervisor to fan out endgame
// cancel hints received by another session.
func (s *Session) SendCancel(piece int, begin, length int64) {
	s.pushFrame(peerwire.NewCancel(uint32(piece), uint32(begin), uint32(length)).Encode())
}
