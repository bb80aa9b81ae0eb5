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
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/torrentkit/leech/core"
	"github.com/torrentkit/leech/metainfo"
	"github.com/torrentkit/leech/peerqueue"
	"github.com/torrentkit/leech/piecestore"
	"github.com/torrentkit/leech/registry"
	"github.com/torrentkit/leech/session"
	"github.com/torrentkit/leech/writer"
)

// StoreBuilder opens the on-disk target of a download once its metainfo is
// known. Implementations close over the target folder and resume flag
// supplied on the command line.
type StoreBuilder func(info *metainfo.Info) (*piecestore.Store, *bitset.BitSet, error)

// DialFunc opens a connection to a peer endpoint.
type DialFunc func(ctx context.Context, e core.Endpoint) (net.Conn, error)

// defaultDial dials endpoints over plain TCP.
func defaultDial(ctx context.Context, e core.Endpoint) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", e.String())
}

// Supervisor keeps up to Config.MaxPeers peer sessions running for a single
// download, consuming endpoints from a peerqueue.Queue and replacing any
// session that exits, until the download's writer reports every piece
// written.
type Supervisor struct {
	config         Config
	localPeerID    core.PeerID
	queue          *peerqueue.Queue
	sessionCfg     session.Config
	registryConfig registry.Config
	storeBuilder   StoreBuilder
	dial           DialFunc
	clk            clock.Clock
	stats          tally.Scope
	logger         *zap.SugaredLogger

	magnet *metainfo.Magnet

	bootstrapOnce sync.Once
	ready         chan struct{}
	info          *metainfo.Info
	reg           *registry.Registry
	wrt           *writer.Writer

	mu    sync.Mutex
	peers map[core.PeerID]*session.Session
}

// New constructs a Supervisor for a torrent whose metainfo is already
// known. The store is opened and the registry/writer constructed
// immediately; a non-nil error means the target could not be prepared.
func New(
	config Config,
	localPeerID core.PeerID,
	info *metainfo.Info,
	queue *peerqueue.Queue,
	sessionCfg session.Config,
	registryConfig registry.Config,
	storeBuilder StoreBuilder,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
) (*Supervisor, error) {
	s := newSupervisor(config, localPeerID, queue, sessionCfg, registryConfig, storeBuilder, clk, stats, logger)
	if _, err := s.bootstrap(info); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMagnet constructs a Supervisor for a magnet link whose metainfo is not
// yet known. The store/registry/writer are constructed lazily, the first
// time a peer session completes the metadata exchange and calls
// OnMetadataDone.
func NewMagnet(
	config Config,
	localPeerID core.PeerID,
	magnet *metainfo.Magnet,
	queue *peerqueue.Queue,
	sessionCfg session.Config,
	registryConfig registry.Config,
	storeBuilder StoreBuilder,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
) *Supervisor {
	s := newSupervisor(config, localPeerID, queue, sessionCfg, registryConfig, storeBuilder, clk, stats, logger)
	s.magnet = magnet
	return s
}

func newSupervisor(
	config Config,
	localPeerID core.PeerID,
	queue *peerqueue.Queue,
	sessionCfg session.Config,
	registryConfig registry.Config,
	storeBuilder StoreBuilder,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
) *Supervisor {
	return &Supervisor{
		config:         config.applyDefaults(),
		localPeerID:    localPeerID,
		queue:          queue,
		sessionCfg:     sessionCfg,
		registryConfig: registryConfig,
		storeBuilder:   storeBuilder,
		dial:           defaultDial,
		clk:            clk,
		stats:          stats.Tagged(map[string]string{"module": "supervisor"}),
		logger:         logger,
		ready:          make(chan struct{}),
		peers:          make(map[core.PeerID]*session.Session),
	}
}

// SetDialFunc overrides the dial function, for tests.
func (s *Supervisor) SetDialFunc(dial DialFunc) {
	s.dial = dial
}

// OnMetadataDone satisfies session.OnMetadataDone: it is invoked by
// whichever magnet-bootstrap session completes the metadata exchange
// first, builds the shared registry (exactly once), and returns it so that
// session transparently continues as a normal peer session.
func (s *Supervisor) OnMetadataDone(info *metainfo.Info) (*registry.Registry, error) {
	return s.bootstrap(info)
}

func (s *Supervisor) bootstrap(info *metainfo.Info) (*registry.Registry, error) {
	var bootstrapErr error
	s.bootstrapOnce.Do(func() {
		store, completed, err := s.storeBuilder(info)
		if err != nil {
			bootstrapErr = fmt.Errorf("supervisor: open store: %w", err)
			return
		}
		// Pieces seeded from the resume sidecar are never handed to the
		// writer, so it waits only for the remaining ones.
		remaining := info.NumPieces()
		if completed != nil {
			remaining -= int(completed.Count())
		}
		wrt := writer.New(store, remaining, s.config.WriterBufferSize, s.logger)
		reg := registry.New(info, s.registryConfig, func(index int, data []byte) error {
			wrt.Enqueue(index, data)
			return nil
		}, s.stats, s.logger, completed)
		s.mu.Lock()
		s.info = info
		s.reg = reg
		s.wrt = wrt
		s.mu.Unlock()
		close(s.ready)
	})
	if bootstrapErr != nil {
		return nil, bootstrapErr
	}
	return s.reg, nil
}

// Run drains the peer queue, maintaining up to Config.MaxPeers concurrent
// sessions, until every piece has been written or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if !s.awaitReady(ctx) {
			return ctx.Err()
		}
		s.mu.Lock()
		wrt := s.wrt
		s.mu.Unlock()
		return wrt.Run(ctx)
	})

	g.Go(func() error {
		if !s.awaitReady(ctx) {
			return ctx.Err()
		}
		s.mu.Lock()
		wrt := s.wrt
		s.mu.Unlock()
		select {
		case <-wrt.Done():
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	for i := 0; i < s.config.MaxPeers; i++ {
		g.Go(func() error {
			return s.peerWorker(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Supervisor) awaitReady(ctx context.Context) bool {
	select {
	case <-s.ready:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) peerWorker(ctx context.Context) error {
	for {
		ep, ok := s.queue.Next(ctx)
		if !ok {
			return nil
		}
		s.runSession(ctx, ep)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Supervisor) runSession(ctx context.Context, ep core.Endpoint) {
	dialCtx, cancel := context.WithTimeout(ctx, s.config.DialTimeout)
	conn, err := s.dial(dialCtx, ep)
	cancel()
	if err != nil {
		s.logger.Debugw("peer dial failed", "endpoint", ep.String(), "error", err)
		return
	}

	sess := s.newSession(conn)
	if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
		s.logger.Debugw("peer session ended", "endpoint", ep.String(), "error", err)
	}
	s.unregisterSession(sess)
}

func (s *Supervisor) newSession(conn net.Conn) *session.Session {
	s.mu.Lock()
	info, reg := s.info, s.reg
	s.mu.Unlock()

	var sess *session.Session
	if info == nil {
		sess = session.NewMagnetBootstrap(
			conn, s.localPeerID, s.magnet, s.OnMetadataDone, s.sessionCfg, s.clk, s.stats, s.logger)
	} else {
		sess = session.New(
			conn, s.localPeerID, info.InfoHash, reg, len(info.RawInfo()), s.sessionCfg, s.clk, s.stats, s.logger)
	}
	sess.SetCancelSink(s.sendCancel)
	sess.SetOnPeerID(func(id core.PeerID) { s.registerSession(id, sess) })
	return sess
}

func (s *Supervisor) registerSession(peerID core.PeerID, sess *session.Session) {
	s.mu.Lock()
	s.peers[peerID] = sess
	s.mu.Unlock()
}

func (s *Supervisor) unregisterSession(sess *session.Session) {
	peerID := sess.PeerID()
	s.mu.Lock()
	if s.peers[peerID] == sess {
		delete(s.peers, peerID)
	}
	s.mu.Unlock()
}

func (s *Supervisor) sendCancel(peerID core.PeerID, piece int, begin, length int64) {
	s.mu.Lock()
	sess, ok := s.peers[peerID]
	s.mu.Unlock()
	if ok {
		sess.SendCancel(piece, begin, length)
	}
}
