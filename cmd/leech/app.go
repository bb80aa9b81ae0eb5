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
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/torrentkit/leech/config"
	"github.com/torrentkit/leech/core"
	"github.com/torrentkit/leech/metainfo"
	"github.com/torrentkit/leech/peerqueue"
	"github.com/torrentkit/leech/piecestore"
	"github.com/torrentkit/leech/supervisor"
	"github.com/torrentkit/leech/tracker"
)

// defaultAnnounceInterval is used when a tracker's response omits (or
// zeroes) its interval.
const defaultAnnounceInterval = 5 * time.Minute

type options struct {
	config *config.Config
	logger *zap.SugaredLogger
	stats  tally.Scope
}

// Option defines an optional NewApp parameter.
type Option func(*options)

// WithConfig ignores the --config flag and directly uses the provided
// configuration.
func WithConfig(c config.Config) Option {
	return func(o *options) { o.config = &c }
}

// WithLogger ignores the --log flag and directly uses the provided logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithStats directly uses the provided metrics scope instead of a noop one.
func WithStats(s tally.Scope) Option {
	return func(o *options) { o.stats = s }
}

// App wires together the metainfo/magnet, tracker, peer queue, and
// supervisor for a single download.
type App struct {
	flags  *Flags
	config config.Config
	logger *zap.SugaredLogger
	stats  tally.Scope

	info   *metainfo.Info
	magnet *metainfo.Magnet

	localPeerID core.PeerID

	trackerClient *tracker.Client
	queue         *peerqueue.Queue
	sup           *supervisor.Supervisor

	cleanup []func() error
}

// NewApp creates a new leech application.
func NewApp(flags *Flags, opts ...Option) (*App, error) {
	app := &App{flags: flags}

	if err := app.parseOptions(opts...); err != nil {
		return nil, fmt.Errorf("parse options: %w", err)
	}
	if err := app.validateFlags(); err != nil {
		return nil, fmt.Errorf("validate flags: %w", err)
	}
	if err := app.loadConfig(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := app.setupLogging(); err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	if err := app.setupMetrics(); err != nil {
		return nil, fmt.Errorf("setup metrics: %w", err)
	}

	return app, nil
}

func (a *App) parseOptions(opts ...Option) error {
	var overrides options
	for _, o := range opts {
		o(&overrides)
	}
	if overrides.config != nil {
		a.config = *overrides.config
	}
	if overrides.logger != nil {
		a.logger = overrides.logger
	}
	if overrides.stats != nil {
		a.stats = overrides.stats
	}
	return nil
}

func (a *App) validateFlags() error {
	if a.flags.File == "" && a.flags.Magnet == "" {
		return fmt.Errorf("must specify --file or --magnet")
	}
	if a.flags.File != "" && a.flags.Magnet != "" {
		return fmt.Errorf("--file and --magnet are mutually exclusive")
	}
	if a.flags.Folder == "" {
		return fmt.Errorf("must specify non-empty --folder")
	}
	return nil
}

func (a *App) loadConfig() error {
	if a.config == (config.Config{}) {
		c, err := config.Load(a.flags.Config)
		if err != nil {
			return fmt.Errorf("load config file: %w", err)
		}
		a.config = c
	}
	return nil
}

func (a *App) setupLogging() error {
	if a.logger == nil {
		logger, sync, err := buildLogger(a.flags.LogPath)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		a.logger = logger
		a.cleanup = append(a.cleanup, sync)
	}
	return nil
}

func buildLogger(path string) (*zap.SugaredLogger, func() error, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	if path != "" {
		cfg.OutputPaths = []string{path}
		cfg.ErrorOutputPaths = []string{path}
	} else {
		cfg.OutputPaths = []string{"stderr"}
		cfg.ErrorOutputPaths = []string{"stderr"}
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, nil, err
	}
	return logger.Sugar(), logger.Sync, nil
}

func (a *App) setupMetrics() error {
	if a.stats == nil {
		a.stats = tally.NoopScope
	}
	return nil
}

func (a *App) setupMetadata() error {
	switch {
	case a.flags.File != "":
		data, err := os.ReadFile(a.flags.File)
		if err != nil {
			return fmt.Errorf("read torrent file: %w", err)
		}
		info, err := metainfo.FromBytes(data)
		if err != nil {
			return fmt.Errorf("parse torrent file: %w", err)
		}
		a.info = info
	case a.flags.Magnet != "":
		m, err := metainfo.ParseMagnet(a.flags.Magnet)
		if err != nil {
			return fmt.Errorf("parse magnet uri: %w", err)
		}
		a.magnet = m
	}
	return nil
}

func (a *App) setupPeerID() error {
	id, err := core.RandomPeerID()
	if err != nil {
		return fmt.Errorf("generate peer id: %w", err)
	}
	a.localPeerID = id
	return nil
}

func (a *App) setupTracker() error {
	a.trackerClient = tracker.NewClient(a.config.Tracker, a.announceTiers(), clock.New(), a.logger)
	return nil
}

func (a *App) setupSupervisor() error {
	sessionCfg := a.config.Session
	if a.flags.Requests > 0 {
		sessionCfg.RequestWindow = a.flags.Requests
	}
	supervisorCfg := a.config.Supervisor
	if a.flags.Peers > 0 {
		supervisorCfg.MaxPeers = a.flags.Peers
	}

	a.queue = peerqueue.New(a.config.PeerQueue, a.stats, a.logger)

	folder := a.flags.Folder
	resume := a.flags.Resume
	logger := a.logger
	storeBuilder := func(info *metainfo.Info) (*piecestore.Store, *bitset.BitSet, error) {
		return piecestore.Open(info, folder, resume, logger)
	}

	clk := clock.New()
	if a.info != nil {
		sup, err := supervisor.New(supervisorCfg, a.localPeerID, a.info, a.queue,
			sessionCfg, a.config.Registry, storeBuilder, clk, a.stats, a.logger)
		if err != nil {
			return fmt.Errorf("build supervisor: %w", err)
		}
		a.sup = sup
		return nil
	}

	a.sup = supervisor.NewMagnet(supervisorCfg, a.localPeerID, a.magnet, a.queue,
		sessionCfg, a.config.Registry, storeBuilder, clk, a.stats, a.logger)
	return nil
}

func (a *App) announceTiers() [][]string {
	if a.info != nil {
		return a.info.AnnounceTiers
	}
	return a.magnet.AnnounceTiers
}

func (a *App) infoHash() core.InfoHash {
	if a.info != nil {
		return a.info.InfoHash
	}
	return a.magnet.InfoHash
}

// Initialize sets up all application components.
func (a *App) Initialize() error {
	setupSteps := []struct {
		name string
		fn   func() error
	}{
		{"metadata", a.setupMetadata},
		{"peer id", a.setupPeerID},
		{"tracker", a.setupTracker},
		{"supervisor", a.setupSupervisor},
	}
	for _, step := range setupSteps {
		if err := step.fn(); err != nil {
			return fmt.Errorf("setup %s: %w", step.name, err)
		}
	}
	return nil
}

// Run announces to trackers and drives peer sessions until the download
// completes or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		err := a.sup.Run(gctx)
		cancel()
		return err
	})
	g.Go(func() error {
		return a.announceLoop(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	a.announceCompleted(ctx)
	return nil
}

// announceLoop repeatedly announces to the tracker tier list, feeding
// discovered peers into the queue, until ctx is cancelled.
func (a *App) announceLoop(ctx context.Context) error {
	event := tracker.EventStarted
	for {
		req := tracker.Request{
			InfoHash: a.infoHash(),
			PeerID:   a.localPeerID,
			Event:    event,
			NumWant:  50,
		}
		resp, err := announceWithBackoff(ctx, a.trackerClient, req)
		interval := defaultAnnounceInterval
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warnw("tracker announce cycle failed", "error", err)
		} else {
			a.queue.Add(resp.Peers)
			event = tracker.EventNone
			if resp.Interval > 0 {
				interval = resp.Interval
			}
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// announceCompleted sends a best-effort completed event once the download
// has finished; a failure here does not affect the exit code.
func (a *App) announceCompleted(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()
	req := tracker.Request{
		InfoHash: a.infoHash(),
		PeerID:   a.localPeerID,
		Event:    tracker.EventCompleted,
	}
	if _, err := a.trackerClient.Announce(ctx, req); err != nil {
		a.logger.Warnw("completed announce failed", "error", err)
	}
}

// announceWithBackoff retries a single tracker announce cycle with an
// exponential backoff, since a transient tracker outage shouldn't abort
// the download.
func announceWithBackoff(ctx context.Context, client *tracker.Client, req tracker.Request) (tracker.Response, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute

	for {
		resp, err := client.Announce(ctx, req)
		if err == nil {
			return resp, nil
		}
		d := b.NextBackOff()
		if d == backoff.Stop {
			return tracker.Response{}, err
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return tracker.Response{}, ctx.Err()
		}
	}
}

// Close runs cleanup functions in reverse order.
func (a *App) Close() error {
	var firstErr error
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		if err := a.cleanup[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
