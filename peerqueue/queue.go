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
package peerqueue

import (
	"context"
	"sync"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/torrentkit/leech/core"
)

// Queue is a bounded, deduplicated channel of core.Endpoint values. Multiple
// tracker cycles may call Add concurrently; a single supervisor goroutine
// calls Next in a loop.
//
// Each call to Add is expected to carry the full peer list produced by one
// tracker's completed announce cycle. An endpoint already sitting in the
// channel, unconsumed, is skipped on a later Add (no duplicate entries). An
// endpoint that was already delivered to the consumer is also skipped,
// unless it reappears in a later Add call -- which, since each call
// represents a full announce cycle, means the endpoint was re-announced
// after a full cycle and may be handed out again.
type Queue struct {
	mu        sync.Mutex
	ch        chan core.Endpoint
	pending   map[core.Endpoint]struct{}
	delivered map[core.Endpoint]struct{}
	logger    *zap.SugaredLogger
	stats     tally.Scope
}

// New creates a new Queue.
func New(config Config, stats tally.Scope, logger *zap.SugaredLogger) *Queue {
	config = config.applyDefaults()
	return &Queue{
		ch:        make(chan core.Endpoint, config.BufferSize),
		pending:   make(map[core.Endpoint]struct{}),
		delivered: make(map[core.Endpoint]struct{}),
		logger:    logger,
		stats:     stats,
	}
}

// Add enqueues endpoints from a tracker's completed announce cycle, skipping
// any still pending delivery and re-admitting any previously-delivered
// endpoint that has now been re-announced.
func (q *Queue) Add(endpoints []core.Endpoint) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range endpoints {
		if _, ok := q.pending[e]; ok {
			continue
		}
		delete(q.delivered, e)
		select {
		case q.ch <- e:
			q.pending[e] = struct{}{}
		default:
			q.logger.Warnf("Peer queue full, dropping endpoint %s", e)
			q.stats.Counter("peerqueue.dropped").Inc(1)
		}
	}
}

// Next blocks until an endpoint is available or ctx is done. Second return
// value is false if ctx was done first.
func (q *Queue) Next(ctx context.Context) (core.Endpoint, bool) {
	select {
	case e := <-q.ch:
		q.mu.Lock()
		delete(q.pending, e)
		q.delivered[e] = struct{}{}
		q.mu.Unlock()
		return e, true
	case <-ctx.Done():
		return core.Endpoint{}, false
	}
}

// Len returns the number of endpoints currently buffered and awaiting
// delivery. Exposed for tests and diagnostics only.
func (q *Queue) Len() int {
	return len(q.ch)
}
