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

// Package writer runs the sole goroutine that positions verified piece
// bytes into a piecestore.Store, decoupling registry.Deliver (called
// synchronously from a peer session's goroutine) from filesystem I/O.
package writer

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/torrentkit/leech/piecestore"
)

// job is a single verified piece awaiting a write.
type job struct {
	index int
	data  []byte
}

// Writer drains completed pieces onto a piecestore.Store. Enqueue is safe
// to call from any goroutine (normally a registry.OnPieceComplete
// callback); Run must be called from exactly one goroutine.
type Writer struct {
	store  *piecestore.Store
	jobs   chan job
	total  int
	logger *zap.SugaredLogger

	doneOnce sync.Once
	doneCh   chan struct{}
}

// New creates a Writer targeting store. total is the number of pieces Run
// waits for; Run returns once that many pieces have been written. Writes
// are counted as they succeed; repeated indexes are not told apart.
func New(store *piecestore.Store, total int, bufferSize int, logger *zap.SugaredLogger) *Writer {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Writer{
		store:  store,
		jobs:   make(chan job, bufferSize),
		total:  total,
		logger: logger,
		doneCh: make(chan struct{}),
	}
}

// Enqueue submits a verified piece for writing. Blocks if the writer's
// internal buffer is full, so a burst of deliveries backpressures the
// sessions that produced them rather than dropping data.
func (w *Writer) Enqueue(index int, data []byte) {
	w.jobs <- job{index: index, data: data}
}

// Done returns a channel closed once every piece has been written.
func (w *Writer) Done() <-chan struct{} {
	return w.doneCh
}

// Run drains jobs until total pieces have been written, ctx is cancelled,
// or a write fails.
func (w *Writer) Run(ctx context.Context) error {
	written := 0
	for written < w.total {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-w.jobs:
			if err := w.store.WritePiece(j.index, j.data); err != nil {
				return err
			}
			written++
			w.logger.Debugf("Wrote piece %d (%d/%d)", j.index, written, w.total)
		}
	}
	w.doneOnce.Do(func() { close(w.doneCh) })
	return nil
}
