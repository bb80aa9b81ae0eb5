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

// Package piecestore positions verified piece bytes into the correct
// (possibly multi-file) target layout on disk and persists a resume
// sidecar recording which pieces have already been verified.
package piecestore

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/torrentkit/leech/metainfo"
)

// Store maps completed pieces onto their target files and owns the resume
// sidecar. It is the sole writer of the download's target files.
type Store struct {
	mu sync.Mutex

	info   *metainfo.Info
	folder string
	logger *zap.SugaredLogger

	handles []*os.File // parallel to info.Files
}

// Open creates (or reuses) the target files for info under folder, sized to
// their final lengths so WriteAt can place pieces directly. If resume is
// true, a prior sidecar is loaded and any pieces it claims complete are
// re-verified against info.Pieces before being trusted; the returned bitset
// reflects only pieces that both the sidecar and a fresh hash agree are
// present. If resume is false, or no valid sidecar exists, the returned
// bitset is empty.
func Open(info *metainfo.Info, folder string, resume bool, logger *zap.SugaredLogger) (*Store, *bitset.BitSet, error) {
	s := &Store{
		info:    info,
		folder:  folder,
		logger:  logger,
		handles: make([]*os.File, len(info.Files)),
	}
	for i, f := range info.Files {
		path := filepath.Join(folder, f.RelPath())
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, nil, fmt.Errorf("piecestore: mkdir: %w", err)
		}
		fh, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("piecestore: open %s: %w", path, err)
		}
		if err := fh.Truncate(f.Length); err != nil {
			fh.Close()
			return nil, nil, fmt.Errorf("piecestore: truncate %s: %w", path, err)
		}
		s.handles[i] = fh
	}

	completed := bitset.New(uint(info.NumPieces()))
	if resume {
		seeded, err := s.loadAndVerifySidecar()
		if err != nil {
			logger.Warnw("resume sidecar unusable, starting clean", "error", err)
		} else {
			completed = seeded
		}
	}
	return s, completed, nil
}

// WritePiece writes a verified piece's bytes at their correct offsets,
// possibly spanning multiple files, then updates and persists the resume
// sidecar. data must be exactly info.PieceLen(index) bytes.
func (s *Store) WritePiece(index int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pieceStart := int64(index) * s.info.PieceLength
	pieceEnd := pieceStart + int64(len(data))

	for i, f := range s.info.Files {
		fileStart := f.GlobalOffset
		fileEnd := fileStart + f.Length
		lo := max64(pieceStart, fileStart)
		hi := min64(pieceEnd, fileEnd)
		if lo >= hi {
			continue
		}
		slice := data[lo-pieceStart : hi-pieceStart]
		if _, err := s.handles[i].WriteAt(slice, lo-fileStart); err != nil {
			return fmt.Errorf("piecestore: write piece %d to %s: %w", index, f.RelPath(), err)
		}
	}
	for _, fh := range s.handles {
		if err := fh.Sync(); err != nil {
			return fmt.Errorf("piecestore: sync: %w", err)
		}
	}
	return s.markCompleteAndPersist(index)
}

// ReadPiece reconstructs a piece's bytes from disk by walking the same
// flattened file layout WritePiece uses. Used to re-verify a resumed piece.
func (s *Store) ReadPiece(index int) ([]byte, error) {
	pieceLen := s.info.PieceLen(index)
	pieceStart := int64(index) * s.info.PieceLength
	pieceEnd := pieceStart + pieceLen

	out := make([]byte, pieceLen)
	for i, f := range s.info.Files {
		fileStart := f.GlobalOffset
		fileEnd := fileStart + f.Length
		lo := max64(pieceStart, fileStart)
		hi := min64(pieceEnd, fileEnd)
		if lo >= hi {
			continue
		}
		if _, err := s.handles[i].ReadAt(out[lo-pieceStart:hi-pieceStart], lo-fileStart); err != nil {
			return nil, fmt.Errorf("piecestore: read piece %d from %s: %w", index, f.RelPath(), err)
		}
	}
	return out, nil
}

// Close flushes and closes every target file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, fh := range s.handles {
		if err := fh.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// verifyPieceOnDisk reads piece index back off disk and hashes it.
func (s *Store) verifyPieceOnDisk(index int) (bool, error) {
	data, err := s.ReadPiece(index)
	if err != nil {
		return false, err
	}
	return sha1.Sum(data) == s.info.Pieces[index], nil
}
