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
package piecestore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/willf/bitset"
)

// sidecarMagic self-describes the file so a sidecar left over from a
// different torrent (or a foreign file entirely) is rejected rather than
// misread as resume state.
var sidecarMagic = [8]byte{'L', 'E', 'E', 'C', 'H', 'R', 'S', '1'}

const sidecarName = ".leech-resume"

func (s *Store) sidecarPath() string {
	return filepath.Join(s.folder, sidecarName)
}

// persistSidecar writes the full bitset of complete pieces to the sidecar,
// overwriting any previous contents.
func (s *Store) persistSidecar(completed *bitset.BitSet) error {
	bits, err := completed.MarshalBinary()
	if err != nil {
		return fmt.Errorf("piecestore: marshal bitset: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(sidecarMagic[:])
	buf.Write(s.info.InfoHash.Bytes())
	binary.Write(&buf, binary.BigEndian, uint32(s.info.NumPieces()))
	binary.Write(&buf, binary.BigEndian, uint32(len(bits)))
	buf.Write(bits)

	tmp := s.sidecarPath() + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("piecestore: write sidecar: %w", err)
	}
	return os.Rename(tmp, s.sidecarPath())
}

// markCompleteAndPersist records piece index as complete and flushes the
// full set to the sidecar. Reads the on-disk sidecar (if any) first so
// repeated calls accumulate rather than clobber.
func (s *Store) markCompleteAndPersist(index int) error {
	completed, err := s.readSidecarBitsetOrEmpty()
	if err != nil {
		return err
	}
	completed.Set(uint(index))
	return s.persistSidecar(completed)
}

func (s *Store) readSidecarBitsetOrEmpty() (*bitset.BitSet, error) {
	b, err := s.parseSidecar()
	if err != nil {
		return bitset.New(uint(s.info.NumPieces())), nil
	}
	return b, nil
}

// parseSidecar reads and validates the sidecar's self-describing header,
// rejecting it outright if it names a different torrent.
func (s *Store) parseSidecar() (*bitset.BitSet, error) {
	raw, err := os.ReadFile(s.sidecarPath())
	if err != nil {
		return nil, err
	}
	const headerLen = 8 + 20 + 4 + 4
	if len(raw) < headerLen {
		return nil, errors.New("piecestore: sidecar truncated")
	}
	if !bytes.Equal(raw[:8], sidecarMagic[:]) {
		return nil, errors.New("piecestore: sidecar magic mismatch")
	}
	var infoHash [20]byte
	copy(infoHash[:], raw[8:28])
	if !bytes.Equal(infoHash[:], s.info.InfoHash.Bytes()) {
		return nil, errors.New("piecestore: sidecar belongs to a different torrent")
	}
	numPieces := binary.BigEndian.Uint32(raw[28:32])
	if int(numPieces) != s.info.NumPieces() {
		return nil, errors.New("piecestore: sidecar piece count mismatch")
	}
	bitsLen := binary.BigEndian.Uint32(raw[32:36])
	if uint32(len(raw))-36 != bitsLen {
		return nil, errors.New("piecestore: sidecar bitset length mismatch")
	}
	b := bitset.New(0)
	if err := b.UnmarshalBinary(raw[36:]); err != nil {
		return nil, fmt.Errorf("piecestore: unmarshal bitset: %w", err)
	}
	return b, nil
}

// loadAndVerifySidecar parses the sidecar and re-hashes each piece it
// claims is complete, returning only the subset that genuinely verifies.
func (s *Store) loadAndVerifySidecar() (*bitset.BitSet, error) {
	claimed, err := s.parseSidecar()
	if err != nil {
		return nil, err
	}
	verified := bitset.New(uint(s.info.NumPieces()))
	for i, ok := claimed.NextSet(0); ok; i, ok = claimed.NextSet(i + 1) {
		index := int(i)
		if index >= s.info.NumPieces() {
			continue
		}
		match, err := s.verifyPieceOnDisk(index)
		if err != nil {
			return nil, fmt.Errorf("piecestore: verify piece %d: %w", index, err)
		}
		if match {
			verified.Set(i)
		} else {
			s.logger.Warnw("resumed piece failed re-verification, discarding", "piece", index)
		}
	}
	return verified, nil
}
