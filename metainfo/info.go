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

// Package metainfo interprets parsed bencode torrent metadata: the
// info-hash, piece layout, and flattened file list.
package metainfo

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/torrentkit/leech/bencode"
	"github.com/torrentkit/leech/core"
)

// PieceHashSize is the length in bytes of each piece's SHA-1 digest.
const PieceHashSize = 20

// BlockSize is the unit of request/response on the peer wire.
const BlockSize = 16384

// File describes a single target file within a (possibly multi-file)
// torrent, flattened into the global byte-offset space of the download.
type File struct {
	Path         []string
	Length       int64
	GlobalOffset int64
}

// RelPath joins Path into a filesystem-relative path.
func (f File) RelPath() string {
	return filepath.Join(f.Path...)
}

// Info is the immutable, validated interpretation of a torrent's metadata.
// Once built it is never mutated, and is safe to share by reference across
// every peer session of a download.
type Info struct {
	InfoHash     core.InfoHash
	Name         string
	PieceLength  int64
	Pieces       [][PieceHashSize]byte
	Files        []File
	TotalLength  int64
	AnnounceTiers [][]string

	// raw is the verbatim bencoded info dictionary, kept so that a
	// resume sidecar or magnet re-seed can be rebuilt without re-fetching
	// metadata.
	raw []byte
}

// NumPieces returns the number of pieces in the torrent.
func (i *Info) NumPieces() int {
	return len(i.Pieces)
}

// PieceLen returns the length in bytes of piece index pi, accounting for a
// possibly-shorter final piece.
func (i *Info) PieceLen(pi int) int64 {
	if pi == i.NumPieces()-1 {
		return i.TotalLength - int64(pi)*i.PieceLength
	}
	return i.PieceLength
}

// RawInfo returns the verbatim bencoded info dictionary bytes that hash to
// InfoHash.
func (i *Info) RawInfo() []byte {
	return i.raw
}

type fileDict struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type infoDict struct {
	Name        string     `bencode:"name"`
	PieceLength int64      `bencode:"piece length"`
	Pieces      string     `bencode:"pieces"`
	Length      int64      `bencode:"length,omitempty"`
	Files       []fileDict `bencode:"files,omitempty"`
}

type metainfoDict struct {
	Announce     string              `bencode:"announce,omitempty"`
	AnnounceList [][]string          `bencode:"announce-list,omitempty"`
	Info         bencode.RawMessage  `bencode:"info"`
}

// FromBytes parses and validates a complete .torrent file (BEP 3).
func FromBytes(data []byte) (*Info, error) {
	var m metainfoDict
	if err := bencode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("metainfo: parse: %w", err)
	}
	return build(m.Announce, m.AnnounceList, []byte(m.Info))
}

func build(announce string, announceList [][]string, rawInfo []byte) (*Info, error) {
	var d infoDict
	if err := bencode.Unmarshal(rawInfo, &d); err != nil {
		return nil, fmt.Errorf("metainfo: parse info dict: %w", err)
	}

	if d.PieceLength <= 0 {
		return nil, errors.New("metainfo: piece length must be positive")
	}
	if len(d.Pieces)%PieceHashSize != 0 {
		return nil, fmt.Errorf("metainfo: pieces length %d is not a multiple of %d", len(d.Pieces), PieceHashSize)
	}
	numPieces := len(d.Pieces) / PieceHashSize
	if numPieces == 0 {
		return nil, errors.New("metainfo: torrent has no pieces")
	}

	pieces := make([][PieceHashSize]byte, numPieces)
	for i := range pieces {
		copy(pieces[i][:], d.Pieces[i*PieceHashSize:(i+1)*PieceHashSize])
	}

	var files []File
	var totalLength int64
	if len(d.Files) == 0 {
		if d.Length <= 0 {
			return nil, errors.New("metainfo: single-file torrent must have a positive length")
		}
		files = []File{{Path: []string{d.Name}, Length: d.Length, GlobalOffset: 0}}
		totalLength = d.Length
	} else {
		var offset int64
		for _, f := range d.Files {
			if f.Length < 0 {
				return nil, errors.New("metainfo: negative file length")
			}
			path := append([]string{d.Name}, f.Path...)
			files = append(files, File{Path: path, Length: f.Length, GlobalOffset: offset})
			offset += f.Length
		}
		totalLength = offset
	}

	maxTotal := int64(numPieces) * d.PieceLength
	minTotal := int64(numPieces-1) * d.PieceLength
	if totalLength > maxTotal || totalLength <= minTotal {
		return nil, fmt.Errorf(
			"metainfo: total length %d inconsistent with %d pieces of length %d",
			totalLength, numPieces, d.PieceLength)
	}

	tiers := announceTiers(announce, announceList)

	return &Info{
		InfoHash:      core.NewInfoHashFromBytes(rawInfo),
		Name:          d.Name,
		PieceLength:   d.PieceLength,
		Pieces:        pieces,
		Files:         files,
		TotalLength:   totalLength,
		AnnounceTiers: tiers,
		raw:           append([]byte(nil), rawInfo...),
	}, nil
}

func announceTiers(announce string, announceList [][]string) [][]string {
	if len(announceList) > 0 {
		tiers := make([][]string, 0, len(announceList))
		for _, tier := range announceList {
			if len(tier) == 0 {
				continue
			}
			tiers = append(tiers, append([]string(nil), tier...))
		}
		return tiers
	}
	if announce != "" {
		return [][]string{{announce}}
	}
	return nil
}
