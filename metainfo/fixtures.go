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
package metainfo

import "github.com/torrentkit/leech/core"

// fixtureInfoHash derives a stable, distinct InfoHash from a fixture's piece
// hashes, so that two fixtures built from different piece content are
// correctly treated as different torrents by resume-sidecar tests.
func fixtureInfoHash(pieces [][PieceHashSize]byte) core.InfoHash {
	var b []byte
	for _, p := range pieces {
		b = append(b, p[:]...)
	}
	return core.NewInfoHashFromBytes(b)
}

// NewForTest builds an *Info directly from already-computed piece hashes,
// bypassing bencode parsing. Exported for use by other packages' tests
// (registry, session, piecestore) that need an Info without constructing a
// full .torrent file.
func NewForTest(pieceLength int64, pieces [][PieceHashSize]byte, totalLength int64) *Info {
	return &Info{
		InfoHash:    fixtureInfoHash(pieces),
		Name:        "fixture",
		PieceLength: pieceLength,
		Pieces:      pieces,
		Files:       []File{{Path: []string{"fixture.bin"}, Length: totalLength, GlobalOffset: 0}},
		TotalLength: totalLength,
	}
}

// NewMultiFileForTest builds an *Info with an explicit multi-file layout,
// for piecestore tests that exercise a piece spanning file boundaries.
func NewMultiFileForTest(pieceLength int64, pieces [][PieceHashSize]byte, files []File, totalLength int64) *Info {
	return &Info{
		InfoHash:    fixtureInfoHash(pieces),
		Name:        "fixture",
		PieceLength: pieceLength,
		Pieces:      pieces,
		Files:       files,
		TotalLength: totalLength,
	}
}
