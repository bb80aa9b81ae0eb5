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
package metadata

import (
	"fmt"

	"github.com/torrentkit/leech/core"
	"github.com/torrentkit/leech/metainfo"
)

// Downloader accumulates ut_metadata pieces from a single peer into a
// complete info dictionary, verifying the result against the magnet's
// info-hash before handing it back. Its block bookkeeping mirrors the
// teacher pack's infodownloader.InfoDownloader (request-queue-depth style
// outstanding-block tracking), generalized from fixed 16KiB torrent piece
// blocks to 16KiB ut_metadata blocks.
type Downloader struct {
	magnet *metainfo.Magnet

	buf         []byte
	blockSizes  []int
	outstanding map[int]struct{}
	next        int
}

// NewDownloader begins assembling metadataSize bytes of info-dictionary
// content for magnet.
func NewDownloader(magnet *metainfo.Magnet, metadataSize int) *Downloader {
	numBlocks := metadataSize / PieceSize
	if metadataSize%PieceSize != 0 {
		numBlocks++
	}
	sizes := make([]int, numBlocks)
	for i := range sizes {
		sizes[i] = PieceSize
	}
	if numBlocks > 0 && metadataSize%PieceSize != 0 {
		sizes[numBlocks-1] = metadataSize % PieceSize
	}
	return &Downloader{
		magnet:      magnet,
		buf:         make([]byte, metadataSize),
		blockSizes:  sizes,
		outstanding: make(map[int]struct{}),
	}
}

// NumPieces returns the number of 16KiB ut_metadata blocks this download is
// split into.
func (d *Downloader) NumPieces() int {
	return len(d.blockSizes)
}

// NextRequests returns up to n piece indices, in ascending order from the
// lowest index not yet handed out, marking them outstanding. After
// HandleReject rewinds that position to the rejected piece, the pieces after
// it are returned again even if they were already requested or received.
func (d *Downloader) NextRequests(n int) []int {
	var out []int
	for d.next < len(d.blockSizes) && len(out) < n {
		out = append(out, d.next)
		d.outstanding[d.next] = struct{}{}
		d.next++
	}
	return out
}

// HandleData records a received ut_metadata data piece. Returns an error if
// the piece was not outstanding or has the wrong size.
func (d *Downloader) HandleData(piece int, data []byte) error {
	if piece < 0 || piece >= len(d.blockSizes) {
		return fmt.Errorf("metadata: data for unknown piece %d", piece)
	}
	if _, ok := d.outstanding[piece]; !ok {
		return fmt.Errorf("metadata: unrequested piece %d", piece)
	}
	if len(data) != d.blockSizes[piece] {
		return fmt.Errorf("metadata: piece %d wrong size: got %d want %d", piece, len(data), d.blockSizes[piece])
	}
	delete(d.outstanding, piece)
	begin := piece * PieceSize
	copy(d.buf[begin:begin+len(data)], data)
	return nil
}

// HandleReject marks piece as no longer outstanding so it will be
// re-requested by a later NextRequests call, per BEP 9's guidance that a
// reject just means "ask someone else, or ask me again later."
func (d *Downloader) HandleReject(piece int) {
	delete(d.outstanding, piece)
	if piece < d.next {
		d.next = piece
	}
}

// Done reports whether every block has been received.
func (d *Downloader) Done() bool {
	return d.next >= len(d.blockSizes) && len(d.outstanding) == 0
}

// Assemble verifies the accumulated bytes hash to the magnet's info-hash
// and builds the full *metainfo.Info from them.
func (d *Downloader) Assemble() (*metainfo.Info, error) {
	if !d.Done() {
		return nil, fmt.Errorf("metadata: assemble called before download complete")
	}
	got := core.NewInfoHashFromBytes(d.buf)
	if got != d.magnet.InfoHash {
		return nil, fmt.Errorf("metadata: assembled info hash %s does not match magnet hash %s", got, d.magnet.InfoHash)
	}
	return metainfo.FromMagnetMetadata(d.magnet, d.buf)
}
