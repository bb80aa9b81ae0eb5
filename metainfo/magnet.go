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

import (
	"errors"
	"fmt"
	"strings"

	"github.com/torrentkit/leech/core"
)

// Magnet is a parsed magnet URI. It carries enough information to start a
// metadata-exchange bootstrap (see the metadata package) but no info
// dictionary.
type Magnet struct {
	InfoHash     core.InfoHash
	DisplayName  string
	AnnounceTiers [][]string
}

// ParseMagnet parses a "magnet:?xt=urn:btih:..." URI (BEP 9). Only xt and tr
// are required to be understood; unknown parameters are ignored.
func ParseMagnet(uri string) (*Magnet, error) {
	const scheme = "magnet:?"
	if !strings.HasPrefix(uri, scheme) {
		return nil, errors.New("metainfo: not a magnet uri")
	}
	query := uri[len(scheme):]

	var (
		infoHash    core.InfoHash
		haveHash    bool
		displayName string
		trackers    []string
	)
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, value, err := unescapeParam(kv[0], kv[1])
		if err != nil {
			return nil, fmt.Errorf("metainfo: magnet: %w", err)
		}
		switch key {
		case "xt":
			h, err := parseExactTopic(value)
			if err != nil {
				return nil, err
			}
			infoHash = h
			haveHash = true
		case "tr":
			trackers = append(trackers, value)
		case "dn":
			displayName = value
		}
	}
	if !haveHash {
		return nil, errors.New("metainfo: magnet uri missing xt=urn:btih:")
	}

	var tiers [][]string
	for _, tr := range trackers {
		tiers = append(tiers, []string{tr})
	}

	return &Magnet{
		InfoHash:      infoHash,
		DisplayName:   displayName,
		AnnounceTiers: tiers,
	}, nil
}

func unescapeParam(key, value string) (string, string, error) {
	k, err := pctDecode(key)
	if err != nil {
		return "", "", err
	}
	v, err := pctDecode(value)
	if err != nil {
		return "", "", err
	}
	return k, v, nil
}

// pctDecode decodes percent-encoding and "+"-as-space, matching url.QueryUnescape
// without pulling in net/url's stricter validation of the whole URI.
func pctDecode(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%':
			if i+2 >= len(s) {
				return "", errors.New("invalid percent-encoding")
			}
			hi, ok1 := hexVal(s[i+1])
			lo, ok2 := hexVal(s[i+2])
			if !ok1 || !ok2 {
				return "", errors.New("invalid percent-encoding")
			}
			b.WriteByte(hi<<4 | lo)
			i += 2
		case '+':
			b.WriteByte(' ')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String(), nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func parseExactTopic(xt string) (core.InfoHash, error) {
	const prefix = "urn:btih:"
	if !strings.HasPrefix(xt, prefix) {
		return core.InfoHash{}, fmt.Errorf("metainfo: unsupported xt value %q", xt)
	}
	hash := xt[len(prefix):]
	switch len(hash) {
	case 40:
		return core.NewInfoHashFromHex(hash)
	case 32:
		return core.NewInfoHashFromBase32(hash)
	default:
		return core.InfoHash{}, fmt.Errorf("metainfo: info-hash in xt must be 40 hex or 32 base32 chars, got %d", len(hash))
	}
}

// FromMagnetMetadata builds an Info from a magnet's info-hash and the raw
// info-dict bytes recovered via ut_metadata exchange (BEP 9/10). The
// recovered bytes' SHA-1 MUST already have been verified by the caller to
// equal m.InfoHash before calling this.
func FromMagnetMetadata(m *Magnet, rawInfo []byte) (*Info, error) {
	info, err := build("", m.AnnounceTiers, rawInfo)
	if err != nil {
		return nil, err
	}
	if info.InfoHash != m.InfoHash {
		return nil, errors.New("metainfo: recovered info bytes do not match magnet info-hash")
	}
	return info, nil
}
