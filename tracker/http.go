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
package tracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"

	"github.com/torrentkit/leech/core"
)

// httpResponse mirrors the bencoded dictionary shape of a BEP 3 tracker
// response. Peers is decoded into interface{} because it is polymorphic: a
// compact response encodes it as a single byte string of 6-byte peer
// records, while a non-compact response encodes it as a list of
// {ip, port, peer id} dictionaries. Decoding into interface{} and
// type-switching afterward handles both shapes with one struct.
type httpResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int64       `bencode:"interval"`
	Complete      int64       `bencode:"complete"`
	Incomplete    int64       `bencode:"incomplete"`
	Peers         interface{} `bencode:"peers"`
}

// ParseHTTPResponse decodes a raw BEP 3 HTTP tracker response body.
func ParseHTTPResponse(body []byte) (Response, error) {
	var r httpResponse
	if err := bencode.Unmarshal(bytes.NewReader(body), &r); err != nil {
		return Response{}, fmt.Errorf("tracker: unmarshal response: %w", err)
	}
	if r.FailureReason != "" {
		return Response{}, fmt.Errorf("tracker: announce failed: %s", r.FailureReason)
	}

	peers, err := parsePeers(r.Peers)
	if err != nil {
		return Response{}, err
	}

	return Response{
		Interval: time.Duration(r.Interval) * time.Second,
		Leechers: int(r.Incomplete),
		Seeders:  int(r.Complete),
		Peers:    peers,
	}, nil
}

// parsePeers handles both the compact (byte string) and non-compact (list
// of dicts) forms of the "peers" field.
func parsePeers(raw interface{}) ([]core.Endpoint, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return core.CompactEndpoints([]byte(v))
	case []interface{}:
		endpoints := make([]core.Endpoint, 0, len(v))
		for _, elem := range v {
			dict, ok := elem.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("tracker: non-compact peer entry is not a dict")
			}
			ip, _ := dict["ip"].(string)
			port, _ := dict["port"].(int64)
			endpoints = append(endpoints, core.Endpoint{IP: ip, Port: int(port)})
		}
		return endpoints, nil
	default:
		return nil, fmt.Errorf("tracker: unrecognized peers encoding %T", raw)
	}
}

// HTTPClient announces to BEP 3 HTTP/HTTPS trackers.
type HTTPClient struct {
	hc *http.Client
}

// NewHTTPClient returns an HTTPClient which applies timeout to every
// announce request.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{hc: &http.Client{Timeout: timeout}}
}

// Announce performs a single announce against announceURL.
func (c *HTTPClient) Announce(ctx context.Context, announceURL string, req Request) (Response, error) {
	u, err := buildURL(announceURL, req)
	if err != nil {
		return Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Response{}, fmt.Errorf("tracker: build request: %w", err)
	}

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("tracker: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("tracker: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("tracker: http status %d", resp.StatusCode)
	}

	return ParseHTTPResponse(body)
}

func buildURL(announceURL string, req Request) (string, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return "", fmt.Errorf("tracker: parse announce url: %w", err)
	}

	q := u.Query()
	q.Set("info_hash", string(req.InfoHash.Bytes()))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(req.Port))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	if req.Event != EventNone {
		q.Set("event", string(req.Event))
	}
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
