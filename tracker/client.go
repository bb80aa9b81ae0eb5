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
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
)

// Client announces across a BEP 12 tier list of HTTP(S) and UDP trackers,
// dispatching each tracker URL to the transport its scheme names and
// promoting whichever tracker answers first.
type Client struct {
	config Config
	tiers  *TierList
	http   *HTTPClient
	clk    clock.Clock
	logger *zap.SugaredLogger
}

// NewClient constructs a Client over the given announce-list tiers.
func NewClient(config Config, tiers [][]string, clk clock.Clock, logger *zap.SugaredLogger) *Client {
	config = config.applyDefaults()
	return &Client{
		config: config,
		tiers:  NewTierList(tiers),
		http:   NewHTTPClient(config.HTTPTimeout),
		clk:    clk,
		logger: logger,
	}
}

// Announce tries trackers tier by tier, in priority order, stopping at the
// first successful response. A tracker is tried at most once per call; a
// failure just advances to the next tracker (or, once a tier is exhausted,
// the next tier). Returns an error only if every tracker in every tier
// failed.
func (c *Client) Announce(ctx context.Context, req Request) (Response, error) {
	var resp Response
	var lastErr error
	found := c.tiers.Each(func(trackerURL string) bool {
		r, err := c.announceOne(ctx, trackerURL, req)
		if err != nil {
			c.logger.Warnw("tracker announce failed", "tracker", trackerURL, "error", err)
			lastErr = err
			return false
		}
		c.tiers.PromoteSuccess(trackerURL)
		resp = r
		return true
	})
	if !found {
		if lastErr == nil {
			lastErr = fmt.Errorf("tracker: no trackers configured")
		}
		return Response{}, fmt.Errorf("tracker: all trackers failed: %w", lastErr)
	}
	return resp, nil
}

func (c *Client) announceOne(ctx context.Context, trackerURL string, req Request) (Response, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return Response{}, fmt.Errorf("tracker: parse %q: %w", trackerURL, err)
	}

	switch {
	case strings.HasPrefix(u.Scheme, "http"):
		return c.http.Announce(ctx, trackerURL, req)
	case u.Scheme == "udp":
		sock, err := dialUDP(u.Host)
		if err != nil {
			return Response{}, err
		}
		defer sock.Close()
		udpClient := NewUDPClient(c.clk, c.config.UDPBaseTimeout, c.config.UDPMaxAttempts)
		return udpClient.Announce(ctx, sock, req)
	default:
		return Response{}, fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}
}
