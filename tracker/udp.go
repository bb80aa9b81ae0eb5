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
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/torrentkit/leech/core"
)

// udpProtocolID is the BEP 15 "magic constant" that opens a connect request.
const udpProtocolID uint64 = 0x41727101980

const (
	udpActionConnect  uint32 = 0
	udpActionAnnounce uint32 = 1
)

var udpEventCodes = map[Event]uint32{
	EventNone:      0,
	EventCompleted: 1,
	EventStarted:   2,
	EventStopped:   3,
}

// ErrUDPTrackerTimedOut is returned when a BEP 15 exchange exhausts its
// retry budget without a matching response.
var ErrUDPTrackerTimedOut = fmt.Errorf("tracker: udp tracker did not respond within retry budget")

// PacketTransport is the minimal interface a UDP tracker session needs. It
// exists so tests can exercise UDPClient's retry and backoff behavior
// against a fake transport and a mocked clock instead of a live socket.
type PacketTransport interface {
	WriteTo(b []byte) error
	// ReadFrom blocks until a single packet is available. It must return
	// promptly with an error once ctx is canceled.
	ReadFrom(ctx context.Context) ([]byte, error)
}

// UDPClient announces to BEP 15 UDP trackers.
type UDPClient struct {
	clk         clock.Clock
	baseTimeout time.Duration
	maxAttempts int
}

// NewUDPClient returns a UDPClient. clk is injectable so tests can assert
// exact retry timings with clock.NewMock.
func NewUDPClient(clk clock.Clock, baseTimeout time.Duration, maxAttempts int) *UDPClient {
	return &UDPClient{clk: clk, baseTimeout: baseTimeout, maxAttempts: maxAttempts}
}

// Announce performs the full BEP 15 connect-then-announce exchange over
// conn, retrying each phase with a 15*2^n second backoff (n = attempt
// index) up to maxAttempts attempts, matching the reference libtorrent/
// BEP 15 schedule.
func (c *UDPClient) Announce(ctx context.Context, conn PacketTransport, req Request) (Response, error) {
	connID, err := c.connect(ctx, conn)
	if err != nil {
		return Response{}, err
	}
	return c.announce(ctx, conn, connID, req)
}

func (c *UDPClient) connect(ctx context.Context, conn PacketTransport) (uint64, error) {
	txID, err := randomTransactionID()
	if err != nil {
		return 0, err
	}

	send := func() error {
		var pkt [16]byte
		binary.BigEndian.PutUint64(pkt[0:8], udpProtocolID)
		binary.BigEndian.PutUint32(pkt[8:12], udpActionConnect)
		binary.BigEndian.PutUint32(pkt[12:16], txID)
		return conn.WriteTo(pkt[:])
	}

	accept := func(b []byte) (bool, error) {
		if len(b) < 16 {
			return false, nil
		}
		action := binary.BigEndian.Uint32(b[0:4])
		gotTxID := binary.BigEndian.Uint32(b[4:8])
		if gotTxID != txID {
			return false, nil
		}
		if action != udpActionConnect {
			return false, fmt.Errorf("tracker: udp connect: unexpected action %d", action)
		}
		return true, nil
	}

	pkt, err := retryUDP(ctx, c.clk, conn, c.baseTimeout, c.maxAttempts, send, accept)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(pkt[8:16]), nil
}

func (c *UDPClient) announce(ctx context.Context, conn PacketTransport, connID uint64, req Request) (Response, error) {
	txID, err := randomTransactionID()
	if err != nil {
		return Response{}, err
	}

	send := func() error {
		pkt := make([]byte, 98)
		binary.BigEndian.PutUint64(pkt[0:8], connID)
		binary.BigEndian.PutUint32(pkt[8:12], udpActionAnnounce)
		binary.BigEndian.PutUint32(pkt[12:16], txID)
		copy(pkt[16:36], req.InfoHash.Bytes())
		copy(pkt[36:56], req.PeerID[:])
		binary.BigEndian.PutUint64(pkt[56:64], uint64(req.Downloaded))
		binary.BigEndian.PutUint64(pkt[64:72], uint64(req.Left))
		binary.BigEndian.PutUint64(pkt[72:80], uint64(req.Uploaded))
		binary.BigEndian.PutUint32(pkt[80:84], udpEventCodes[req.Event])
		binary.BigEndian.PutUint32(pkt[84:88], 0) // IP: 0 = use source address
		binary.BigEndian.PutUint32(pkt[88:92], 0) // key
		numWant := int32(-1)
		if req.NumWant > 0 {
			numWant = int32(req.NumWant)
		}
		binary.BigEndian.PutUint32(pkt[92:96], uint32(numWant))
		binary.BigEndian.PutUint16(pkt[96:98], uint16(req.Port))
		return conn.WriteTo(pkt)
	}

	accept := func(b []byte) (bool, error) {
		if len(b) < 20 {
			return false, nil
		}
		action := binary.BigEndian.Uint32(b[0:4])
		gotTxID := binary.BigEndian.Uint32(b[4:8])
		if gotTxID != txID {
			return false, nil
		}
		if action != udpActionAnnounce {
			return false, fmt.Errorf("tracker: udp announce: unexpected action %d", action)
		}
		return true, nil
	}

	pkt, err := retryUDP(ctx, c.clk, conn, c.baseTimeout, c.maxAttempts, send, accept)
	if err != nil {
		return Response{}, err
	}

	interval := binary.BigEndian.Uint32(pkt[8:12])
	leechers := binary.BigEndian.Uint32(pkt[12:16])
	seeders := binary.BigEndian.Uint32(pkt[16:20])
	peers, err := core.CompactEndpoints(pkt[20:])
	if err != nil {
		return Response{}, fmt.Errorf("tracker: udp announce: %w", err)
	}
	return Response{
		Interval: time.Duration(interval) * time.Second,
		Leechers: int(leechers),
		Seeders:  int(seeders),
		Peers:    peers,
	}, nil
}

// retryUDP drives a single send-and-await-matching-reply exchange, resending
// with a 15*2^n second backoff between attempts until accept reports a
// match, an unrecoverable error occurs, or maxAttempts is exhausted. Returns
// the raw bytes of the matching packet.
func retryUDP(
	ctx context.Context,
	clk clock.Clock,
	conn PacketTransport,
	base time.Duration,
	maxAttempts int,
	send func() error,
	accept func([]byte) (bool, error),
) ([]byte, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		// The timeout is armed before the packet is sent so that a test
		// driving this loop with a mock clock can safely advance time as
		// soon as it observes the send: the timer is already registered by
		// then, so there is no window where the advance could be missed.
		timeout := base * time.Duration(int64(1)<<uint(attempt))
		deadline := clk.After(timeout)

		if err := send(); err != nil {
			return nil, fmt.Errorf("tracker: udp send: %w", err)
		}

		for {
			readCtx, cancel := contextWithChannel(ctx, deadline)
			pkt, err := conn.ReadFrom(readCtx)
			cancel()
			if err != nil {
				if readCtx.Err() != nil {
					break // timed out this attempt; fall through to retry
				}
				return nil, fmt.Errorf("tracker: udp read: %w", err)
			}
			ok, err := accept(pkt)
			if err != nil {
				return nil, err
			}
			if ok {
				return pkt, nil
			}
			// Packet didn't match (wrong transaction or too short); keep
			// waiting out the remainder of this attempt's timeout.
		}
	}
	return nil, ErrUDPTrackerTimedOut
}

// contextWithChannel returns a context that is canceled either when parent
// is canceled or when done fires, whichever comes first.
func contextWithChannel(parent context.Context, done <-chan time.Time) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func randomTransactionID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("tracker: generate transaction id: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
