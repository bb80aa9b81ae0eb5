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
	"encoding/binary"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/torrentkit/leech/core"
)

// fakeUDPTransport lets tests observe every packet sent and control exactly
// which packets (if any) are "received" in response.
type fakeUDPTransport struct {
	sent chan []byte
	recv chan []byte
}

func newFakeUDPTransport() *fakeUDPTransport {
	return &fakeUDPTransport{
		sent: make(chan []byte, 16),
		recv: make(chan []byte, 16),
	}
}

func (f *fakeUDPTransport) WriteTo(b []byte) error {
	cp := append([]byte(nil), b...)
	f.sent <- cp
	return nil
}

func (f *fakeUDPTransport) ReadFrom(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.recv:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func txIDOf(t *testing.T, pkt []byte) uint32 {
	t.Helper()
	require.True(t, len(pkt) >= 16)
	return binary.BigEndian.Uint32(pkt[12:16])
}

func connectResponse(txID uint32, connID uint64) []byte {
	var pkt [16]byte
	binary.BigEndian.PutUint32(pkt[0:4], udpActionConnect)
	binary.BigEndian.PutUint32(pkt[4:8], txID)
	binary.BigEndian.PutUint64(pkt[8:16], connID)
	return pkt[:]
}

func TestUDPConnectSucceedsOnFirstAttempt(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	transport := newFakeUDPTransport()
	client := NewUDPClient(clk, 15*time.Second, 8)

	type result struct {
		connID uint64
		err    error
	}
	done := make(chan result, 1)
	go func() {
		connID, err := client.connect(context.Background(), transport)
		done <- result{connID, err}
	}()

	sent := <-transport.sent
	txID := txIDOf(t, sent)
	transport.recv <- connectResponse(txID, 0xdeadbeef)

	res := <-done
	require.NoError(res.err)
	require.Equal(uint64(0xdeadbeef), res.connID)
}

// TestUDPConnectRetriesAfterTimeout models BEP 15's "lost connect, retry,
// then succeed" scenario: the first connect request goes unanswered for a
// full 15s timeout, so the client must resend before the response that
// finally arrives (now matching the second attempt's transaction id) is
// accepted.
func TestUDPConnectRetriesAfterTimeout(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	transport := newFakeUDPTransport()
	client := NewUDPClient(clk, 15*time.Second, 8)

	type result struct {
		connID uint64
		err    error
	}
	done := make(chan result, 1)
	go func() {
		connID, err := client.connect(context.Background(), transport)
		done <- result{connID, err}
	}()

	first := <-transport.sent
	_ = txIDOf(t, first)

	// First attempt's packet is lost: nothing delivered to transport.recv.
	// Advance the mock clock past the 15s timeout to force a retry.
	clk.Add(15*time.Second + 1)

	second := <-transport.sent
	secondTxID := txIDOf(t, second)
	transport.recv <- connectResponse(secondTxID, 0xcafef00d)

	res := <-done
	require.NoError(res.err)
	require.Equal(uint64(0xcafef00d), res.connID)
}

// TestUDPConnectIgnoresMismatchedTransactionID verifies a stray packet
// carrying a foreign transaction id (e.g. a stale reply to a prior attempt)
// is dropped rather than accepted, and the real reply is still honored.
func TestUDPConnectIgnoresMismatchedTransactionID(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	transport := newFakeUDPTransport()
	client := NewUDPClient(clk, 15*time.Second, 8)

	type result struct {
		connID uint64
		err    error
	}
	done := make(chan result, 1)
	go func() {
		connID, err := client.connect(context.Background(), transport)
		done <- result{connID, err}
	}()

	sent := <-transport.sent
	txID := txIDOf(t, sent)

	transport.recv <- connectResponse(txID+1, 0x11111111) // wrong transaction
	transport.recv <- connectResponse(txID, 0x22222222)    // correct

	res := <-done
	require.NoError(res.err)
	require.Equal(uint64(0x22222222), res.connID)
}

func TestUDPConnectExhaustsAttemptsAndReturnsTimeoutError(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	transport := newFakeUDPTransport()
	client := NewUDPClient(clk, 15*time.Second, 3)

	type result struct {
		connID uint64
		err    error
	}
	done := make(chan result, 1)
	go func() {
		connID, err := client.connect(context.Background(), transport)
		done <- result{connID, err}
	}()

	for attempt := 0; attempt < 3; attempt++ {
		<-transport.sent
		clk.Add(15*time.Second*(1<<uint(attempt)) + 1)
	}

	res := <-done
	require.ErrorIs(res.err, ErrUDPTrackerTimedOut)
}

func TestUDPAnnounceParsesCompactPeers(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	transport := newFakeUDPTransport()
	client := NewUDPClient(clk, 15*time.Second, 8)

	req := Request{Port: 6881, Left: 100}

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := client.announce(context.Background(), transport, 0x123, req)
		done <- result{resp, err}
	}()

	sent := <-transport.sent
	txID := txIDOf(t, sent)

	var pkt [26]byte
	binary.BigEndian.PutUint32(pkt[0:4], udpActionAnnounce)
	binary.BigEndian.PutUint32(pkt[4:8], txID)
	binary.BigEndian.PutUint32(pkt[8:12], 1800) // interval
	binary.BigEndian.PutUint32(pkt[12:16], 2)   // leechers
	binary.BigEndian.PutUint32(pkt[16:20], 3)   // seeders
	copy(pkt[20:26], []byte{1, 2, 3, 4, 0x1a, 0xe1})
	transport.recv <- pkt[:]

	res := <-done
	require.NoError(res.err)
	require.Equal(1800*time.Second, res.resp.Interval)
	require.Equal(2, res.resp.Leechers)
	require.Equal(3, res.resp.Seeders)
	require.Equal([]core.Endpoint{{IP: "1.2.3.4", Port: 6881}}, res.resp.Peers)
}
