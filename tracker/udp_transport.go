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
	"net"
)

// udpSocket is the real PacketTransport implementation, wrapping a single
// UDP socket dialed to one tracker address.
type udpSocket struct {
	conn *net.UDPConn
}

// dialUDP resolves and connects a UDP socket to addr ("host:port").
func dialUDP(addr string) (*udpSocket, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("tracker: resolve udp addr: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("tracker: dial udp: %w", err)
	}
	return &udpSocket{conn: conn}, nil
}

func (s *udpSocket) WriteTo(b []byte) error {
	_, err := s.conn.Write(b)
	return err
}

// ReadFrom blocks on the socket in a background goroutine and races it
// against ctx. A timed-out read is abandoned rather than joined: the
// goroutine exits once the caller eventually closes the socket (which
// unblocks any in-flight Read with a "use of closed network connection"
// error), bounding the leak to the lifetime of one announce attempt.
func (s *udpSocket) ReadFrom(ctx context.Context) ([]byte, error) {
	type result struct {
		b   []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, 2048)
		n, err := s.conn.Read(buf)
		if err != nil {
			ch <- result{nil, err}
			return
		}
		ch <- result{buf[:n], nil}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.b, r.err
	}
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}
