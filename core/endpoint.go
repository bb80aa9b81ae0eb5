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
package core

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Endpoint identifies a remote peer by address. Two endpoints are the same
// peer endpoint iff IP and Port are equal.
type Endpoint struct {
	IP   string
	Port int
}

// String renders the endpoint as "ip:port".
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// EndpointFromCompact decodes a single 6-byte compact peer record
// (4-byte IPv4 address, 2-byte big-endian port), as used in compact HTTP
// tracker responses and BEP 15 UDP announce replies.
func EndpointFromCompact(b []byte) (Endpoint, error) {
	if len(b) != 6 {
		return Endpoint{}, fmt.Errorf("compact peer record must be 6 bytes, got %d", len(b))
	}
	ip := net.IPv4(b[0], b[1], b[2], b[3])
	port := binary.BigEndian.Uint16(b[4:6])
	return Endpoint{IP: ip.String(), Port: int(port)}, nil
}

// CompactEndpoints decodes a run of 6-byte compact peer records.
func CompactEndpoints(b []byte) ([]Endpoint, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("compact peers byte string must be a multiple of 6, got %d", len(b))
	}
	n := len(b) / 6
	endpoints := make([]Endpoint, 0, n)
	for i := 0; i < n; i++ {
		e, err := EndpointFromCompact(b[i*6 : i*6+6])
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, nil
}
