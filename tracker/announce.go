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
	"time"

	"github.com/torrentkit/leech/core"
)

// Event is the BEP 3 "event" announce parameter.
type Event string

// Announce events. The empty event ("") denotes a regular interval
// announce and is never sent as an explicit string.
const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

// Request holds the parameters of a single announce call, common to both
// the HTTP and UDP transports.
type Request struct {
	InfoHash   core.InfoHash
	PeerID     core.PeerID
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
}

// Response is a tracker's reply to an announce, normalized across the HTTP
// and UDP wire formats.
type Response struct {
	Interval time.Duration
	Leechers int
	Seeders  int
	Peers    []core.Endpoint
}
