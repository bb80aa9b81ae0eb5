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

// Package supervisor keeps up to a configured number of peer sessions
// alive for the duration of a download, consuming endpoints from a
// peerqueue.Queue and replacing sessions that exit.
package supervisor

import "time"

// Config defines Supervisor tunables.
type Config struct {
	// MaxPeers bounds the number of concurrent peer sessions (P).
	MaxPeers int `yaml:"max_peers"`

	// DialTimeout bounds how long a single outbound connection attempt may
	// take before it is abandoned in favor of the next queued endpoint.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// WriterBufferSize sizes the writer's completed-piece job channel.
	WriterBufferSize int `yaml:"writer_buffer_size"`
}

func (c Config) applyDefaults() Config {
	if c.MaxPeers == 0 {
		c.MaxPeers = 50
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriterBufferSize == 0 {
		c.WriterBufferSize = 64
	}
	return c
}
