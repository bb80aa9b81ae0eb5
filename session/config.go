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
package session

import "time"

// Config configures a Session's request pipelining and liveness timers.
type Config struct {
	// RequestWindow caps the number of outstanding block requests kept
	// open with this peer at once.
	RequestWindow int `yaml:"request_window"`

	// KeepAliveInterval is the period at which a zero-length keepalive is
	// sent. The timer runs on a fixed schedule; other outbound messages do
	// not reset it.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// IdleTimeout is the duration of inbound silence after which the
	// connection is considered dead and closed.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ChokeGracePeriod is how long a session waits after being choked
	// before releasing its outstanding reservations back to the registry.
	ChokeGracePeriod time.Duration `yaml:"choke_grace_period"`

	// SenderBufferSize sizes the outbound message channel.
	SenderBufferSize int `yaml:"sender_buffer_size"`
}

func (c Config) applyDefaults() Config {
	if c.RequestWindow == 0 {
		c.RequestWindow = 10
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 2 * time.Minute
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.ChokeGracePeriod == 0 {
		c.ChokeGracePeriod = 10 * time.Second
	}
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 256
	}
	return c
}
