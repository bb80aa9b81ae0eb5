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

// Package tracker announces to BEP 3 HTTP and BEP 15 UDP trackers, and
// promotes tiers of trackers per BEP 12.
package tracker

import "time"

// Config defines tracker announce configuration.
type Config struct {
	HTTPTimeout    time.Duration `yaml:"http_timeout"`
	UDPBaseTimeout time.Duration `yaml:"udp_base_timeout"`
	UDPMaxAttempts int           `yaml:"udp_max_attempts"`
}

func (c Config) applyDefaults() Config {
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	if c.UDPBaseTimeout == 0 {
		c.UDPBaseTimeout = 15 * time.Second
	}
	if c.UDPMaxAttempts == 0 {
		c.UDPMaxAttempts = 8
	}
	return c
}
