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

// Package config aggregates the per-package tunables of a download into a
// single YAML-decodable structure, the way lib/torrent/config.go composes
// scheduler.Config and networkevent.Config for the agent binary.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/torrentkit/leech/peerqueue"
	"github.com/torrentkit/leech/registry"
	"github.com/torrentkit/leech/session"
	"github.com/torrentkit/leech/supervisor"
	"github.com/torrentkit/leech/tracker"
)

// Config holds every sub-component's configuration for a single download.
// Every field has a working zero value: each sub-package's own constructor
// fills in defaults for whatever the caller leaves unset, so an empty
// Config{} is itself a valid, if conservative, configuration.
type Config struct {
	Tracker    tracker.Config    `yaml:"tracker"`
	Registry   registry.Config   `yaml:"registry"`
	Session    session.Config    `yaml:"session"`
	Supervisor supervisor.Config `yaml:"supervisor"`
	PeerQueue  peerqueue.Config  `yaml:"peer_queue"`
}

// Load reads a YAML config file from path. An empty path is not an error:
// it returns a zero Config, leaving every sub-component to apply its own
// defaults.
func Load(path string) (Config, error) {
	var c Config
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return c, nil
}
