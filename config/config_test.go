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
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const goodConfig = `
tracker:
  http_timeout: 5s
  udp_max_attempts: 4
session:
  request_window: 25
supervisor:
  max_peers: 10
peer_queue:
  buffer_size: 128
`

func TestLoadEmptyPathReturnsZeroValue(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Config{}, c)
}

func TestLoadParsesYAML(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "leech.yaml")
	require.NoError(os.WriteFile(path, []byte(goodConfig), 0644))

	c, err := Load(path)
	require.NoError(err)
	require.Equal(5*time.Second, c.Tracker.HTTPTimeout)
	require.Equal(4, c.Tracker.UDPMaxAttempts)
	require.Equal(25, c.Session.RequestWindow)
	require.Equal(10, c.Supervisor.MaxPeers)
	require.Equal(128, c.PeerQueue.BufferSize)
}

func TestLoadRejectsUnreadablePath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
