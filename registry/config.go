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

// Package registry implements the piece download coordinator: the single
// owner of all piece/block state across every peer session of a download.
package registry

// Config defines Registry tunables.
type Config struct {
	// EndgameThreshold is the number of unsatisfied blocks across all
	// InFlight pieces at or below which the registry enters endgame.
	// Zero selects a default of one max-size piece's worth of blocks.
	EndgameThreshold int `yaml:"endgame_threshold"`
}

func (c Config) applyDefaults(blocksPerMaxPiece int) Config {
	if c.EndgameThreshold == 0 {
		c.EndgameThreshold = blocksPerMaxPiece
	}
	return c
}
