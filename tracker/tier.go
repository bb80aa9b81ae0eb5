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

import "sync"

// TierList holds the BEP 12 "announce-list" of tracker tiers and implements
// its promotion rule: a tracker that answers successfully is moved to the
// front of its own tier, and a tier is only abandoned for the next one once
// every tracker within it has failed. It behaves like a round-robin
// iterator over a mutable, thread-safe address list, with a tier-of-tiers
// failover layered on top per BEP 12.
type TierList struct {
	mu    sync.Mutex
	tiers [][]string
}

// NewTierList constructs a TierList from an announce-list (outer slice is
// tiers in priority order, inner slice is the trackers within a tier).
// Tiers and their members are copied so later mutation by the caller has no
// effect.
func NewTierList(tiers [][]string) *TierList {
	copied := make([][]string, len(tiers))
	for i, tier := range tiers {
		copied[i] = append([]string(nil), tier...)
	}
	return &TierList{tiers: copied}
}

// Snapshot returns the current tier ordering.
func (t *TierList) Snapshot() [][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]string, len(t.tiers))
	for i, tier := range t.tiers {
		out[i] = append([]string(nil), tier...)
	}
	return out
}

// PromoteSuccess moves url to the front of the tier it belongs to. No-op if
// url is not present in any tier (e.g. it was removed by a concurrent call).
func (t *TierList) PromoteSuccess(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tier := range t.tiers {
		for i, u := range tier {
			if u == url {
				copy(tier[1:i+1], tier[0:i])
				tier[0] = u
				return
			}
		}
	}
}

// Each calls fn for every tracker URL across all tiers, in priority order,
// stopping as soon as fn returns true (signaling a successful announce).
// Each handles the BEP 12 failover itself: fn is expected to call
// PromoteSuccess on success, so the next call to Each naturally starts from
// the most recently successful tracker in each tier.
func (t *TierList) Each(fn func(url string) (ok bool)) bool {
	for _, tier := range t.Snapshot() {
		for _, url := range tier {
			if fn(url) {
				return true
			}
		}
	}
	return false
}
