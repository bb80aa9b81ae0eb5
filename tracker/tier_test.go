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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTierListPromoteSuccessMovesToFront(t *testing.T) {
	require := require.New(t)

	tl := NewTierList([][]string{
		{"http://a", "http://b", "http://c"},
		{"http://d"},
	})

	tl.PromoteSuccess("http://c")

	require.Equal([][]string{
		{"http://c", "http://a", "http://b"},
		{"http://d"},
	}, tl.Snapshot())
}

func TestTierListEachStopsAtFirstSuccess(t *testing.T) {
	require := require.New(t)

	tl := NewTierList([][]string{
		{"http://a", "http://b"},
		{"http://c"},
	})

	var tried []string
	found := tl.Each(func(url string) bool {
		tried = append(tried, url)
		return url == "http://b"
	})

	require.True(found)
	require.Equal([]string{"http://a", "http://b"}, tried)
}

func TestTierListEachAdvancesTierOnWholeTierFailure(t *testing.T) {
	require := require.New(t)

	tl := NewTierList([][]string{
		{"http://a", "http://b"},
		{"http://c"},
	})

	var tried []string
	found := tl.Each(func(url string) bool {
		tried = append(tried, url)
		return url == "http://c"
	})

	require.True(found)
	require.Equal([]string{"http://a", "http://b", "http://c"}, tried)
}

func TestTierListEachReturnsFalseWhenAllFail(t *testing.T) {
	require := require.New(t)

	tl := NewTierList([][]string{{"http://a"}})
	found := tl.Each(func(url string) bool { return false })
	require.False(found)
}

func TestTierListSnapshotIsolatesCallerMutation(t *testing.T) {
	require := require.New(t)

	tl := NewTierList([][]string{{"http://a"}})
	snap := tl.Snapshot()
	snap[0][0] = "mutated"

	require.Equal("http://a", tl.Snapshot()[0][0])
}
