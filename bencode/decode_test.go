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
package bencode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeBasicTypes(t *testing.T) {
	require := require.New(t)

	var i int
	require.NoError(Unmarshal([]byte("i42e"), &i))
	require.Equal(42, i)

	var s string
	require.NoError(Unmarshal([]byte("5:hello"), &s))
	require.Equal("hello", s)

	var l []int
	require.NoError(Unmarshal([]byte("li1ei2ei3ee"), &l))
	require.Equal([]int{1, 2, 3}, l)

	var m map[string]string
	require.NoError(Unmarshal([]byte("d1:a1:be"), &m))
	require.Equal(map[string]string{"a": "b"}, m)
}

func TestDecodeRejectsDuplicateKeys(t *testing.T) {
	err := Unmarshal([]byte("d1:ai1e1:ai2ee"), &map[string]int{})
	require.Error(t, err)
}

func TestDecodeRejectsNonMinimalIntegers(t *testing.T) {
	tests := []string{
		"i01e",
		"i-0e",
		"i-01e",
	}
	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			var i int
			err := Unmarshal([]byte(in), &i)
			require.Error(t, err)
		})
	}
}

func TestDecodeAllowsZero(t *testing.T) {
	var i int
	require.NoError(t, Unmarshal([]byte("i0e"), &i))
	require.Equal(t, 0, i)
}

func TestDecodeRejectsTrailingGarbage(t *testing.T) {
	var i int
	err := Unmarshal([]byte("i42ejunk"), &i)
	require.Error(t, err)
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	var s string
	err := Unmarshal([]byte("5:hel"), &s)
	require.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	require := require.New(t)

	type inner struct {
		Name   string `bencode:"name"`
		Length int    `bencode:"length"`
	}
	type outer struct {
		Announce string  `bencode:"announce"`
		Info     []inner `bencode:"info"`
	}

	v := outer{
		Announce: "http://tracker.example/announce",
		Info: []inner{
			{Name: "a.txt", Length: 1024},
			{Name: "b.txt", Length: 2048},
		},
	}

	data, err := Marshal(v)
	require.NoError(err)

	var got outer
	require.NoError(Unmarshal(data, &got))
	require.Equal(v, got)

	data2, err := Marshal(got)
	require.NoError(err)
	require.Equal(data, data2, "re-encoding a decoded canonical value must be stable")
}
