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
package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEndpointFromCompact(t *testing.T) {
	require := require.New(t)

	e, err := EndpointFromCompact([]byte{0x01, 0x02, 0x03, 0x04, 0x1a, 0xe1})
	require.NoError(err)
	require.Equal(Endpoint{IP: "1.2.3.4", Port: 6881}, e)
}

func TestEndpointFromCompactRejectsWrongLength(t *testing.T) {
	_, err := EndpointFromCompact([]byte{0x01, 0x02, 0x03})
	require.Error(t, err)
}

func TestCompactEndpoints(t *testing.T) {
	require := require.New(t)

	raw := []byte{
		0x01, 0x02, 0x03, 0x04, 0x1a, 0xe1,
		0x05, 0x06, 0x07, 0x08, 0x00, 0x50,
	}
	endpoints, err := CompactEndpoints(raw)
	require.NoError(err)
	require.Equal([]Endpoint{
		{IP: "1.2.3.4", Port: 6881},
		{IP: "5.6.7.8", Port: 80},
	}, endpoints)
}

func TestCompactEndpointsRejectsBadLength(t *testing.T) {
	_, err := CompactEndpoints([]byte{0x01, 0x02, 0x03, 0x04, 0x1a})
	require.Error(t, err)
}
