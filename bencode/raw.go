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

// RawMessage captures the exact bytes of a bencode value as it appeared in
// the input, without interpreting it. Decoding a struct field of this type
// preserves the verbatim byte range of that sub-value, which is what lets
// callers compute a SHA-1 info-hash over the original bytes of an "info"
// dictionary rather than over a re-encoding of it (a re-encoding is only
// guaranteed to match byte-for-byte if the source was already canonical).
type RawMessage []byte

// MarshalBencode returns m unchanged: it is already bencode. An empty m is
// emitted as the empty byte string "0:".
func (m RawMessage) MarshalBencode() ([]byte, error) {
	if len(m) == 0 {
		return []byte("0:"), nil
	}
	return []byte(m), nil
}

// UnmarshalBencode stores a copy of the verbatim bytes of the parsed value.
func (m *RawMessage) UnmarshalBencode(b []byte) error {
	*m = append((*m)[:0], b...)
	return nil
}
