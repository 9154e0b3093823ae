// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
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

package llcp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRxQueueFIFO(t *testing.T) {
	t.Parallel()
	q := newRxQueue(64)

	q.push(0x20, []byte("first"))
	q.push(0x21, []byte("second"))
	assert.Equal(t, 2, q.len())

	aux, data, ok := q.pop(100)
	require.True(t, ok)
	assert.Equal(t, byte(0x20), aux)
	assert.Equal(t, []byte("first"), data)

	aux, data, ok = q.pop(100)
	require.True(t, ok)
	assert.Equal(t, byte(0x21), aux)
	assert.Equal(t, []byte("second"), data)

	_, _, ok = q.pop(100)
	assert.False(t, ok)
	assert.Zero(t, q.segments())
}

func TestRxQueueTruncates(t *testing.T) {
	t.Parallel()
	q := newRxQueue(64)
	q.push(0, []byte("abcdef"))
	q.push(0, []byte("gh"))

	_, data, ok := q.pop(3)
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), data)

	_, data, ok = q.pop(3)
	require.True(t, ok)
	assert.Equal(t, []byte("gh"), data, "the truncated remainder is gone")
}

func TestRxQueueSpansSegments(t *testing.T) {
	t.Parallel()
	q := newRxQueue(64)
	payload := bytes.Repeat([]byte{0xAB}, 40)
	for range 5 {
		q.push(1, payload)
	}
	assert.Equal(t, 5, q.segments(), "a 43-byte record leaves no room for another in 64 bytes")

	big := bytes.Repeat([]byte{0xCD}, 200)
	q.push(2, big)
	assert.Equal(t, 6, q.segments())

	for range 5 {
		_, data, ok := q.pop(1000)
		require.True(t, ok)
		assert.Equal(t, payload, data)
	}
	aux, data, ok := q.pop(1000)
	require.True(t, ok)
	assert.Equal(t, byte(2), aux)
	assert.Equal(t, big, data)
}

func TestRxQueueReset(t *testing.T) {
	t.Parallel()
	q := newRxQueue(64)
	q.push(0, []byte("abc"))
	q.push(0, []byte("de"))

	assert.Equal(t, 5, q.reset())
	assert.Zero(t, q.len())
	_, _, ok := q.pop(10)
	assert.False(t, ok)
}

func TestRxQueuePopCopies(t *testing.T) {
	t.Parallel()
	q := newRxQueue(64)
	q.push(0, []byte("abc"))
	q.push(0, []byte("xyz"))

	_, data, _ := q.pop(10)
	data[0] = 'Z'
	_, next, _ := q.pop(10)
	assert.Equal(t, []byte("xyz"), next)
}
