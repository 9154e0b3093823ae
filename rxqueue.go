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

import "encoding/binary"

const rxRecordHeader = 3

// rxQueue holds received payloads back to back in fixed-size segments.
// Each record is [aux:1][len:2][payload]; aux carries the remote SAP for
// connection-less traffic.
type rxQueue struct {
	segs    [][]byte
	segSize int
	head    int
	count   int
	bytes   int
}

func newRxQueue(segSize int) rxQueue {
	return rxQueue{segSize: segSize}
}

func (q *rxQueue) push(aux byte, data []byte) {
	need := rxRecordHeader + len(data)
	n := len(q.segs)
	if n == 0 || cap(q.segs[n-1])-len(q.segs[n-1]) < need {
		q.segs = append(q.segs, make([]byte, 0, max(q.segSize, need)))
		n++
	}
	seg := q.segs[n-1]
	seg = append(seg, aux)
	seg = binary.BigEndian.AppendUint16(seg, uint16(len(data)))
	q.segs[n-1] = append(seg, data...)
	q.count++
	q.bytes += len(data)
}

// pop removes the oldest record. A payload longer than maxLen is truncated
// and the remainder discarded.
func (q *rxQueue) pop(maxLen int) (aux byte, data []byte, ok bool) {
	if q.count == 0 {
		return 0, nil, false
	}
	seg := q.segs[0]
	aux = seg[q.head]
	n := int(binary.BigEndian.Uint16(seg[q.head+1:]))
	start := q.head + rxRecordHeader
	payload := seg[start : start+n]
	if n > maxLen {
		payload = payload[:maxLen]
	}
	data = append([]byte(nil), payload...)

	q.head = start + n
	q.count--
	q.bytes -= n
	if q.head == len(seg) {
		q.segs[0] = nil
		q.segs = q.segs[1:]
		q.head = 0
	}
	return aux, data, true
}

func (q *rxQueue) len() int {
	return q.count
}

func (q *rxQueue) segments() int {
	return len(q.segs)
}

// reset drops every record and returns the number of payload bytes dropped.
func (q *rxQueue) reset() int {
	n := q.bytes
	q.segs = nil
	q.head = 0
	q.count = 0
	q.bytes = 0
	return n
}
