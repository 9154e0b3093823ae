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

package frame

import "sync"

// BufferPool hands out read buffers large enough for any PN532 frame.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool returns an empty pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, MaxFrameLength)
				return &buf
			},
		},
	}
}

var defaultPool = NewBufferPool()

// Get returns a buffer of MaxFrameLength bytes.
func (p *BufferPool) Get() []byte {
	bufPtr, ok := p.pool.Get().(*[]byte)
	if !ok {
		return make([]byte, MaxFrameLength)
	}
	return (*bufPtr)[:MaxFrameLength]
}

// Put returns buf to the pool. Foreign buffers are ignored.
func (p *BufferPool) Put(buf []byte) {
	if cap(buf) < MaxFrameLength {
		return
	}
	buf = buf[:MaxFrameLength]
	clear(buf)
	p.pool.Put(&buf)
}

// GetBuffer takes a frame buffer from the shared pool.
func GetBuffer() []byte {
	return defaultPool.Get()
}

// PutBuffer returns a frame buffer to the shared pool.
func PutBuffer(buf []byte) {
	defaultPool.Put(buf)
}
