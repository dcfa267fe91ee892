/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package mempool

import (
	"unsafe"

	"github.com/cloudwego/stackpool/unsafex"
)

// chunk is a contiguous buffer sliced into the blocks of one class.
type chunk struct {
	base unsafe.Pointer
	size int
}

// blockArena records the chunks of a class.
// A block is (chunk id, offset) until it's turned into an address.
type blockArena struct {
	chunks []chunk
	bytes  int
}

// add records b as a new chunk and returns its id.
func (a *blockArena) add(b []byte) int {
	a.chunks = append(a.chunks, chunk{base: unsafex.PointerOf(b), size: len(b)})
	a.bytes += len(b)
	return len(a.chunks) - 1
}

// block returns the pointer to the block at off in chunk id.
func (a *blockArena) block(id, off int) unsafe.Pointer {
	c := a.chunks[id]
	if off < 0 || off >= c.size {
		panic("mempool: block offset out of chunk")
	}
	return unsafe.Add(c.base, off)
}

// owns reports whether the n bytes at addr are inside a chunk.
func (a *blockArena) owns(addr uintptr, n int) bool {
	for _, c := range a.chunks {
		if base := uintptr(c.base); addr >= base && addr+uintptr(n) <= base+uintptr(c.size) {
			return true
		}
	}
	return false
}
