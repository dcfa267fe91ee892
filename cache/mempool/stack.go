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

/*
	Each class has a stack of free block addresses:

	           --   --        --   --   --        --   --
	  10      |xx| |  |  --  |  | |  | |  |      |  | |  | -> capacity
	   9      |xx| |  | |xx| |xx| |  | |xx|  --  |  | |xx|
	   8  --  |xx| |  | |xx| |xx| |xx| |xx| |  | |xx| |xx|
	   7 |xx| |xx| |xx| |xx| |xx| |xx| |xx| |xx| |xx| |xx| -> len
	   6 |xx| |xx| |xx| |xx| |xx| |xx| |xx| |xx| |xx| |xx|
	 ... |xx| |xx| |xx| |xx| |xx| |xx| |xx| |xx| |xx| |xx|
	      --   --   --   --   --   --   --   --   --   --
	       8   24   32   56  128  256  512  1024 2048 4096 -> size
	       0    1    2    3    4    5    6     7    8    9 -> class

	Class 0 is an inlineStack: a block is as small as an address,
	so the slots hold the blocks themselves.
*/

// blockStack is the free block stack of a class > 0.
type blockStack struct {
	a     *Allocator
	index int
	size  int

	// n is the number of free blocks, they are in ptrs[:n].
	n int

	// ptrs is the pointer array, len(ptrs) is the capacity.
	// It's carved from the reserve or mapped from the arena.
	ptrs []unsafe.Pointer

	arena blockArena
}

func (s *blockStack) pop() []byte {
	b := s.take()
	s.a.obs.OnPop(s.index)
	return b
}

func (s *blockStack) push(b []byte) {
	s.put(b)
	s.a.obs.OnPush(s.index)
}

// take is pop without notifying the Observer.
func (s *blockStack) take() []byte {
	if s.n == 0 {
		s.growArena(len(s.ptrs))
	}
	s.n--
	p := s.ptrs[s.n]
	s.ptrs[s.n] = nil
	return unsafex.BytesOf(p, s.size)
}

// put is push without notifying the Observer.
func (s *blockStack) put(b []byte) {
	if s.a.debug {
		s.a.checkFree(s, b, unsafex.AddrOf(b))
		clear(b)
	}
	if s.n == len(s.ptrs) {
		s.growPointerArray(2 * len(s.ptrs))
	}
	s.ptrs[s.n] = unsafex.PointerOf(b)
	s.n++
}

// growArena adds blocks until there are at least n free ones.
//
// The blocks come from one chunk allocated by allocateArray, which may be
// a block of a larger class. The chunk is carved from its high end
// downward, so pops return ascending addresses.
func (s *blockStack) growArena(n int) {
	if n <= s.n {
		return
	}
	s.a.log.Debug("mempool: growing class",
		"class", s.index, "size", s.size, "len", s.n, "cap", len(s.ptrs), "want", n)

	chunk, num := s.a.allocateArray(n-s.n, s.size, s.index)
	if newLen := s.n + num; newLen > len(s.ptrs) {
		c := len(s.ptrs)
		if c == 0 {
			c = 1
		}
		for c < newLen {
			c <<= 1
		}
		s.growPointerArray(c)
	}
	id := s.arena.add(chunk)
	for i := num - 1; i >= 0; i-- {
		s.ptrs[s.n] = s.arena.block(id, i*s.size)
		s.n++
	}
	s.a.obs.OnGrowArena(s.index, num, s.n, len(s.ptrs))
}

// growPointerArray moves the live pointers to a pointer array of at least
// c slots. The old array is released unless it's in the reserve.
func (s *blockStack) growPointerArray(c int) {
	old := s.ptrs
	mem := s.a.mapRaw(c*unsafex.WordSize, s.index)
	// a reclaimed tail of the arena is not zeroed, and stores of pointers
	// must not find stale bytes in the slots
	clear(mem)
	s.ptrs = unsafex.Pointers(mem)
	copy(s.ptrs, old[:s.n])
	clear(old)
	s.a.releasePointers(old)
	s.a.obs.OnGrowPointers(s.index, len(old), len(s.ptrs))
}

// holds reports the position of addr in the live region, or -1.
func (s *blockStack) holds(addr uintptr) int {
	for i, p := range s.ptrs[:s.n] {
		if uintptr(p) == addr {
			return i
		}
	}
	return -1
}
