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
	"fmt"
	"unsafe"

	"github.com/cloudwego/stackpool/unsafex"
)

// initReserve carves n blocks for each class, and 2*n pointer slots for
// each class > 0, out of one mapping of the Provider, so an Allocator serves
// its first requests without growing.
//
// The layout of the reserve:
//
//	| class 0 slots | class 1 blocks | class 1 ptrs | class 2 blocks | ...
//	   n * size0       n * size1        2n words
func (a *Allocator) initReserve(n int) error {
	k := a.classes.Len()
	total := n * a.classes.SizeOf(0)
	for i := 1; i < k; i++ {
		total += n*a.classes.SizeOf(i) + 2*n*unsafex.WordSize
	}
	mem, err := a.arena.Provider().Map(total)
	if err != nil {
		return fmt.Errorf("mempool: map reserve of %d bytes: %w", total, err)
	}
	a.reserve = mem

	off := 0
	carve := func(sz int) []byte {
		b := mem[off : off+sz : off+sz]
		off += sz
		return b
	}

	a.small = inlineStack{a: a, size: a.classes.SizeOf(0)}
	a.small.slots = carve(n * a.small.size)
	a.small.n = n
	a.small.arena.add(a.small.slots)

	a.stacks = make([]blockStack, k)
	for i := 1; i < k; i++ {
		s := &a.stacks[i]
		s.a, s.index, s.size = a, i, a.classes.SizeOf(i)
		blocks := carve(n * s.size)
		s.ptrs = unsafex.Pointers(carve(2 * n * unsafex.WordSize))
		id := s.arena.add(blocks)
		for j := n - 1; j >= 0; j-- {
			s.ptrs[s.n] = s.arena.block(id, j*s.size)
			s.n++
		}
	}
	return nil
}

// inReserve reports whether the n bytes at addr are in the reserve.
func (a *Allocator) inReserve(addr uintptr, n int) bool {
	return unsafex.Contains(a.reserve, addr, n)
}

// releasePointers releases a pointer array unless it's in the reserve.
func (a *Allocator) releasePointers(p []unsafe.Pointer) {
	b := unsafex.PointersBytes(p)
	if len(b) == 0 || a.inReserve(unsafex.AddrOf(b), len(b)) {
		return
	}
	a.Deallocate(b)
}
