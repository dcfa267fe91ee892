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

// inlineStack is the free block stack of class 0.
//
// Its slots are the blocks: pop hands out the slot itself. Blocks are never
// pushed back, so when the stack is empty every slot is checked out and
// the stack moves to new slots, leaving the old ones to their owners.
type inlineStack struct {
	a    *Allocator
	size int

	// n is the number of free slots, slots[:n*size] are free.
	n     int
	slots []byte

	arena blockArena
}

func (s *inlineStack) capacity() int {
	return len(s.slots) / s.size
}

func (s *inlineStack) pop() []byte {
	if s.n == 0 {
		s.growArena(s.capacity())
	}
	s.n--
	off := s.n * s.size
	s.a.obs.OnPop(0)
	return s.slots[off : off+s.size : off+s.size]
}

// growArena maps new slots for at least n blocks. It's called only when
// every slot is checked out.
func (s *inlineStack) growArena(n int) {
	if n == 0 {
		n = 1
	}
	s.a.log.Debug("mempool: growing class", "class", 0, "size", s.size, "cap", s.capacity(), "want", n)
	mem := s.a.mapRaw(n*s.size, 0)
	c := len(mem) / s.size
	s.slots = mem[: c*s.size : c*s.size]
	s.n = c
	s.arena.add(s.slots)
	s.a.obs.OnGrowArena(0, c, s.n, c)
}
