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

	"github.com/dustin/go-humanize"

	"github.com/cloudwego/stackpool/unsafex"
)

// OutOfMemoryError is the panic value when memory can't be mapped.
// The allocator has no way to go on without memory, so it never retries.
type OutOfMemoryError struct {
	Class int // -1 if the memory was not for a stack
	Size  int // bytes requested
	Len   int // free blocks of Class
	Cap   int // capacity of Class
	Err   error
}

func (e *OutOfMemoryError) Error() string {
	if e.Class < 0 {
		return fmt.Sprintf("mempool: out of memory mapping %s: %v", humanize.IBytes(uint64(e.Size)), e.Err)
	}
	return fmt.Sprintf("mempool: out of memory mapping %s for class %d (len=%d cap=%d): %v",
		humanize.IBytes(uint64(e.Size)), e.Class, e.Len, e.Cap, e.Err)
}

func (e *OutOfMemoryError) Unwrap() error {
	return e.Err
}

// InvariantViolation is the panic value when Debug is on and Free gets a
// block which can't be valid: wrong size, misaligned, unknown or already free.
type InvariantViolation struct {
	Class  int
	Addr   uintptr
	Reason string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("mempool: invariant violation on class %d, block %#x: %s", e.Class, e.Addr, e.Reason)
}

func (a *Allocator) outOfMemory(err error, class, size int) {
	e := &OutOfMemoryError{Class: class, Size: size, Err: err}
	switch {
	case class == 0:
		e.Len, e.Cap = a.small.n, a.small.capacity()
	case class > 0:
		e.Len, e.Cap = a.stacks[class].n, len(a.stacks[class].ptrs)
	}
	a.log.Error("mempool: out of memory",
		"class", e.Class, "size", e.Size, "len", e.Len, "cap", e.Cap, "error", err)
	panic(e)
}

// checkFree validates a block pushed back to s.
func (a *Allocator) checkFree(s *blockStack, b []byte, addr uintptr) {
	violation := func(reason string) {
		e := &InvariantViolation{Class: s.index, Addr: addr, Reason: reason}
		a.log.Error("mempool: invariant violation", "class", e.Class, "addr", e.Addr, "reason", e.Reason)
		panic(e)
	}
	if cap(b) != s.size {
		violation(fmt.Sprintf("block size %d, class size %d", cap(b), s.size))
	}
	if !unsafex.Aligned(addr) {
		violation("misaligned block")
	}
	if !a.owns(addr, s.size) {
		violation("block not allocated by this Allocator")
	}
	if class, i := a.find(addr); class >= 0 {
		violation(fmt.Sprintf("duplicate entry: already free in class %d at %d", class, i))
	}
}

// owns reports whether the n bytes at addr belong to a chunk of any class.
func (a *Allocator) owns(addr uintptr, n int) bool {
	if a.small.arena.owns(addr, n) {
		return true
	}
	for i := 1; i < len(a.stacks); i++ {
		if a.stacks[i].arena.owns(addr, n) {
			return true
		}
	}
	return false
}

// find returns the class and position of addr if it's a free block, or -1.
func (a *Allocator) find(addr uintptr) (class, pos int) {
	for i := 1; i < len(a.stacks); i++ {
		if pos = a.stacks[i].holds(addr); pos >= 0 {
			return i, pos
		}
	}
	return -1, -1
}

// Holds reports whether buf is currently free in one of the stacks.
// It scans every stack, use it for debugging only.
func (a *Allocator) Holds(buf []byte) bool {
	a.mustOpen()
	if cap(buf) == 0 {
		return false
	}
	class, _ := a.find(unsafex.AddrOf(buf))
	return class >= 0
}
