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

// Package mempool is a segregated size-class pooling allocator.
//
// Small sizes are rounded up to a class of sizeclass.Table and served from a
// per-class LIFO stack of free blocks, which is refilled in bulk from
// unsafex/vmem when it runs out. Larger sizes are mapped directly.
//
// An Allocator is NOT safe for concurrent use. Use one Allocator per
// goroutine or worker, or guard it with your own lock.
//
// Tips for usage:
//   - the buf returned by Allocate has len == cap == the size granted, which
//     may be larger than the size asked for.
//   - Free uses cap(buf) to find the class, DO NOT reslice the cap.
//   - DO NOT use buf after Free, and DO NOT Free a buf twice.
package mempool

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/cloudwego/stackpool/cache/sizeclass"
	"github.com/cloudwego/stackpool/unsafex/vmem"
)

const defaultReservePerClass = 32

// Options ...
type Options struct {
	// Classes is the size class table. sizeclass.Default if nil.
	Classes *sizeclass.Table

	// Provider maps raw memory. vmem.Default() if nil.
	Provider vmem.Provider

	// ReservePerClass is the number of blocks of each class mapped at
	// construction. The pointer array of each class starts with twice
	// as many slots. 32 if zero.
	ReservePerClass int

	// AllocLimit and FreeLimit are the watermarks of the raw arena.
	// See vmem.Arena for details. Zero keeps the defaults.
	AllocLimit int
	FreeLimit  int

	// Preallocate is a plan applied by New. See Allocator.Preallocate.
	Preallocate string

	// Debug turns on the invariant checks of Free:
	// size of the block, alignment and double free.
	// Freed blocks are also zeroed to make use-after-free show up.
	Debug bool

	// Observer is notified of stack operations. Optional.
	Observer Observer

	// Logger is slog.Default() if nil.
	Logger *slog.Logger
}

// DefaultOptions returns the default values of Options.
func DefaultOptions() *Options {
	return &Options{
		Classes:         sizeclass.Default,
		ReservePerClass: defaultReservePerClass,
		AllocLimit:      vmem.DefaultAllocLimit,
	}
}

// Allocator is a pooling allocator. See package doc for details.
type Allocator struct {
	classes *sizeclass.Table
	arena   *vmem.Arena

	// small serves class 0, its slots are the blocks.
	small inlineStack

	// stacks[i] serves class i for i > 0. stacks[0] is unused.
	stacks []blockStack

	reserve []byte

	debug  bool
	obs    Observer
	log    *slog.Logger
	closed bool
}

// New creates an Allocator. A nil o is the same as DefaultOptions().
func New(o *Options) (*Allocator, error) {
	if o == nil {
		o = DefaultOptions()
	}
	if o.ReservePerClass < 0 {
		return nil, fmt.Errorf("mempool: ReservePerClass must be >= 0, got %d", o.ReservePerClass)
	}
	if o.AllocLimit < 0 || o.FreeLimit < 0 {
		return nil, fmt.Errorf("mempool: watermarks must be >= 0, got %d,%d", o.AllocLimit, o.FreeLimit)
	}
	a := &Allocator{
		classes: o.Classes,
		debug:   o.Debug,
		obs:     o.Observer,
		log:     o.Logger,
	}
	if a.classes == nil {
		a.classes = sizeclass.Default
	}
	if a.classes.Len() < 2 {
		return nil, fmt.Errorf("mempool: at least 2 size classes are required, got %d", a.classes.Len())
	}
	if a.obs == nil {
		a.obs = nopObserver{}
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	p := o.Provider
	if p == nil {
		p = vmem.Default()
	}
	a.arena = vmem.NewArena(p)
	a.arena.SetWatermarks(o.AllocLimit, o.FreeLimit)

	n := o.ReservePerClass
	if n == 0 {
		n = defaultReservePerClass
	}
	if err := a.initReserve(n); err != nil {
		return nil, err
	}

	if o.Preallocate != "" {
		a.Preallocate(o.Preallocate)
	}
	return a, nil
}

// Classes returns the size class table.
func (a *Allocator) Classes() *sizeclass.Table {
	return a.classes
}

// Allocate returns a buf of at least n bytes.
//
// Sizes up to Classes().Max() are rounded up to their class and popped from
// the class stack. Larger sizes are mapped directly and rounded up to the
// page size. len(buf) == cap(buf) == the size granted, pass it to Free as is.
//
// The buf is not zeroed unless zero is true.
// It panics with *OutOfMemoryError if memory can't be mapped.
func (a *Allocator) Allocate(n int, zero bool) []byte {
	a.mustOpen()
	if n <= 0 {
		if n < 0 {
			panic(fmt.Sprintf("mempool: negative size %d", n))
		}
		return []byte{}
	}
	var b []byte
	if a.classes.Oversized(n) {
		b = a.mapRaw(n, -1)
	} else {
		b = a.pop(a.classes.ClassOf(n))
	}
	if zero {
		clear(b)
	}
	return b
}

// AllocateArray allocates room for at least num elements of elemSize bytes.
// It returns the buf and the number of elements which fit in it, which is
// >= num since the size granted is rounded up.
func (a *Allocator) AllocateArray(num, elemSize int, zero bool) ([]byte, int) {
	a.mustOpen()
	if num <= 0 || elemSize <= 0 {
		panic(fmt.Sprintf("mempool: invalid array %d*%d", num, elemSize))
	}
	b, n := a.allocateArray(num, elemSize, -1)
	if zero {
		clear(b)
	}
	return b, n
}

// allocateArray is the bulk allocation used to refill stacks.
// Class from is never popped, so a stack doesn't refill itself.
func (a *Allocator) allocateArray(num, elemSize, from int) ([]byte, int) {
	if num > math.MaxInt/elemSize {
		a.outOfMemory(fmt.Errorf("%w: %d elements of %d bytes overflow int", vmem.ErrNoMemory, num, elemSize),
			from, math.MaxInt)
	}
	length := num * elemSize
	if !a.classes.Oversized(length) {
		if i := a.classes.ClassOf(length); i != from {
			b := a.pop(i)
			return b, len(b) / elemSize
		}
	}
	b := a.mapRaw(length, from)
	return b, len(b) / elemSize
}

// Free gives back a buf returned by Allocate.
//
// The class is found by cap(buf). Blocks of class 0 are not pushed back:
// their stack only refills by mapping new slots.
func (a *Allocator) Free(buf []byte) {
	a.mustOpen()
	c := cap(buf)
	if c == 0 {
		return
	}
	buf = buf[:c]
	if a.classes.Oversized(c) {
		a.Deallocate(buf)
		return
	}
	if i := a.classes.ClassOf(c); i > 0 {
		a.stacks[i].push(buf)
	}
}

// Deallocate gives raw memory back to the arena, bypassing the stacks.
//
// If buf is the latest region handed out by the arena, the space is reused
// in place. Otherwise it's discarded or unmapped, see vmem.Arena.Release.
func (a *Allocator) Deallocate(buf []byte) {
	a.mustOpen()
	buf = buf[:cap(buf)]
	if err := a.arena.Release(buf); err != nil {
		a.log.Warn("mempool: deallocate failed", "size", len(buf), "error", err)
	}
}

// Grow makes sure class i has at least n free blocks.
// Class 0 can't be grown explicitly.
func (a *Allocator) Grow(i, n int) {
	a.mustOpen()
	if i <= 0 || i >= a.classes.Len() {
		panic(fmt.Sprintf("mempool: class %d can't be grown", i))
	}
	a.stacks[i].growArena(n)
}

// Close unmaps all the memory of the Allocator.
// Bufs returned by Allocate MUST NOT be used afterwards.
func (a *Allocator) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	err := errors.Join(a.arena.Close(), a.arena.Provider().Unmap(a.reserve))
	a.small = inlineStack{}
	a.stacks = nil
	a.reserve = nil
	return err
}

func (a *Allocator) pop(i int) []byte {
	if i == 0 {
		return a.small.pop()
	}
	return a.stacks[i].pop()
}

// mapRaw maps size bytes from the arena on behalf of class.
// class is -1 for allocations which don't belong to a stack.
func (a *Allocator) mapRaw(size, class int) []byte {
	b, err := a.arena.Map(size)
	if err != nil {
		a.outOfMemory(err, class, size)
	}
	return b
}

func (a *Allocator) mustOpen() {
	if a.closed {
		panic("mempool: use of closed Allocator")
	}
}
