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

package vmem

import (
	"fmt"

	"github.com/bytedance/gopkg/lang/dirtmake"
	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/google/btree"

	"github.com/cloudwego/stackpool/unsafex"
)

// maxCachedRegion is the max region size served by mcache.
// mcache rounds up to a power of two, which wastes too much above this size.
const maxCachedRegion = 1 << 20

type heapRegion struct {
	base uintptr
	buf  []byte
	raw  []byte // from mcache, nil if buf is made by dirtmake
	live int
}

func heapRegionLess(a, b *heapRegion) bool {
	return a.base < b.base
}

// HeapProvider is a Provider backed by the Go heap.
//
// It's used where mmap is unavailable and by tests. Regions are indexed by
// base address so that sub-slices can be unmapped. A partially unmapped
// region only stops counting toward Limit, its buffer is given back to the
// Go runtime when the whole region is unmapped.
type HeapProvider struct {
	// Limit caps the total bytes mapped. Zero means no limit.
	Limit int

	pageSize int
	mapped   int
	regions  *btree.BTreeG[*heapRegion]
}

// NewHeapProvider creates a HeapProvider. pageSize must be a power of two,
// DefaultPageSize is used if it's <= 0.
func NewHeapProvider(pageSize int) *HeapProvider {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize&(pageSize-1) != 0 {
		panic(fmt.Sprintf("vmem: page size must be a power of two, got %d", pageSize))
	}
	return &HeapProvider{
		pageSize: pageSize,
		regions:  btree.NewG(8, heapRegionLess),
	}
}

// PageSize implements Provider.
func (p *HeapProvider) PageSize() int {
	return p.pageSize
}

// Map implements Provider.
func (p *HeapProvider) Map(size int) ([]byte, error) {
	n, err := mapSize(size, p.pageSize)
	if err != nil {
		return nil, err
	}
	if p.Limit > 0 && p.mapped+n > p.Limit {
		return nil, fmt.Errorf("%w: %d bytes mapped, %d requested, limit %d", ErrNoMemory, p.mapped, n, p.Limit)
	}
	r := &heapRegion{live: n}
	if n <= maxCachedRegion {
		r.raw = mcache.Malloc(n)
		r.buf = r.raw[:n:n]
	} else {
		r.buf = dirtmake.Bytes(n, n)
	}
	clear(r.buf)
	r.base = unsafex.AddrOf(r.buf)
	p.regions.ReplaceOrInsert(r)
	p.mapped += n
	return r.buf, nil
}

// Unmap implements Provider.
func (p *HeapProvider) Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	r := p.find(b)
	if r == nil {
		return fmt.Errorf("vmem: unmap of unknown region %#x+%d", unsafex.AddrOf(b), len(b))
	}
	clear(b)
	if unsafex.AddrOf(b) == r.base && len(b) == len(r.buf) {
		p.regions.Delete(r)
		p.mapped -= r.live
		if r.raw != nil {
			mcache.Free(r.raw)
		}
		return nil
	}
	// partial unmap: the buffer is kept until the whole region is unmapped
	n := min(len(b), r.live)
	r.live -= n
	p.mapped -= n
	return nil
}

// Discard implements Provider.
func (p *HeapProvider) Discard(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if p.find(b) == nil {
		return fmt.Errorf("vmem: discard of unknown region %#x+%d", unsafex.AddrOf(b), len(b))
	}
	clear(b)
	return nil
}

// Mapped returns the bytes currently mapped.
func (p *HeapProvider) Mapped() int {
	return p.mapped
}

// Regions returns the number of live regions.
func (p *HeapProvider) Regions() int {
	return p.regions.Len()
}

// find returns the region which contains b, or nil.
func (p *HeapProvider) find(b []byte) *heapRegion {
	addr := unsafex.AddrOf(b)
	var r *heapRegion
	p.regions.DescendLessOrEqual(&heapRegion{base: addr}, func(x *heapRegion) bool {
		r = x
		return false
	})
	if r == nil || !unsafex.Contains(r.buf, addr, len(b)) {
		return nil
	}
	return r
}
