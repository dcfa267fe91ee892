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
	"errors"

	"github.com/cloudwego/stackpool/unsafex"
)

// DefaultAllocLimit is the default size of the regions an Arena bump
// allocates from. Requests of this size or more are mapped directly.
const DefaultAllocLimit = 4 << 20

// span is a region handed out by an Arena. n == 0 means none.
type span struct {
	addr uintptr
	n    int
}

// ArenaStats ...
type ArenaStats struct {
	Mapped    int // bytes obtained from the Provider
	Regions   int // bump regions mapped
	Direct    int // live direct mappings
	Reclaimed int // bytes given back to the bump cursor
	Discarded int // bytes released by Provider.Discard
	Unmapped  int // bytes released by Provider.Unmap
	Retained  int // bytes kept mapped on release, see Arena.Release
}

// Arena is a bump allocator on top of a Provider.
//
// Map carves page-rounded regions out of AllocLimit sized mappings.
// Release of the region returned by the latest Map just moves the cursor
// back. Other regions are discarded, or unmapped when the region is at
// least FreeLimit bytes. With huge pages only whole direct mappings are
// unmapped.
//
// Arena is not safe for concurrent use.
type Arena struct {
	p        Provider
	pageSize int

	allocLimit int
	freeLimit  int

	region []byte // current bump region
	off    int    // bump cursor in region
	last   span

	regions [][]byte
	direct  map[uintptr][]byte

	stats ArenaStats
}

// NewArena creates an Arena with DefaultAllocLimit and no free limit.
func NewArena(p Provider) *Arena {
	return &Arena{
		p:          p,
		pageSize:   p.PageSize(),
		allocLimit: roundUp(DefaultAllocLimit, p.PageSize()),
		direct:     make(map[uintptr][]byte),
	}
}

// Provider returns the underlying Provider.
func (a *Arena) Provider() Provider {
	return a.p
}

// PageSize returns the page size of the underlying Provider.
func (a *Arena) PageSize() int {
	return a.pageSize
}

// SetWatermarks sets the alloc and free limits. Zero keeps the current value.
//
// A free limit of HugePageSize also asks the Provider to turn huge pages on,
// the returned bool reports whether they are in use.
func (a *Arena) SetWatermarks(allocLimit, freeLimit int) bool {
	if allocLimit > 0 {
		a.allocLimit = roundUp(allocLimit, a.pageSize)
	}
	if freeLimit > 0 {
		a.freeLimit = freeLimit
		if freeLimit == HugePageSize {
			if hp, ok := a.p.(HugePager); ok {
				hp.EnableHugePages()
			}
		}
	}
	return a.HugePages()
}

// Watermarks returns the alloc and free limits.
func (a *Arena) Watermarks() (allocLimit, freeLimit int) {
	return a.allocLimit, a.freeLimit
}

// HugePages reports whether the Provider is using huge pages.
func (a *Arena) HugePages() bool {
	hp, ok := a.p.(HugePager)
	return ok && hp.HugePages()
}

// Map returns a region of at least size bytes, rounded up to the page size.
// Unlike Provider.Map, a region reusing a reclaimed tail is not zeroed.
func (a *Arena) Map(size int) ([]byte, error) {
	n, err := mapSize(size, a.pageSize)
	if err != nil {
		return nil, err
	}
	if n >= a.allocLimit {
		b, err := a.p.Map(n)
		if err != nil {
			return nil, err
		}
		a.direct[unsafex.AddrOf(b)] = b
		a.stats.Mapped += len(b)
		a.stats.Direct++
		return b, nil
	}
	if len(a.region)-a.off < n {
		r, err := a.p.Map(a.allocLimit)
		if err != nil {
			return nil, err
		}
		// the tail of the previous region is abandoned
		a.regions = append(a.regions, r)
		a.region, a.off = r, 0
		a.last = span{}
		a.stats.Mapped += len(r)
		a.stats.Regions++
	}
	b := a.region[a.off : a.off+n : a.off+n]
	a.off += n
	a.last = span{addr: unsafex.AddrOf(b), n: n}
	return b, nil
}

// IsLast reports whether b is the region returned by the latest Map.
func (a *Arena) IsLast(b []byte) bool {
	return a.last.n != 0 && a.last.n == len(b) && a.last.addr == unsafex.AddrOf(b)
}

// Release gives b back. b must be a whole region returned by Map.
//
// With huge pages on, a region carved out of a bump mapping is kept as is:
// munmap and madvise of a MAP_HUGETLB mapping fail unless the range is
// aligned to HugePageSize, so it's only counted in Retained. Its space is
// given back by Close.
func (a *Arena) Release(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if a.IsLast(b) {
		a.off -= len(b)
		a.last = span{}
		a.stats.Reclaimed += len(b)
		return nil
	}
	addr := unsafex.AddrOf(b)
	d, direct := a.direct[addr]
	direct = direct && len(d) == len(b)
	huge := a.HugePages()
	if huge && !direct {
		a.stats.Retained += len(b)
		return nil
	}
	if huge || (a.freeLimit > 0 && len(b) >= a.freeLimit) {
		if err := a.p.Unmap(b); err != nil {
			return err
		}
		if direct {
			delete(a.direct, addr)
			a.stats.Direct--
		}
		a.stats.Unmapped += len(b)
		return nil
	}
	if err := a.p.Discard(b); err != nil {
		return err
	}
	a.stats.Discarded += len(b)
	return nil
}

// Stats returns the counters of the Arena.
func (a *Arena) Stats() ArenaStats {
	return a.stats
}

// Close unmaps every region mapped by the Arena.
// The Arena can be used again afterwards.
func (a *Arena) Close() error {
	var errs []error
	for _, r := range a.regions {
		if err := a.p.Unmap(r); err != nil {
			errs = append(errs, err)
		}
	}
	for _, d := range a.direct {
		if err := a.p.Unmap(d); err != nil {
			errs = append(errs, err)
		}
	}
	a.regions = nil
	a.direct = make(map[uintptr][]byte)
	a.region, a.off = nil, 0
	a.last = span{}
	a.stats = ArenaStats{}
	return errors.Join(errs...)
}
