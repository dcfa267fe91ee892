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
	"strconv"

	"github.com/cloudwego/stackpool/unsafex"
)

// Plan is a parsed preallocation config.
type Plan struct {
	// Counts[0] is for class 1, class 0 is never configured.
	Counts []int

	// Watermarks of the raw arena, zero if not set.
	AllocLimit int
	FreeLimit  int
}

// ParsePlan parses a preallocation config:
//
//	config := counts [ ':' alloc_limit ',' free_limit ]
//	counts := int ( ',' int )*
//
// e.g. "768,768,0,1536,2085,0,0,0,121:268435456,274432"
//
// Parsing stops silently at the first malformed token,
// everything parsed before it is kept.
func ParsePlan(s string) Plan {
	var p Plan
	for {
		v, n := parseInt(s, true)
		if n == 0 {
			return p
		}
		p.Counts = append(p.Counts, v)
		s = s[n:]
		if s == "" {
			return p
		}
		sep := s[0]
		s = s[1:]
		if sep == ':' {
			break
		}
		if sep != ',' {
			return p
		}
	}
	v, n := parseInt(s, false)
	if n == 0 {
		return p
	}
	p.AllocLimit = v
	if s = s[n:]; s == "" || s[0] != ',' {
		return p
	}
	if v, n = parseInt(s[1:], false); n > 0 {
		p.FreeLimit = v
	}
	return p
}

// parseInt parses the leading integer of s, after optional spaces.
// It returns the value and the bytes consumed, 0 if there's no valid number.
func parseInt(s string, signed bool) (int, int) {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	start := i
	if signed && i < len(s) && (s[i] == '-' || s[i] == '+') {
		i++
	}
	digits := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == digits {
		return 0, 0
	}
	v, err := strconv.Atoi(s[start:i])
	if err != nil {
		return 0, 0
	}
	return v, i
}

// Preallocate parses cfg with ParsePlan and applies it.
//
// The watermarks are applied first. Then for each class from 1:
//   - N > 0: make sure the class has N free blocks.
//   - N < 0: squeeze |N| blocks, rounded down to even, pairwise into the
//     next class. See Squeeze.
//   - 0: nothing.
func (a *Allocator) Preallocate(cfg string) {
	a.Apply(ParsePlan(cfg))
}

// Apply applies a Plan. See Preallocate.
func (a *Allocator) Apply(p Plan) {
	a.mustOpen()
	if p.AllocLimit > 0 || p.FreeLimit > 0 {
		huge := a.arena.SetWatermarks(p.AllocLimit, p.FreeLimit)
		alloc, free := a.arena.Watermarks()
		a.log.Info("mempool: watermarks set", "alloc_limit", alloc, "free_limit", free, "huge_pages", huge)
	}
	for j, n := range p.Counts {
		i := j + 1
		if i >= a.classes.Len() {
			break
		}
		switch {
		case n > 0:
			a.stacks[i].growArena(n)
		case n < 0:
			a.Squeeze(i, -n)
		}
	}
}

// Squeeze pops n blocks of class i, rounded down to even, and pushes them
// pairwise as blocks of class i+1. It returns the number of pairs moved.
//
// The size of class i+1 must be twice the size of class i, or nothing is
// done. A pair is merged only if the two blocks are next to each other in
// the same chunk, squeezing stops at the first pair which is not.
func (a *Allocator) Squeeze(i, n int) int {
	a.mustOpen()
	if i <= 0 || !a.classes.CanSqueeze(i) {
		a.log.Warn("mempool: squeeze refused, next class is not twice as large", "class", i)
		return 0
	}
	n -= n & 1
	from, to := &a.stacks[i], &a.stacks[i+1]
	pairs := 0
	// moved blocks stay free, the Observer only sees OnSqueeze
	for ; n > 0; n -= 2 {
		first, second := from.take(), from.take()
		lo, hi := first, second
		if unsafex.AddrOf(lo) > unsafex.AddrOf(hi) {
			lo, hi = hi, lo
		}
		addr := unsafex.AddrOf(lo)
		if addr+uintptr(from.size) != unsafex.AddrOf(hi) || !a.owns(addr, to.size) {
			from.put(second)
			from.put(first)
			a.log.Warn("mempool: squeeze stopped, blocks are not in the same chunk",
				"class", i, "pairs", pairs)
			break
		}
		to.put(unsafex.BytesOf(unsafex.PointerOf(lo), to.size))
		pairs++
	}
	a.obs.OnSqueeze(i, pairs)
	return pairs
}
