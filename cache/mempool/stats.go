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
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/cloudwego/stackpool/unsafex/vmem"
)

// ClassStats ...
type ClassStats struct {
	Index  int
	Size   int
	Len    int // free blocks
	Cap    int // capacity of the pointer array
	Chunks int
	Bytes  int // bytes of all chunks
}

// Stats is a snapshot of an Allocator.
type Stats struct {
	Classes []ClassStats
	Arena   vmem.ArenaStats
}

// Stats returns a snapshot of the stacks and of the raw arena.
func (a *Allocator) Stats() Stats {
	a.mustOpen()
	st := Stats{Arena: a.arena.Stats()}
	st.Classes = append(st.Classes, ClassStats{
		Index:  0,
		Size:   a.small.size,
		Len:    a.small.n,
		Cap:    a.small.capacity(),
		Chunks: len(a.small.arena.chunks),
		Bytes:  a.small.arena.bytes,
	})
	for i := 1; i < len(a.stacks); i++ {
		s := &a.stacks[i]
		st.Classes = append(st.Classes, ClassStats{
			Index:  i,
			Size:   s.size,
			Len:    s.n,
			Cap:    len(s.ptrs),
			Chunks: len(s.arena.chunks),
			Bytes:  s.arena.bytes,
		})
	}
	return st
}

func (s Stats) String() string {
	b := &strings.Builder{}
	for _, c := range s.Classes {
		fmt.Fprintf(b, "stack[%d]: size = %4d len = %5d cap = %5d chunks = %3d bytes = %s\n",
			c.Index, c.Size, c.Len, c.Cap, c.Chunks, humanize.IBytes(uint64(c.Bytes)))
	}
	fmt.Fprintf(b, "arena: mapped = %s regions = %d direct = %d reclaimed = %s discarded = %s unmapped = %s retained = %s",
		humanize.IBytes(uint64(s.Arena.Mapped)), s.Arena.Regions, s.Arena.Direct,
		humanize.IBytes(uint64(s.Arena.Reclaimed)),
		humanize.IBytes(uint64(s.Arena.Discarded)),
		humanize.IBytes(uint64(s.Arena.Unmapped)),
		humanize.IBytes(uint64(s.Arena.Retained)))
	return b.String()
}
