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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/stackpool/cache/sizeclass"
	"github.com/cloudwego/stackpool/unsafex"
)

var pow2 = sizeclass.MustNew(8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096)

func TestParsePlan(t *testing.T) {
	tests := []struct {
		in   string
		want Plan
	}{
		{"", Plan{}},
		{"-", Plan{}},
		{"1,2,3", Plan{Counts: []int{1, 2, 3}}},
		{" 3, 4", Plan{Counts: []int{3, 4}}},
		{"0,0,-2", Plan{Counts: []int{0, 0, -2}}},
		{"+5", Plan{Counts: []int{5}}},
		{"1,2,x,4", Plan{Counts: []int{1, 2}}},
		{"1;2", Plan{Counts: []int{1}}},
		{"5,:7,8", Plan{Counts: []int{5}}},
		{"1,", Plan{Counts: []int{1}}},
		{"1,-2:100", Plan{Counts: []int{1, -2}, AllocLimit: 100}},
		{"1:x,2", Plan{Counts: []int{1}}},
		{"1:10,y", Plan{Counts: []int{1}, AllocLimit: 10}},
		{"1:-5,3", Plan{Counts: []int{1}}},
		{"1:10;3", Plan{Counts: []int{1}, AllocLimit: 10}},
		{
			"768,768,0,1536,2085,0,0,0,121:268435456,274432",
			Plan{
				Counts:     []int{768, 768, 0, 1536, 2085, 0, 0, 0, 121},
				AllocLimit: 268435456,
				FreeLimit:  274432,
			},
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParsePlan(tt.in), "%q", tt.in)
	}
}

func TestPreallocateGrow(t *testing.T) {
	a, _ := newTestAllocator(t, &Options{Preallocate: "0,100"})
	st := a.Stats().Classes
	assert.Equal(t, 32, st[1].Len)
	assert.GreaterOrEqual(t, st[2].Len, 100)
	assert.LessOrEqual(t, st[2].Len, st[2].Cap)

	// already satisfied
	before := a.Stats().Classes[2]
	a.Preallocate("0,50")
	assert.Equal(t, before, a.Stats().Classes[2])
}

func TestPreallocateWatermarks(t *testing.T) {
	a, _ := newTestAllocator(t, nil)
	a.Preallocate("0:131072,65536")
	alloc, free := a.arena.Watermarks()
	assert.Equal(t, 131072, alloc)
	assert.Equal(t, 65536, free)

	a.Allocate(100<<10, false)
	st := a.Stats().Arena
	assert.Equal(t, 0, st.Direct)
	assert.Equal(t, 1, st.Regions)

	// zero keeps the current value
	a.Preallocate("0:0,4096")
	alloc, free = a.arena.Watermarks()
	assert.Equal(t, 131072, alloc)
	assert.Equal(t, 4096, free)
}

func TestSqueeze(t *testing.T) {
	c := NewCounters()
	a, _ := newTestAllocator(t, &Options{Classes: pow2, Debug: true, Observer: c})
	lo := uintptr(a.stacks[3].ptrs[a.stacks[3].n-1])

	a.Preallocate("0,0,-2")
	st := a.Stats().Classes
	assert.Equal(t, 30, st[3].Len)
	assert.Equal(t, 33, st[4].Len)
	assert.Equal(t, 1, c.Class(3).Squeezed)
	// blocks moved by a squeeze are not checkouts
	assert.Equal(t, ClassCounters{Squeezed: 1}, c.Class(3))
	assert.Equal(t, ClassCounters{}, c.Class(4))

	// the merged block is on top
	b := a.Allocate(128, false)
	assert.Equal(t, lo, unsafex.AddrOf(b))
	assert.Equal(t, 128, cap(b))
	a.Free(b)
}

func TestSqueezeOdd(t *testing.T) {
	a, _ := newTestAllocator(t, nil)
	a.Preallocate("0,0,0,0,-5")
	st := a.Stats().Classes
	assert.Equal(t, 28, st[5].Len)
	assert.Equal(t, 34, st[6].Len)

	assert.Equal(t, 0, a.Squeeze(5, 1))
	assert.Equal(t, 28, a.Stats().Classes[5].Len)
}

func TestSqueezeRefused(t *testing.T) {
	a, _ := newTestAllocator(t, nil)

	// 56 * 2 != 128
	a.Preallocate("0,0,-2")
	assert.Equal(t, 32, a.Stats().Classes[3].Len)
	assert.Equal(t, 32, a.Stats().Classes[4].Len)

	assert.Equal(t, 0, a.Squeeze(9, 2))
	assert.Equal(t, 0, a.Squeeze(0, 2))
	assert.Equal(t, 32, a.Stats().Classes[9].Len)
}

func TestSqueezeNotAdjacent(t *testing.T) {
	a, _ := newTestAllocator(t, &Options{Classes: pow2, Debug: true})
	b0 := a.Allocate(128, false)
	a.Allocate(128, false)
	b2 := a.Allocate(128, false)
	a.Free(b2)
	a.Free(b0)

	require.Equal(t, 31, a.Stats().Classes[4].Len)
	assert.Equal(t, 0, a.Squeeze(4, 4))
	assert.Equal(t, 31, a.Stats().Classes[4].Len)
	assert.Equal(t, 32, a.Stats().Classes[5].Len)

	// the order is kept
	assert.Equal(t, unsafex.AddrOf(b0), unsafex.AddrOf(a.Allocate(128, false)))
	assert.Equal(t, unsafex.AddrOf(b2), unsafex.AddrOf(a.Allocate(128, false)))
}
