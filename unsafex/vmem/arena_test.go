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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/stackpool/unsafex"
)

type hugeHeapProvider struct {
	*HeapProvider
	huge bool
}

func (p *hugeHeapProvider) EnableHugePages() bool {
	p.huge = true
	return true
}

func (p *hugeHeapProvider) HugePages() bool {
	return p.huge
}

func newTestArena(t *testing.T) (*Arena, *HeapProvider) {
	p := NewHeapProvider(1024)
	a := NewArena(p)
	a.SetWatermarks(16<<10, 0)
	t.Cleanup(func() { _ = a.Close() })
	return a, p
}

func TestArenaBump(t *testing.T) {
	a, p := newTestArena(t)

	b1, err := a.Map(100)
	require.NoError(t, err)
	require.Equal(t, 1024, len(b1))
	b2, err := a.Map(2048)
	require.NoError(t, err)
	require.Equal(t, 2048, len(b2))
	assert.Equal(t, unsafex.AddrOf(b1)+1024, unsafex.AddrOf(b2))
	assert.Equal(t, 1, p.Regions())
	assert.Equal(t, 16<<10, a.Stats().Mapped)

	// doesn't fit, a new region is mapped
	b3, err := a.Map(14 << 10)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Regions())
	assert.Equal(t, 2, a.Stats().Regions)
	assert.True(t, a.IsLast(b3))
}

func TestArenaLastRegionFastPath(t *testing.T) {
	a, _ := newTestArena(t)

	b1, err := a.Map(1024)
	require.NoError(t, err)
	b2, err := a.Map(1024)
	require.NoError(t, err)
	require.True(t, a.IsLast(b2))
	require.False(t, a.IsLast(b1))

	require.NoError(t, a.Release(b2))
	assert.Equal(t, 1024, a.Stats().Reclaimed)

	// the tail is handed out again
	b3, err := a.Map(1000)
	require.NoError(t, err)
	assert.Equal(t, unsafex.AddrOf(b2), unsafex.AddrOf(b3))

	// the bookmark is a single region: b1 is not the last one
	require.NoError(t, a.Release(b3))
	require.NoError(t, a.Release(b1))
	assert.Equal(t, 2048, a.Stats().Reclaimed)
	assert.Equal(t, 1024, a.Stats().Discarded)
}

func TestArenaDiscardOrUnmap(t *testing.T) {
	a, p := newTestArena(t)
	a.SetWatermarks(0, 2048)
	alloc, free := a.Watermarks()
	assert.Equal(t, 16<<10, alloc)
	assert.Equal(t, 2048, free)

	small, err := a.Map(1024)
	require.NoError(t, err)
	big, err := a.Map(2048)
	require.NoError(t, err)
	_, err = a.Map(1024)
	require.NoError(t, err)

	small[0] = 1
	require.NoError(t, a.Release(small))
	assert.Zero(t, small[0])
	assert.Equal(t, 1024, a.Stats().Discarded)

	before := p.Mapped()
	require.NoError(t, a.Release(big))
	assert.Equal(t, 2048, a.Stats().Unmapped)
	assert.Equal(t, before-2048, p.Mapped())
}

func TestArenaDirect(t *testing.T) {
	a, p := newTestArena(t)
	a.SetWatermarks(0, 32<<10)

	b, err := a.Map(20 << 10)
	require.NoError(t, err)
	assert.Equal(t, 20<<10, len(b))
	assert.Equal(t, 1, a.Stats().Direct)
	assert.Equal(t, 0, a.Stats().Regions)

	// under the free limit: discarded but still mapped
	require.NoError(t, a.Release(b))
	assert.Equal(t, 1, a.Stats().Direct)
	assert.Equal(t, 1, p.Regions())

	b, err = a.Map(40 << 10)
	require.NoError(t, err)
	require.NoError(t, a.Release(b))
	assert.Equal(t, 1, a.Stats().Direct)
	assert.Equal(t, 40<<10, a.Stats().Unmapped)
}

func TestArenaHugePages(t *testing.T) {
	p := &hugeHeapProvider{HeapProvider: NewHeapProvider(1024)}
	a := NewArena(p)
	defer a.Close()
	assert.False(t, a.HugePages())
	assert.True(t, a.SetWatermarks(16<<10, HugePageSize))

	_, err := a.Map(1024)
	require.NoError(t, err)
	b, err := a.Map(1024)
	require.NoError(t, err)
	_, err = a.Map(1024)
	require.NoError(t, err)

	// a sub-range of a bump region is neither discarded nor unmapped
	mapped := p.Mapped()
	require.NoError(t, a.Release(b))
	st := a.Stats()
	assert.Equal(t, 0, st.Discarded)
	assert.Equal(t, 0, st.Unmapped)
	assert.Equal(t, 1024, st.Retained)
	assert.Equal(t, mapped, p.Mapped())

	// whole direct mappings are unmapped
	d, err := a.Map(32 << 10)
	require.NoError(t, err)
	_, err = a.Map(1024)
	require.NoError(t, err)
	require.Equal(t, 1, a.Stats().Direct)
	require.NoError(t, a.Release(d))
	st = a.Stats()
	assert.Equal(t, 0, st.Direct)
	assert.Equal(t, 32<<10, st.Unmapped)
	assert.Equal(t, mapped, p.Mapped())
}

func TestArenaClose(t *testing.T) {
	p := NewHeapProvider(1024)
	a := NewArena(p)
	a.SetWatermarks(8<<10, 0)
	_, err := a.Map(1024)
	require.NoError(t, err)
	_, err = a.Map(64 << 10)
	require.NoError(t, err)
	require.Equal(t, 2, p.Regions())

	require.NoError(t, a.Close())
	assert.Equal(t, 0, p.Regions())
	assert.Equal(t, 0, p.Mapped())
	assert.Equal(t, ArenaStats{}, a.Stats())

	_, err = a.Map(1)
	assert.NoError(t, err)
	assert.NoError(t, a.Close())
}

func TestArenaMapError(t *testing.T) {
	p := NewHeapProvider(1024)
	p.Limit = 4096
	a := NewArena(p)
	a.SetWatermarks(8<<10, 0)
	_, err := a.Map(1)
	assert.ErrorIs(t, err, ErrNoMemory)
	_, err = a.Map(16 << 10)
	assert.ErrorIs(t, err, ErrNoMemory)
	_, err = a.Map(-1)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoMemory)
}

func TestArenaMapTooLarge(t *testing.T) {
	a, p := newTestArena(t)
	for _, n := range []int{math.MaxInt, math.MaxInt - 1023} {
		_, err := a.Map(n)
		assert.ErrorIs(t, err, ErrNoMemory, "n=%d", n)
	}
	assert.Equal(t, 0, p.Regions())
}
