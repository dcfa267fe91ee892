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

// Package sizeclass implements the fixed table of block sizes used by the
// segregated pools in cache/mempool.
package sizeclass

import "fmt"

const (
	// Align is the granularity of every class size. Blocks are word aligned.
	Align = 8

	alignShift = 3

	// MaxClasses is the max number of classes a Table can hold.
	// Class indexes are stored as uint8 in the lookup table.
	MaxClasses = 255
)

// Default is the table used on 64-bit targets.
//
//	8   24   32   56  128  256  512  1024 2048 4096 -> size
//	0    1    2    3    4    5    6     7    8    9 -> index
var Default = MustNew(8, 24, 32, 56, 128, 256, 512, 1024, 2048, 4096)

// Table is an immutable ascending list of block sizes.
type Table struct {
	sizes []int

	// size2class maps (n+7)>>3 to the smallest class that fits n.
	// All sizes are multiples of Align, so rounding n up to Align never
	// changes the class it belongs to.
	size2class []uint8
}

// New creates a Table.
// sizes must be strictly ascending, positive and multiples of Align.
func New(sizes ...int) (*Table, error) {
	if len(sizes) == 0 {
		return nil, fmt.Errorf("sizeclass: empty table")
	}
	if len(sizes) > MaxClasses {
		return nil, fmt.Errorf("sizeclass: too many classes, got %d, max %d", len(sizes), MaxClasses)
	}
	for i, sz := range sizes {
		if sz <= 0 || sz%Align != 0 {
			return nil, fmt.Errorf("sizeclass: size must be a positive multiple of %d, got %d", Align, sz)
		}
		if i > 0 && sz <= sizes[i-1] {
			return nil, fmt.Errorf("sizeclass: sizes must be strictly ascending, %d follows %d", sz, sizes[i-1])
		}
	}
	t := &Table{sizes: append([]int(nil), sizes...)}
	max := sizes[len(sizes)-1]
	t.size2class = make([]uint8, max>>alignShift+1)
	i := 0
	for slot := range t.size2class {
		for sizes[i] < slot<<alignShift {
			i++
		}
		t.size2class[slot] = uint8(i)
	}
	return t, nil
}

// MustNew is like New but panics on error.
func MustNew(sizes ...int) *Table {
	t, err := New(sizes...)
	if err != nil {
		panic(err)
	}
	return t
}

// ClassOf returns the index of the smallest class whose size is >= n.
//
// It's a single table lookup. A binary search over sizes is slower for the
// small sizes which dominate real traffic, so it's only used in tests.
// The result is undefined for n > Max(), check Oversized first.
func (t *Table) ClassOf(n int) int {
	return int(t.size2class[(n+Align-1)>>alignShift])
}

// classOfSearch is the binary search version of ClassOf.
func (t *Table) classOfSearch(n int) int {
	lo, hi := -1, len(t.sizes)
	for hi-lo > 1 {
		probe := (lo + hi) >> 1
		if t.sizes[probe] >= n {
			hi = probe
		} else {
			lo = probe
		}
	}
	return hi
}

// SizeOf returns the block size of class i.
func (t *Table) SizeOf(i int) int {
	return t.sizes[i]
}

// Len returns the number of classes.
func (t *Table) Len() int {
	return len(t.sizes)
}

// Max returns the size of the largest class.
func (t *Table) Max() int {
	return t.sizes[len(t.sizes)-1]
}

// Oversized reports whether n can't be served by any class.
func (t *Table) Oversized(n int) bool {
	return n > t.Max()
}

// CanSqueeze reports whether two blocks of class i can be merged into one
// block of class i+1.
func (t *Table) CanSqueeze(i int) bool {
	return i >= 0 && i+1 < len(t.sizes) && t.sizes[i]*2 == t.sizes[i+1]
}

// Sizes returns a copy of the sizes.
func (t *Table) Sizes() []int {
	return append([]int(nil), t.sizes...)
}
