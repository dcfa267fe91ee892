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

// Package vmem is the virtual memory layer beneath cache/mempool.
//
// A Provider hands out zeroed, page-rounded regions and takes them back
// either by unmapping or by discarding their contents. An Arena bump
// allocates small regions out of large mappings and keeps a bookmark of the
// last region so that allocate-then-free of the tail costs nothing.
package vmem

import (
	"errors"
	"fmt"
	"math"
)

const (
	// DefaultPageSize is used by providers which can't ask the OS.
	DefaultPageSize = 4 << 10

	// HugePageSize is the size of a transparent/explicit huge page.
	// Setting the free watermark of an Arena to this value turns huge pages on.
	HugePageSize = 2 << 20
)

// ErrNoMemory is returned when a Provider can't satisfy a mapping request.
var ErrNoMemory = errors.New("vmem: cannot allocate memory")

// Provider maps and releases regions of memory.
type Provider interface {
	// PageSize returns the granularity of Map.
	PageSize() int

	// Map returns a zeroed region of at least size bytes.
	// len of the returned slice is the size actually granted.
	Map(size int) ([]byte, error)

	// Unmap returns the region to the OS.
	// b may be a page aligned sub-slice of a region returned by Map.
	Unmap(b []byte) error

	// Discard tells the OS the contents of b are no longer needed.
	// The mapping stays valid and reads as zero afterwards.
	Discard(b []byte) error
}

// HugePager is implemented by providers able to back mappings with huge pages.
type HugePager interface {
	// EnableHugePages turns huge pages on and reports whether they are usable.
	EnableHugePages() bool

	// HugePages reports whether huge pages are in use.
	HugePages() bool
}

// mapSize returns size rounded up to align. align must be a power of two.
func mapSize(size, align int) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("vmem: invalid map size %d", size)
	}
	if size > math.MaxInt-(align-1) {
		return 0, fmt.Errorf("%w: %d bytes can't be rounded to %d", ErrNoMemory, size, align)
	}
	return roundUp(size, align), nil
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
