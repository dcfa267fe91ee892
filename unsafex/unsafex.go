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

// Package unsafex provides the conversions between raw memory and slices
// used at the boundary of the pooling allocator.
//
// Blocks are kept as unsafe.Pointer, never as uintptr, so that memory from
// the Go heap stays valid for the checkptr instrumentation of -race builds.
// A uintptr from AddrOf is only used for comparisons and never turned back
// into a pointer.
//
// The memory behind a pointer must be kept alive by other means: a mapping
// owned by unsafex/vmem, or a Go buffer referenced by its provider.
package unsafex

import "unsafe"

// WordSize is the size of a pointer.
const WordSize = int(unsafe.Sizeof(uintptr(0)))

// AddrOf returns the address of the first byte of b.
// It's valid for zero-length slices with non-zero cap.
func AddrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// PointerOf returns the pointer to the first byte of b[:cap(b)].
func PointerOf(b []byte) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(b))
}

// BytesOf returns a slice of n bytes starting at p, with cap == n.
// The n bytes must lie in one allocation.
func BytesOf(p unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(p), n)
}

// Pointers views b as a slice of unsafe.Pointer. Trailing bytes which can't
// hold a whole pointer are ignored. b must be word aligned.
func Pointers(b []byte) []unsafe.Pointer {
	n := cap(b) / WordSize
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*unsafe.Pointer)(PointerOf(b)), n)
}

// PointersBytes views p as bytes.
func PointersBytes(p []unsafe.Pointer) []byte {
	if cap(p) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(p))), cap(p)*WordSize)
}

// Contains reports whether the n bytes at addr lie inside b[:cap(b)].
func Contains(b []byte, addr uintptr, n int) bool {
	base := AddrOf(b)
	return cap(b) > 0 && addr >= base && addr+uintptr(n) <= base+uintptr(cap(b))
}

// Aligned reports whether addr is word aligned.
func Aligned(addr uintptr) bool {
	return addr&uintptr(WordSize-1) == 0
}
