//go:build linux

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
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cloudwego/stackpool/unsafex"
)

const nrHugePagesPath = "/proc/sys/vm/nr_hugepages"

// MmapProvider maps anonymous private memory.
type MmapProvider struct {
	pageSize int
	huge     bool
}

// NewMmapProvider creates a MmapProvider.
func NewMmapProvider() *MmapProvider {
	return &MmapProvider{pageSize: unix.Getpagesize()}
}

// Default returns the Provider for the running platform.
func Default() Provider {
	return NewMmapProvider()
}

// PageSize implements Provider.
func (p *MmapProvider) PageSize() int {
	return p.pageSize
}

// Map implements Provider.
//
// With huge pages on, sizes which are a multiple of HugePageSize are mapped
// with MAP_HUGETLB first, falling back to normal pages if the kernel refuses.
func (p *MmapProvider) Map(size int) ([]byte, error) {
	n, err := mapSize(size, p.pageSize)
	if err != nil {
		return nil, err
	}
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if p.huge && n%HugePageSize == 0 {
		if b, err := p.mmap(n, flags|unix.MAP_HUGETLB); err == nil {
			return b, nil
		}
	}
	return p.mmap(n, flags)
}

func (p *MmapProvider) mmap(n, flags int) ([]byte, error) {
	ptr, err := unix.MmapPtr(-1, 0, nil, uintptr(n), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		if err == unix.ENOMEM {
			return nil, fmt.Errorf("%w: mmap %d bytes", ErrNoMemory, n)
		}
		return nil, fmt.Errorf("vmem: mmap %d bytes: %w", n, err)
	}
	return unsafe.Slice((*byte)(ptr), n), nil
}

// Unmap implements Provider.
func (p *MmapProvider) Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.MunmapPtr(unsafe.Pointer(unsafe.SliceData(b)), uintptr(len(b))); err != nil {
		return fmt.Errorf("vmem: munmap %#x+%d: %w", unsafex.AddrOf(b), len(b), err)
	}
	return nil
}

// Discard implements Provider.
//
// MADV_DONTNEED only flags the range in the VMA. It's much cheaper than
// munmap, and touching the pages again faults in zero pages without another
// mmap call. The address space is not given back, which doesn't matter on
// 64-bit systems.
func (p *MmapProvider) Discard(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("vmem: madvise %#x+%d: %w", unsafex.AddrOf(b), len(b), err)
	}
	return nil
}

// EnableHugePages implements HugePager.
// Huge pages are used only if the system has some reserved.
func (p *MmapProvider) EnableHugePages() bool {
	data, err := os.ReadFile(nrHugePagesPath)
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	p.huge = err == nil && n > 0
	return p.huge
}

// HugePages implements HugePager.
func (p *MmapProvider) HugePages() bool {
	return p.huge
}
