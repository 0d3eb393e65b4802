// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package physmem simulates physical memory for page tables and IOMMU
// structures.
//
// A Memory is a contiguous arena of host memory presented at a fixed
// "physical" base address. Blocks are handed out by a buddy allocator and
// are only ever addressed by physical address; the conversion to a Go slice
// goes through Bytes, Uint64s or Uint32s, which check that the range lies
// inside a live block.
package physmem

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/sync"
)

// MaxOrder is the largest block order the allocator hands out (8 MiB).
const MaxOrder = 11

// ErrNoMemory is returned when no free block of the requested order exists.
var ErrNoMemory = errors.New("out of physical memory")

// Fill selects how newly allocated blocks are initialized.
type Fill int

const (
	// NoFill leaves previous contents in place.
	NoFill Fill = iota

	// FillZero zeroes the block.
	FillZero
)

// block is an allocated region.
type block struct {
	phys  uint64
	order int
}

func blockLess(a, b block) bool {
	return a.phys < b.phys
}

func physLess(a, b uint64) bool {
	return a < b
}

// Memory is a simulated physical memory arena.
type Memory struct {
	base uint64
	mem  []byte

	// mu protects the fields below.
	mu sync.Mutex

	// free holds the free blocks of each order, by address.
	free [MaxOrder + 1]*btree.BTreeG[uint64]

	// allocated indexes the live blocks by address.
	allocated *btree.BTreeG[block]

	// freePages is the number of free pages.
	freePages uint64
}

// New maps size bytes of anonymous memory and presents them at physical
// address base. Both must be page aligned and base must be non-zero, so
// that zero can keep meaning "no address" in hardware structures.
func New(base, size uint64) (*Memory, error) {
	if base == 0 || !hostarch.Addr(base).IsPageAligned() || !hostarch.Addr(size).IsPageAligned() || size == 0 {
		return nil, fmt.Errorf("invalid arena base %#x size %#x", base, size)
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap arena: %w", err)
	}
	m := &Memory{
		base:      base,
		mem:       mem,
		allocated: btree.NewG[block](8, blockLess),
	}
	for o := range m.free {
		m.free[o] = btree.NewG[uint64](8, physLess)
	}

	// Carve the arena into the largest naturally aligned blocks.
	for p, end := base, base+size; p < end; {
		o := MaxOrder
		for o > 0 && (p&(blockSize(o)-1) != 0 || p+blockSize(o) > end) {
			o--
		}
		m.free[o].ReplaceOrInsert(p)
		m.freePages += 1 << o
		p += blockSize(o)
	}
	return m, nil
}

// Close unmaps the arena. No block may be used afterwards.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}

func blockSize(order int) uint64 {
	return uint64(hostarch.PageSize) << order
}

// Base returns the physical address of the first byte of the arena.
func (m *Memory) Base() uint64 {
	return m.base
}

// Size returns the size of the arena in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.mem))
}

// FreePages returns the number of unallocated pages.
func (m *Memory) FreePages() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freePages
}

// Blocks returns the number of live blocks.
func (m *Memory) Blocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocated.Len()
}

// Alloc allocates a naturally aligned block of 1<<order pages and returns
// its physical address.
func (m *Memory) Alloc(order int, fill Fill) (uint64, error) {
	if order < 0 || order > MaxOrder {
		return 0, fmt.Errorf("invalid block order %d", order)
	}
	m.mu.Lock()
	o := order
	for o <= MaxOrder && m.free[o].Len() == 0 {
		o++
	}
	if o > MaxOrder {
		m.mu.Unlock()
		return 0, ErrNoMemory
	}
	phys, _ := m.free[o].DeleteMin()

	// Split down to the requested order, returning upper halves.
	for o > order {
		o--
		m.free[o].ReplaceOrInsert(phys + blockSize(o))
	}
	m.allocated.ReplaceOrInsert(block{phys: phys, order: order})
	m.freePages -= 1 << order
	m.mu.Unlock()

	if fill == FillZero {
		clear(m.Bytes(phys, blockSize(order)))
	}
	return phys, nil
}

// Free releases the block starting at phys. It panics if phys is not the
// start of a live block.
func (m *Memory) Free(phys uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.allocated.Delete(block{phys: phys})
	if !ok {
		panic(fmt.Sprintf("physmem: free of unallocated address %#x", phys))
	}
	m.freePages += 1 << b.order

	// Merge with free buddies.
	p, o := b.phys, b.order
	for o < MaxOrder {
		buddy := p ^ blockSize(o)
		if _, ok := m.free[o].Delete(buddy); !ok {
			break
		}
		if buddy < p {
			p = buddy
		}
		o++
	}
	m.free[o].ReplaceOrInsert(p)
}

// OrderOf returns the order of the live block starting at phys.
func (m *Memory) OrderOf(phys uint64) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.allocated.Get(block{phys: phys})
	return b.order, ok
}

// containing returns the live block containing phys.
//
// Preconditions: m.mu is locked.
func (m *Memory) containing(phys uint64) (block, bool) {
	var (
		found block
		ok    bool
	)
	m.allocated.DescendLessOrEqual(block{phys: phys}, func(b block) bool {
		if phys < b.phys+blockSize(b.order) {
			found, ok = b, true
		}
		return false
	})
	return found, ok
}

// Bytes returns the n bytes at phys. The range must lie within one live
// block.
func (m *Memory) Bytes(phys, n uint64) []byte {
	m.mu.Lock()
	b, ok := m.containing(phys)
	m.mu.Unlock()
	if !ok || phys+n > b.phys+blockSize(b.order) {
		panic(fmt.Sprintf("physmem: access [%#x, %#x) outside allocated memory", phys, phys+n))
	}
	off := phys - m.base
	return m.mem[off : off+n : off+n]
}

// Uint64s returns n 64-bit words at phys, which must be 8-byte aligned.
func (m *Memory) Uint64s(phys uint64, n int) []uint64 {
	if phys%8 != 0 {
		panic(fmt.Sprintf("physmem: misaligned 64-bit access at %#x", phys))
	}
	b := m.Bytes(phys, uint64(n)*8)
	return unsafe.Slice((*uint64)(unsafe.Pointer(unsafe.SliceData(b))), n)
}

// Uint32s returns n 32-bit words at phys, which must be 4-byte aligned.
func (m *Memory) Uint32s(phys uint64, n int) []uint32 {
	if phys%4 != 0 {
		panic(fmt.Sprintf("physmem: misaligned 32-bit access at %#x", phys))
	}
	b := m.Bytes(phys, uint64(n)*4)
	return unsafe.Slice((*uint32)(unsafe.Pointer(unsafe.SliceData(b))), n)
}
