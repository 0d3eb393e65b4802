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

// Package bitalloc provides fixed-capacity identifier allocation.
//
// Allocator hands out small integer ids (domain ids, address-space ids)
// without taking a lock. One id is reserved as the invalid value and is
// never returned by Alloc except to signal exhaustion.
package bitalloc

import (
	"fmt"
	"math/bits"

	"gvisor.dev/iommu/pkg/atomicbitops"
)

const bitsPerWord = 64

// Allocator is a lock-free bit allocator.
//
// The zero value is not usable; use New.
type Allocator struct {
	words []atomicbitops.Uint64

	// last is a hint for the word most likely to have a free bit.
	last atomicbitops.Uint64

	capacity uint64
	invalid  uint64
}

// New returns an allocator for ids in [0, capacity) with invalid reserved.
//
// capacity must be a non-zero multiple of 64 and invalid must be below it.
func New(capacity, invalid uint64) *Allocator {
	if capacity == 0 || capacity%bitsPerWord != 0 {
		panic(fmt.Sprintf("bitalloc: capacity %d is not a multiple of %d", capacity, bitsPerWord))
	}
	if invalid >= capacity {
		panic(fmt.Sprintf("bitalloc: invalid id %d out of range [0, %d)", invalid, capacity))
	}
	a := &Allocator{
		words:    make([]atomicbitops.Uint64, capacity/bitsPerWord),
		capacity: capacity,
		invalid:  invalid,
	}
	a.words[invalid/bitsPerWord].TestAndSetBit(uint(invalid % bitsPerWord))
	return a
}

// Capacity returns the number of ids managed, including the invalid one.
func (a *Allocator) Capacity() uint64 {
	return a.capacity
}

// Invalid returns the reserved id.
func (a *Allocator) Invalid() uint64 {
	return a.invalid
}

// Alloc returns a free id, or Invalid() if all ids are in use.
//
// Words are scanned round-robin starting at the last word that had a free
// bit. Losing a race for a bit rescans the same word.
func (a *Allocator) Alloc() uint64 {
	n := uint64(len(a.words))
	i := a.last.Load() % n
	for j := uint64(0); j < n; {
		w := &a.words[i]
		v := w.Load()
		if v == ^uint64(0) {
			i = (i + 1) % n
			j++
			continue
		}
		b := uint(bits.TrailingZeros64(^v))
		if w.TestAndSetBit(b) {
			continue
		}
		if w.Load() != ^uint64(0) && a.last.Load() != i {
			a.last.Store(i)
		}
		return i*bitsPerWord + uint64(b)
	}
	return a.invalid
}

// Release returns id to the allocator. The invalid id and ids out of range
// are ignored.
func (a *Allocator) Release(id uint64) {
	if id == a.invalid || id >= a.capacity {
		return
	}
	a.words[id/bitsPerWord].TestAndClearBit(uint(id % bitsPerWord))
}

// InUse reports whether id is currently allocated. The invalid id is always
// in use.
func (a *Allocator) InUse(id uint64) bool {
	if id >= a.capacity {
		return false
	}
	return a.words[id/bitsPerWord].Load()&(1<<(id%bitsPerWord)) != 0
}

// Count returns the number of allocated ids, including the invalid one.
func (a *Allocator) Count() int {
	n := 0
	for i := range a.words {
		n += bits.OnesCount64(a.words[i].Load())
	}
	return n
}
