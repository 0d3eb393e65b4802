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

// Package mmio provides memory-mapped register files.
//
// A Region has two sides. The driver uses Read and Write accessors, which
// invoke the device's write hook after every store. The device model uses
// Load and Store, which never trigger the hook.
package mmio

import (
	"fmt"

	"gvisor.dev/iommu/pkg/atomicbitops"
)

// WriteHook is called after the driver writes size bytes at off.
type WriteHook func(off uint64, size int)

// Region is a register file. All accesses are atomic and must be naturally
// aligned.
type Region struct {
	words []atomicbitops.Uint64
	hook  WriteHook
}

// New returns a zeroed region of size bytes, rounded up to 8.
func New(size uint64) *Region {
	return &Region{words: make([]atomicbitops.Uint64, (size+7)/8)}
}

// SetWriteHook installs the device-side write hook. It must be called
// before the region is handed to a driver.
func (r *Region) SetWriteHook(h WriteHook) {
	r.hook = h
}

// Size returns the size of the region in bytes.
func (r *Region) Size() uint64 {
	return uint64(len(r.words)) * 8
}

func (r *Region) word(off uint64, size uint64) *atomicbitops.Uint64 {
	if off%size != 0 || off+size > r.Size() {
		panic(fmt.Sprintf("mmio: bad %d-byte access at %#x", size, off))
	}
	return &r.words[off/8]
}

// Load returns the 64-bit register at off.
func (r *Region) Load(off uint64) uint64 {
	return r.word(off, 8).Load()
}

// Store sets the 64-bit register at off.
func (r *Region) Store(off, v uint64) {
	r.word(off, 8).Store(v)
}

// Load32 returns the 32-bit register at off.
func (r *Region) Load32(off uint64) uint32 {
	return uint32(r.word(off, 4).Load() >> (off % 8 * 8))
}

// Store32 sets the 32-bit register at off.
func (r *Region) Store32(off uint64, v uint32) {
	w := r.word(off, 4)
	shift := off % 8 * 8
	for {
		o := w.Load()
		n := o&^(0xffffffff<<shift) | uint64(v)<<shift
		if w.CompareAndSwap(o, n) {
			return
		}
	}
}

// Or sets bits in the 64-bit register at off.
func (r *Region) Or(off, v uint64) {
	r.word(off, 8).Or(v)
}

// AndNot clears bits in the 64-bit register at off.
func (r *Region) AndNot(off, v uint64) {
	r.word(off, 8).And(^v)
}

// Read64 is the driver's 64-bit read.
func (r *Region) Read64(off uint64) uint64 {
	return r.Load(off)
}

// Write64 is the driver's 64-bit write.
func (r *Region) Write64(off, v uint64) {
	r.Store(off, v)
	if r.hook != nil {
		r.hook(off, 8)
	}
}

// Read32 is the driver's 32-bit read.
func (r *Region) Read32(off uint64) uint32 {
	return r.Load32(off)
}

// Write32 is the driver's 32-bit write.
func (r *Region) Write32(off uint64, v uint32) {
	r.Store32(off, v)
	if r.hook != nil {
		r.hook(off, 4)
	}
}
