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

package physmem

import (
	"gvisor.dev/iommu/pkg/atomicbitops"
	"gvisor.dev/iommu/pkg/hostarch"
)

// Pool allocates frames from a Memory and charges them to a Quota.
//
// Pool implements pagetables.Allocator.
type Pool struct {
	mem   *Memory
	quota *Quota

	// allocs, frees and flushes count page-table allocator calls.
	allocs  atomicbitops.Uint64
	frees   atomicbitops.Uint64
	flushes atomicbitops.Uint64
}

// NewPool returns a pool drawing from mem under quota.
func NewPool(mem *Memory, quota *Quota) *Pool {
	return &Pool{mem: mem, quota: quota}
}

// Memory returns the underlying arena.
func (p *Pool) Memory() *Memory {
	return p.mem
}

// Quota returns the quota charged by this pool.
func (p *Pool) Quota() *Quota {
	return p.quota
}

// AllocFrames allocates a zeroed block of 1<<order pages.
func (p *Pool) AllocFrames(order int) (uint64, error) {
	if err := p.quota.Reserve(1 << order); err != nil {
		return 0, err
	}
	phys, err := p.mem.Alloc(order, FillZero)
	if err != nil {
		p.quota.Return(1 << order)
		return 0, err
	}
	return phys, nil
}

// FreeFrames releases a block obtained from AllocFrames.
func (p *Pool) FreeFrames(phys uint64) {
	order, ok := p.mem.OrderOf(phys)
	p.mem.Free(phys)
	if ok {
		p.quota.Return(1 << order)
	}
}

// AllocTable allocates one zeroed page-table node.
func (p *Pool) AllocTable() (uint64, error) {
	phys, err := p.AllocFrames(0)
	if err != nil {
		return 0, err
	}
	p.allocs.Add(1)
	return phys, nil
}

// FreeTable releases a page-table node.
func (p *Pool) FreeTable(phys uint64) {
	p.frees.Add(1)
	p.FreeFrames(phys)
}

// PTEs returns the entries of the node at phys.
func (p *Pool) PTEs(phys uint64) []uint64 {
	return p.mem.Uint64s(phys, hostarch.PageSize/8)
}

// Flush records a cache-line writeback of size bytes at phys. Simulated
// memory is coherent, so only the count is kept.
func (p *Pool) Flush(phys uint64, size int) {
	p.flushes.Add(1)
}

// Allocs returns the number of page-table nodes allocated.
func (p *Pool) Allocs() uint64 {
	return p.allocs.Load()
}

// Frees returns the number of page-table nodes freed.
func (p *Pool) Frees() uint64 {
	return p.frees.Load()
}

// Flushes returns the number of cache flushes requested.
func (p *Pool) Flushes() uint64 {
	return p.flushes.Load()
}

// Live returns the number of page-table nodes currently allocated.
func (p *Pool) Live() uint64 {
	return p.allocs.Load() - p.frees.Load()
}
