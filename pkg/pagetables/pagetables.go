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

// Package pagetables provides a generic implementation of multi-level radix
// page tables held in physical memory.
//
// The same tree algorithm serves every table flavor; a Format describes how
// a flavor encodes entries. Tables are only referenced by physical address
// and reached through the Allocator, never through retained Go pointers.
//
// PageTables holds no lock. Callers must exclude concurrent structural
// modification of the same table; the only tolerated race is two walks
// installing a node into the same empty slot, in which case the loser frees
// its node.
package pagetables

import (
	"errors"
	"fmt"
	"sync/atomic"

	"gvisor.dev/iommu/pkg/hostarch"
)

var (
	// ErrNotMapped is returned when a walk reaches an empty entry without
	// allocating.
	ErrNotMapped = errors.New("address not mapped")

	// ErrSuperpage is returned when a walk meets a superpage above the
	// target level.
	ErrSuperpage = errors.New("superpage in walk path")
)

// Allocator supplies page-table nodes.
type Allocator interface {
	// AllocTable returns the physical address of a zeroed node.
	AllocTable() (uint64, error)

	// FreeTable releases a node obtained from AllocTable.
	FreeTable(phys uint64)

	// PTEs returns the entries of the node at phys.
	PTEs(phys uint64) []uint64

	// Flush writes back size bytes of entries starting at phys, for
	// formats whose walker is not cache coherent.
	Flush(phys uint64, size int)
}

// Mode selects how Update treats entries it replaces.
type Mode int

const (
	// Overwrite allocates missing intermediate nodes and frees any subtree
	// replaced by the new mapping.
	Overwrite Mode = iota

	// DestroyOnReplace does not allocate; a replaced subtree is freed.
	DestroyOnReplace

	// UpdateNoDestroy does not allocate and leaves replaced subtrees alone;
	// the caller has already dealt with them.
	UpdateNoDestroy
)

func (m Mode) String() string {
	switch m {
	case Overwrite:
		return "Overwrite"
	case DestroyOnReplace:
		return "DestroyOnReplace"
	case UpdateNoDestroy:
		return "UpdateNoDestroy"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// PageTables is a radix tree of a single Format.
type PageTables struct {
	format Format
	alloc  Allocator

	// root is the entry pointing to the top-level node. It sits one level
	// above the top table and is accessed atomically.
	root [1]uint64
}

// New returns empty page tables. The top-level node is allocated lazily.
func New(format Format, alloc Allocator) *PageTables {
	return &PageTables{
		format: format,
		alloc:  alloc,
	}
}

// Format returns the entry format.
func (p *PageTables) Format() Format {
	return p.format
}

// Levels returns the number of table levels.
func (p *PageTables) Levels() int {
	return p.format.Levels()
}

// Empty reports whether no top-level node exists.
func (p *PageTables) Empty() bool {
	return atomic.LoadUint64(&p.root[0]) == 0
}

// shift returns the address shift of entries at level l.
func (p *PageTables) shift(l int) uint {
	return uint(l*p.format.BitsPerLevel() + hostarch.PageShift)
}

func (p *PageTables) index(addr uint64, l int) int {
	return int(addr>>p.shift(l)) & (1<<p.format.BitsPerLevel() - 1)
}

// entryPhys returns the physical address of entry idx of the node at table.
func entryPhys(table uint64, idx int) uint64 {
	return table + uint64(idx)*8
}

// walk descends towards level target for addr. It returns the node holding
// the entry, the node's physical address (zero for the root entry) and the
// entry index.
func (p *PageTables) walk(addr uint64, target int, alloc bool) ([]uint64, uint64, int, error) {
	levels := p.format.Levels()
	if target < 0 || target > levels {
		panic(fmt.Sprintf("pagetables: walk to level %d of %d", target, levels))
	}
	ptes, table, idx := p.root[:], uint64(0), 0
	for l := levels; ; l-- {
		if l == target {
			return ptes, table, idx, nil
		}
		e := &ptes[idx]
		v := atomic.LoadUint64(e)
		switch {
		case v == 0:
			if !alloc {
				return nil, 0, 0, ErrNotMapped
			}
			phys, err := p.alloc.AllocTable()
			if err != nil {
				return nil, 0, 0, err
			}
			nv := phys | p.format.TableFlags(l)
			if atomic.CompareAndSwapUint64(e, 0, nv) {
				v = nv
				if table != 0 && p.format.NeedsFlush() {
					p.alloc.Flush(entryPhys(table, idx), 8)
				}
			} else {
				// Lost the race; use the winner's node.
				p.alloc.FreeTable(phys)
				v = atomic.LoadUint64(e)
			}
		case l < levels && p.format.Super(v, l):
			return nil, 0, 0, ErrSuperpage
		}
		table = p.format.Address(v)
		ptes = p.alloc.PTEs(table)
		idx = p.index(addr, l-1)
	}
}

// Walk returns the physical address of the entry for addr at level,
// allocating missing nodes if alloc is set.
func (p *PageTables) Walk(addr uint64, level int, alloc bool) (uint64, error) {
	if level >= p.format.Levels() {
		return 0, fmt.Errorf("level %d has no table entry", level)
	}
	_, table, idx, err := p.walk(addr, level, alloc)
	if err != nil {
		return 0, err
	}
	return entryPhys(table, idx), nil
}

// Root returns the physical address of the node referenced by the entry for
// address zero at level, allocating nodes as needed. Root(Levels()) is the
// top table. level must be at least one.
func (p *PageTables) Root(level int) (uint64, error) {
	ptes, _, idx, err := p.walk(0, level, true)
	if err != nil {
		return 0, err
	}
	// Materialize the node below the entry.
	e := &ptes[idx]
	if atomic.LoadUint64(e) == 0 {
		if _, _, _, err := p.walk(0, level-1, true); err != nil {
			return 0, err
		}
	}
	return p.format.Address(atomic.LoadUint64(e)), nil
}

// Lookup translates addr. It returns the physical address, the attribute
// bits and the size of the mapping, or a zero size if addr is not mapped.
func (p *PageTables) Lookup(addr uint64) (phys, attr, size uint64) {
	ptes, idx := p.root[:], 0
	for l := p.format.Levels(); ; l-- {
		v := atomic.LoadUint64(&ptes[idx])
		if v == 0 {
			return 0, 0, 0
		}
		if l > 0 && !p.format.Super(v, l) {
			ptes = p.alloc.PTEs(p.format.Address(v))
			idx = p.index(addr, l-1)
			continue
		}
		size = 1 << (p.shift(l) + uint(p.format.Order(v)))
		return p.format.Address(v) | addr&(size-1), p.format.Attr(v), size
	}
}

// Update maps 1<<order pages at addr to phys with attrs, or unmaps them if
// attrs is zero. It reports whether previously cached translations must be
// invalidated.
//
// addr and phys must be aligned to the mapping size.
func (p *PageTables) Update(addr uint64, order int, phys, attrs uint64, mode Mode) (bool, error) {
	b := p.format.BitsPerLevel()
	l, n := order/b, 1<<(order%b)
	if l >= p.format.Levels() {
		panic(fmt.Sprintf("pagetables: order %d exceeds table reach", order))
	}
	mask := uint64(1)<<(order+hostarch.PageShift) - 1
	if addr&mask != 0 || (attrs != 0 && phys&mask != 0) {
		panic(fmt.Sprintf("pagetables: misaligned update addr=%#x phys=%#x order=%d", addr, phys, order))
	}

	ptes, table, idx, err := p.walk(addr, l, mode == Overwrite)
	if err != nil {
		return false, err
	}

	var stride uint64
	if attrs != 0 {
		phys |= p.format.LeafFlags(l, order%b) | attrs
		stride = 1 << p.shift(l)
	} else {
		phys = 0
	}

	flush := false
	for i := 0; i < n; i, phys = i+1, phys+stride {
		e := &ptes[idx+i]
		old := atomic.SwapUint64(e, phys)
		if old == 0 {
			continue
		}
		if l > 0 && old != phys {
			flush = true
		}
		if mode == UpdateNoDestroy {
			continue
		}
		if l > 0 && !p.format.Super(old, l) {
			p.destroy(p.format.Address(old), l-1)
			flush = true
		}
	}

	if p.format.NeedsFlush() && table != 0 {
		p.alloc.Flush(entryPhys(table, idx), n*8)
	}
	return flush, nil
}

// destroy frees the node at table, whose entries are at level, together
// with every node below it.
func (p *PageTables) destroy(table uint64, level int) {
	p.freeUp(table, level, 0, nil, nil)
	p.alloc.FreeTable(table)
}

// DescendFunc reports whether the subtree below the entry for virt at level
// should be torn down as well.
type DescendFunc func(level int, virt uint64) bool

// ReleaseFunc reports whether the node at phys, referenced by the entry for
// virt at level, should be freed.
type ReleaseFunc func(phys, virt uint64, level int) bool

// DefaultDescend descends into every level that has nodes below it.
func DefaultDescend(level int, _ uint64) bool {
	return level > 1
}

// Clear tears down the tree in post order and resets the root. A nil
// descend uses DefaultDescend; a nil release frees every node.
func (p *PageTables) Clear(descend DescendFunc, release ReleaseFunc) {
	v := atomic.SwapUint64(&p.root[0], 0)
	if v == 0 {
		return
	}
	top := p.format.Address(v)
	p.freeUp(top, p.format.Levels()-1, 0, descend, release)
	p.alloc.FreeTable(top)
}

// ForEachDescendant applies the teardown policy below the top table without
// freeing the top table itself.
func (p *PageTables) ForEachDescendant(descend DescendFunc, release ReleaseFunc) {
	v := atomic.LoadUint64(&p.root[0])
	if v == 0 {
		return
	}
	p.freeUp(p.format.Address(v), p.format.Levels()-1, 0, descend, release)
}

// freeUp walks the entries of the node at table, which are at level.
//
// For each entry pointing to a node, the node's subtree is visited first
// when descend allows it, then the node is freed when release allows it.
// Freed entries are cleared.
func (p *PageTables) freeUp(table uint64, level int, virt uint64, descend DescendFunc, release ReleaseFunc) {
	if descend == nil {
		descend = DefaultDescend
	}
	ptes := p.alloc.PTEs(table)
	for i := range ptes {
		v := atomic.LoadUint64(&ptes[i])
		if v == 0 || level == 0 || p.format.Super(v, level) {
			continue
		}
		child := p.format.Address(v)
		cv := virt + uint64(i)<<p.shift(level)
		if descend(level, cv) {
			p.freeUp(child, level-1, cv, descend, release)
		}
		if release == nil || release(child, cv, level) {
			atomic.StoreUint64(&ptes[i], 0)
			p.alloc.FreeTable(child)
		}
	}
}

// Mapping is a leaf entry found by ForEachMapping.
type Mapping struct {
	Virt  uint64
	Phys  uint64
	Size  uint64
	Attr  uint64
	Level int
}

// ForEachMapping calls fn for every leaf entry in ascending address order
// until fn returns false.
func (p *PageTables) ForEachMapping(fn func(Mapping) bool) {
	v := atomic.LoadUint64(&p.root[0])
	if v == 0 {
		return
	}
	p.forEachMapping(p.format.Address(v), p.format.Levels()-1, 0, fn)
}

func (p *PageTables) forEachMapping(table uint64, level int, virt uint64, fn func(Mapping) bool) bool {
	ptes := p.alloc.PTEs(table)
	for i := range ptes {
		v := atomic.LoadUint64(&ptes[i])
		if v == 0 {
			continue
		}
		cv := virt + uint64(i)<<p.shift(level)
		if level > 0 && !p.format.Super(v, level) {
			if !p.forEachMapping(p.format.Address(v), level-1, cv, fn) {
				return false
			}
			continue
		}
		m := Mapping{
			Virt:  cv,
			Phys:  p.format.Address(v),
			Size:  1 << p.shift(level),
			Attr:  p.format.Attr(v),
			Level: level,
		}
		if !fn(m) {
			return false
		}
	}
	return true
}
