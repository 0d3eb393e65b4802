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

package pagetables

// Format describes the entry encoding of a table flavor.
//
// Levels are numbered from zero at the leaves. Entries of the top table are
// at level Levels()-1; the root entry held by PageTables is at Levels().
type Format interface {
	// Levels returns the number of table levels.
	Levels() int

	// BitsPerLevel returns the number of address bits resolved per level.
	BitsPerLevel() int

	// Address returns the frame address held by pte.
	Address(pte uint64) uint64

	// Super reports whether pte, found at level > 0, is a leaf.
	Super(pte uint64, level int) bool

	// TableFlags returns the bits of an entry at level that points to a
	// node.
	TableFlags(level int) uint64

	// LeafFlags returns the bits of a leaf at level that is part of a
	// contiguous group of 1<<order entries.
	LeafFlags(level, order int) uint64

	// Order returns the group order encoded by LeafFlags.
	Order(pte uint64) int

	// Attr returns the attribute bits of a leaf.
	Attr(pte uint64) uint64

	// NeedsFlush reports whether entry writes must be flushed from the CPU
	// cache before the walker can see them.
	NeedsFlush() bool
}

const (
	// addrMask selects bits 12-51 of an entry.
	addrMask = 0x000ffffffffff000

	// swOrderShift is the position of the group order in the bits that
	// hardware ignores.
	swOrderShift = 52
	swOrderMask  = uint64(0xf) << swOrderShift

	defaultLevels = 4
	defaultBits   = 9
)

// Host paging (x86-64) bits.
const (
	HostPresent  = 1 << 0
	HostWrite    = 1 << 1
	HostUser     = 1 << 2
	HostAccessed = 1 << 5
	HostDirty    = 1 << 6
	HostSuper    = 1 << 7
	HostGlobal   = 1 << 8
	HostNoExec   = 1 << 63

	hostAttrMask = 0x17f | HostNoExec
	hostTable    = HostPresent | HostWrite | HostUser | HostAccessed
)

// Nested paging (EPT) bits.
const (
	NestedRead  = 1 << 0
	NestedWrite = 1 << 1
	NestedExec  = 1 << 2
	NestedSuper = 1 << 7

	// The group order is kept in bits 8-11.
	nestedOrderShift = 8
	nestedOrderMask  = uint64(0xf) << nestedOrderShift
	nestedAttrMask   = 0x37f &^ nestedOrderMask
	nestedTable      = NestedRead | NestedWrite | NestedExec
)

// Legacy DMA remapping (VT-d second level) bits.
const (
	DMARead  = 1 << 0
	DMAWrite = 1 << 1
	DMASuper = 1 << 7
	DMASnoop = 1 << 11

	dmaAttrMask = DMARead | DMAWrite | DMASnoop
	dmaTable    = DMARead | DMAWrite
)

// I/O page table (AMD-Vi) bits.
const (
	IOPresent = 1 << 0
	IORead    = 1 << 61
	IOWrite   = 1 << 62

	// ioLevelShift is the position of the next-level field. A non-leaf
	// entry names the level it refers to; zero marks a leaf.
	ioLevelShift = 9
	ioLevelMask  = uint64(0x7) << ioLevelShift

	ioAttrMask = IOPresent | IORead | IOWrite
	ioTable    = IOPresent | IORead | IOWrite
)

// IOPermissions returns I/O page-table attributes for the given access.
// It returns zero, which unmaps, if neither access is allowed.
func IOPermissions(read, write bool) uint64 {
	var r uint64
	if read {
		r |= IORead
	}
	if write {
		r |= IOWrite
	}
	if r != 0 {
		r |= IOPresent
	}
	return r
}

// geometry holds the common shape of the 4-level, 512-entry flavors.
type geometry struct{}

// Levels implements Format.Levels.
func (geometry) Levels() int { return defaultLevels }

// BitsPerLevel implements Format.BitsPerLevel.
func (geometry) BitsPerLevel() int { return defaultBits }

// Address implements Format.Address.
func (geometry) Address(pte uint64) uint64 { return pte & addrMask }

type hostFormat struct{ geometry }

func (hostFormat) Super(pte uint64, level int) bool {
	return level > 0 && pte&HostSuper != 0
}

func (hostFormat) TableFlags(level int) uint64 {
	if level == defaultLevels {
		return 0
	}
	return hostTable
}

func (hostFormat) LeafFlags(level, order int) uint64 {
	f := uint64(order) << swOrderShift
	if level > 0 {
		f |= HostSuper
	}
	return f
}

func (hostFormat) Order(pte uint64) int   { return int((pte & swOrderMask) >> swOrderShift) }
func (hostFormat) Attr(pte uint64) uint64 { return pte & hostAttrMask }
func (hostFormat) NeedsFlush() bool       { return false }

type nestedFormat struct{ geometry }

func (nestedFormat) Super(pte uint64, level int) bool {
	return level > 0 && pte&NestedSuper != 0
}

func (nestedFormat) TableFlags(level int) uint64 {
	if level == defaultLevels {
		return 0
	}
	return nestedTable
}

func (nestedFormat) LeafFlags(level, order int) uint64 {
	f := uint64(order) << nestedOrderShift
	if level > 0 {
		f |= NestedSuper
	}
	return f
}

func (nestedFormat) Order(pte uint64) int   { return int((pte & nestedOrderMask) >> nestedOrderShift) }
func (nestedFormat) Attr(pte uint64) uint64 { return pte & nestedAttrMask }
func (nestedFormat) NeedsFlush() bool       { return false }

type dmaFormat struct{ geometry }

// Super implements Format.Super. The superpage bit is only ever set on
// leaves above level zero.
func (dmaFormat) Super(pte uint64, level int) bool {
	return pte&DMASuper != 0
}

func (dmaFormat) TableFlags(level int) uint64 {
	if level == defaultLevels {
		return 0
	}
	return dmaTable
}

func (dmaFormat) LeafFlags(level, order int) uint64 {
	f := uint64(order) << swOrderShift
	if level > 0 {
		f |= DMASuper
	}
	return f
}

func (dmaFormat) Order(pte uint64) int   { return int((pte & swOrderMask) >> swOrderShift) }
func (dmaFormat) Attr(pte uint64) uint64 { return pte & dmaAttrMask }
func (dmaFormat) NeedsFlush() bool       { return true }

type ioFormat struct{ geometry }

// Super implements Format.Super. An entry is a leaf when its next-level
// field is zero. The root entry is never a leaf.
func (ioFormat) Super(pte uint64, level int) bool {
	return level > 0 && level < defaultLevels && pte&ioLevelMask == 0
}

// TableFlags implements Format.TableFlags. The root entry carries only the
// level tag.
func (ioFormat) TableFlags(level int) uint64 {
	tag := uint64(level) << ioLevelShift
	if level == defaultLevels {
		return tag
	}
	return ioTable | tag
}

func (ioFormat) LeafFlags(_, order int) uint64 {
	return uint64(order) << swOrderShift
}

func (ioFormat) Order(pte uint64) int   { return int((pte & swOrderMask) >> swOrderShift) }
func (ioFormat) Attr(pte uint64) uint64 { return pte & ioAttrMask }
func (ioFormat) NeedsFlush() bool       { return true }

// The table flavors.
var (
	// Host is x86-64 4-level paging.
	Host Format = hostFormat{}

	// Nested is the extended page-table format for guest physical memory.
	Nested Format = nestedFormat{}

	// DMA is the VT-d second-level format used by DMA remapping units.
	DMA Format = dmaFormat{}

	// IO is the AMD-Vi I/O page-table format.
	IO Format = ioFormat{}
)
