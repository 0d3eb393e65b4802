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

package iommu

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/physmem"
	"gvisor.dev/iommu/pkg/sync"
)

// DTESize is the size of a device table entry in bytes.
const DTESize = 32

// dtbOrder is the order of the device table. It covers all 65536 requester
// ids of a segment.
const dtbOrder = 9

// Device table entry layout, by 64-bit word.
const (
	// Word 0.
	dteValid       = 1 << 0
	dteTransValid  = 1 << 1
	dteModeShift   = 9
	dteModeMask    = 7 << dteModeShift
	dteHostPtrMask = ^uint64(hostarch.PageMask) & (1<<hostarch.PhysAddrBits - 1)
	dteIR          = 1 << 61
	dteIW          = 1 << 62

	// Word 1.
	dteDomainIDMask = 0xffff
	dteIoCtlLo      = 1 << 40
	dteIoCtlHi      = 1 << 41

	// Word 2.
	dteIntValid     = 1 << 0
	dteIntTabLen256 = 8 << 1
	dteIRTPtrMask   = (1<<45 - 1) &^ 0x3f
	dteInitPass     = 1 << 56
	dteEIntPass     = 1 << 57
	dteNMIPass      = 1 << 58
	dteIntCtlShift  = 60
	dteIntCtlMask   = 3 << dteIntCtlShift
	dteIntCtlRemap  = 2 << dteIntCtlShift
	dteLint0Pass    = 1 << 62
	dteLint1Pass    = 1 << 63
)

// settingBits maps the firmware device setting flags to entry bits.
var settingBits = []struct {
	flag uint8
	word int
	bit  uint64
}{
	{0x01, 2, dteInitPass},
	{0x02, 2, dteEIntPass},
	{0x04, 2, dteNMIPass},
	{0x10, 1, dteIoCtlLo},
	{0x20, 1, dteIoCtlHi},
	{0x40, 2, dteLint0Pass},
	{0x80, 2, dteLint1Pass},
}

// DTE is a device table entry. It is a view of four words of the device
// table; mutations must be made under the owning unit's lock.
type DTE struct {
	w []uint64
}

func (e DTE) load(i int) uint64 {
	return atomic.LoadUint64(&e.w[i])
}

func (e DTE) update(i int, clear, set uint64) {
	atomic.StoreUint64(&e.w[i], e.load(i)&^clear|set)
}

func (e DTE) flag(i int, bit uint64, v bool) {
	if v {
		e.update(i, bit, bit)
	} else {
		e.update(i, bit, 0)
	}
}

// Raw returns the four words of the entry.
func (e DTE) Raw() [4]uint64 {
	return [4]uint64{e.load(0), e.load(1), e.load(2), e.load(3)}
}

// Valid reports whether the entry is enabled.
func (e DTE) Valid() bool { return e.load(0)&dteValid != 0 }

// SetValid enables or disables the entry.
func (e DTE) SetValid(v bool) { e.flag(0, dteValid, v) }

// DMAActive reports whether DMA translation is enabled.
func (e DTE) DMAActive() bool { return e.load(0)&dteTransValid != 0 }

// SetDMAActive enables or disables DMA translation.
func (e DTE) SetDMAActive(v bool) { e.flag(0, dteTransValid, v) }

// HostPtr returns the root page table pointer.
func (e DTE) HostPtr() uint64 { return e.load(0) & dteHostPtrMask }

// SetHostPtr sets the root page table pointer.
func (e DTE) SetHostPtr(phys uint64) { e.update(0, dteHostPtrMask, phys&dteHostPtrMask) }

// Mode returns the paging mode, the number of table levels.
func (e DTE) Mode() int { return int(e.load(0)&dteModeMask) >> dteModeShift }

// SetMode sets the paging mode.
func (e DTE) SetMode(levels int) {
	e.update(0, dteModeMask, uint64(levels)<<dteModeShift&dteModeMask)
}

// Readable reports whether device reads are permitted.
func (e DTE) Readable() bool { return e.load(0)&dteIR != 0 }

// Writable reports whether device writes are permitted.
func (e DTE) Writable() bool { return e.load(0)&dteIW != 0 }

// SetPermissions sets the device read and write permissions.
func (e DTE) SetPermissions(read, write bool) {
	e.flag(0, dteIR, read)
	e.flag(0, dteIW, write)
}

// DomainID returns the domain id.
func (e DTE) DomainID() uint16 { return uint16(e.load(1) & dteDomainIDMask) }

// SetDomainID sets the domain id.
func (e DTE) SetDomainID(id uint16) { e.update(1, dteDomainIDMask, uint64(id)) }

// IntValid reports whether the interrupt fields are valid.
func (e DTE) IntValid() bool { return e.load(2)&dteIntValid != 0 }

// SetIntValid marks the interrupt fields valid.
func (e DTE) SetIntValid(v bool) { e.flag(2, dteIntValid, v) }

// IRTPtr returns the interrupt remap table pointer.
func (e DTE) IRTPtr() uint64 { return e.load(2) & dteIRTPtrMask }

// SetIRTPtr sets the interrupt remap table pointer and its length of 256
// entries.
func (e DTE) SetIRTPtr(phys uint64) {
	e.update(2, dteIRTPtrMask|0x1e, phys&dteIRTPtrMask|dteIntTabLen256)
}

// IntRemap reports whether interrupts are remapped through the table.
func (e DTE) IntRemap() bool { return e.load(2)&dteIntCtlMask == dteIntCtlRemap }

// SetIntRemap enables or disables interrupt remapping.
func (e DTE) SetIntRemap(v bool) {
	if v {
		e.update(2, dteIntCtlMask, dteIntCtlRemap)
	} else {
		e.update(2, dteIntCtlMask, 0)
	}
}

// ApplySetting ORs the bits selected by a firmware device setting into the
// entry. Flag 0x08 has no entry bit.
func (e DTE) ApplySetting(setting uint8) {
	for _, s := range settingBits {
		if setting&s.flag != 0 {
			e.update(s.word, 0, s.bit)
		}
	}
}

// String implements fmt.Stringer.String.
func (e DTE) String() string {
	w := e.Raw()
	return fmt.Sprintf("%016x:%016x:%016x:%016x", w[3], w[2], w[1], w[0])
}

// DeviceTable is the device table shared by all AMD units. It is allocated
// on first use and never relocated.
type DeviceTable struct {
	pool *physmem.Pool

	// mu protects phys.
	mu   sync.Mutex
	phys uint64
}

// NewDeviceTable returns an unallocated device table drawing from pool.
func NewDeviceTable(pool *physmem.Pool) *DeviceTable {
	return &DeviceTable{pool: pool}
}

// alloc allocates the table if needed and returns its address.
func (t *DeviceTable) alloc() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phys != 0 {
		return t.phys, nil
	}
	phys, err := t.pool.AllocFrames(dtbOrder)
	if err != nil {
		return 0, fmt.Errorf("allocating device table: %w", err)
	}
	t.phys = phys
	return phys, nil
}

// Phys returns the table's physical address, or zero if unallocated.
func (t *DeviceTable) Phys() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phys
}

// Size returns the table size in bytes.
func (t *DeviceTable) Size() uint64 {
	return hostarch.BytesForOrder(dtbOrder)
}

// Entries returns the number of entries.
func (t *DeviceTable) Entries() int {
	return int(t.Size() / DTESize)
}

// Entry returns the entry for rid. ok is false if the table has not been
// allocated or rid is out of range.
func (t *DeviceTable) Entry(rid uint16) (e DTE, ok bool) {
	phys := t.Phys()
	if phys == 0 || int(rid) >= t.Entries() {
		return DTE{}, false
	}
	return DTE{w: t.pool.Memory().Uint64s(phys+uint64(rid)*DTESize, DTESize/8)}, true
}
