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
	"errors"
	"fmt"
	"sync/atomic"

	"gvisor.dev/iommu/pkg/atomicbitops"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/log"
	"gvisor.dev/iommu/pkg/pci"
	"gvisor.dev/iommu/pkg/physmem"
	"gvisor.dev/iommu/pkg/sync"
)

// AMD register offsets.
const (
	AMDRegDTB       = 0x0
	AMDRegCmd       = 0x8
	AMDRegEvent     = 0x10
	AMDRegCtrl      = 0x18
	AMDRegExtFeat   = 0x30
	AMDRegCmdHead   = 0x2000
	AMDRegCmdTail   = 0x2008
	AMDRegEventHead = 0x2010
	AMDRegEventTail = 0x2018
	AMDRegStatus    = 0x2020

	// AMDRegSize is the size of the register window.
	AMDRegSize = 0x4000
)

// AMD control register bits.
const (
	AMDCtrlEnable   = 1 << 0
	AMDCtrlEventLog = 1 << 2
	AMDCtrlEventInt = 1 << 3
	AMDCtrlCmdBuf   = 1 << 12
)

// AMDStatusEventOverflow is set when the event ring overflowed.
const AMDStatusEventOverflow = 1 << 0

// Command opcodes.
const (
	AMDCmdCompletionWait = 1
	AMDCmdInvalidateDTE  = 2
	AMDCmdInvalidatePGT  = 3
	AMDCmdInvalidateIRT  = 5
)

const (
	// RingSize is the size of the command and event rings in bytes.
	RingSize = hostarch.PageSize

	// RingEntrySize is the size of a ring descriptor.
	RingEntrySize = 16

	// ringLen encodes 256 entries in the ring base registers.
	ringLen = 8 << 56

	// ringMask extracts the offset from a head or tail register.
	ringMask = (1<<19 - 1) &^ 0xf

	// irtEntries is the number of interrupt remap table entries.
	irtEntries = 256

	// irtRemapEn and irtRqEOI are interrupt remap table entry bits.
	irtRemapEn = 1 << 0
	irtRqEOI   = 1 << 5

	// allPages invalidates every page of a domain.
	allPages = 0x7ffffffffffff<<12 | 2 | 1
)

// AMD is an AMD IOMMU unit.
type AMD struct {
	id    uint16
	base  uint64
	rid   uint16
	regs  Registers
	dt    *DeviceTable
	pool  *physmem.Pool
	trace log.Logger

	// cmdBase and eventBase are the ring addresses, zero if the ring could
	// not be allocated. They are set by Start.
	cmdBase   uint64
	eventBase uint64

	// dtbProgrammed is set once the device table register was written.
	dtbProgrammed atomicbitops.Bool

	// mu protects device entries in the unit's ranges, the command ring
	// and the fields below.
	mu sync.SpinMutex

	// owners maps bound requester ids to their domains.
	owners map[uint16]Domain

	// faults is only used by FaultHandler.
	faults faultRate

	stats counters
}

// AMDConfig describes a unit.
type AMDConfig struct {
	ID   uint16
	Base uint64
	RID  uint16
}

// NewAMD returns a unit using the shared device table dt. Rings and other
// unit structures are charged to pool.
func NewAMD(c AMDConfig, regs Registers, dt *DeviceTable, pool *physmem.Pool, trace log.Logger) *AMD {
	if trace == nil {
		trace = log.Log()
	}
	return &AMD{
		id:     c.ID,
		base:   c.Base,
		rid:    c.RID,
		regs:   regs,
		dt:     dt,
		pool:   pool,
		trace:  trace,
		owners: make(map[uint16]Domain),
	}
}

// String implements fmt.Stringer.String.
func (u *AMD) String() string {
	return fmt.Sprintf("IOMMU:%d@%#x", u.id, u.base)
}

// Base returns the address of the unit's register window.
func (u *AMD) Base() uint64 {
	return u.base
}

// RID returns the requester id of the unit itself.
func (u *AMD) RID() uint16 {
	return u.rid
}

// Start allocates the command and event rings and enables the unit. A ring
// that cannot be allocated stays disabled.
func (u *AMD) Start() error {
	var errs []error
	ctrl := u.regs.Read64(AMDRegCtrl)
	if phys, err := u.pool.AllocFrames(0); err != nil {
		log.Warningf("%v: no event ring: %v", u, err)
		errs = append(errs, err)
	} else {
		u.eventBase = phys
		u.regs.Write64(AMDRegEvent, phys&dteHostPtrMask|ringLen)
		ctrl |= AMDCtrlEventLog | AMDCtrlEventInt
	}
	if phys, err := u.pool.AllocFrames(0); err != nil {
		log.Warningf("%v: no command ring: %v", u, err)
		errs = append(errs, err)
	} else {
		u.cmdBase = phys
		u.regs.Write64(AMDRegCmd, phys&dteHostPtrMask|ringLen)
		ctrl |= AMDCtrlCmdBuf
	}
	u.regs.Write64(AMDRegCtrl, ctrl|AMDCtrlEnable)
	return errors.Join(errs...)
}

// AllocDTB makes the device table cover first through last and applies
// setting to their entries. The table itself is shared and always covers
// the whole requester id space, so order only documents the caller's need.
func (u *AMD) AllocDTB(order int, first, last uint16, setting uint8) {
	phys, err := u.dt.alloc()
	if err != nil {
		log.Warningf("%v: %v", u, err)
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.dtbProgrammed.Swap(true) {
		u.regs.Write64(AMDRegDTB, phys|(u.dt.Size()/hostarch.PageSize-1))
	}
	for r := int(first); r <= int(last); r++ {
		e, ok := u.dt.Entry(uint16(r))
		if !ok {
			break
		}
		e.SetValid(true)
		e.SetIntValid(true)
		e.ApplySetting(setting)
	}
}

// Entry returns the device table entry of rid.
func (u *AMD) Entry(rid uint16) (DTE, bool) {
	return u.dt.Entry(rid)
}

// Owner returns the domain rid is bound to on this unit, or nil.
func (u *AMD) Owner(rid uint16) Domain {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.owners[rid]
}

// Assign implements Unit.Assign.
func (u *AMD) Assign(rid uint16, d Domain) {
	e, ok := u.dt.Entry(rid)
	if !ok || !valid(d) {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if e.HostPtr() != 0 && !e.DMAActive() {
		log.Warningf("%v: deny assignment of alias rid %v", u, pci.RID(rid))
		u.stats.refused.Add(1)
		return
	}

	pt := d.IOPageTables()
	root, err := pt.Root(pt.Levels())
	if err != nil {
		log.Warningf("%v: no page table root for domain %d: %v", u, d.DomainID(), err)
		return
	}

	if u.enableEvents(u.regs.Read64(AMDRegCtrl)) {
		u.trace.Debugf("%v: re-enabling fault reporting", u)
	}

	if e.HostPtr() != root {
		if e.HostPtr() != 0 {
			u.releaseEntry(e, rid)
		}
		d.AssignRID(rid)
		u.owners[rid] = d
	}

	e.SetHostPtr(root)
	e.SetPermissions(true, true)
	e.SetMode(pt.Levels())
	e.SetDomainID(d.DomainID())
	e.SetDMAActive(true)
	e.SetValid(true)

	u.flush(rid, AMDCmdInvalidateDTE, false)
	u.flushPGT(d)
	u.stats.assigned.Add(1)
}

// Release implements Unit.Release.
func (u *AMD) Release(rid uint16, d Domain) {
	e, ok := u.dt.Entry(rid)
	if !ok || !valid(d) {
		return
	}
	pt := d.IOPageTables()
	if pt.Empty() {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	root, err := pt.Root(pt.Levels())
	if err != nil || e.HostPtr() != root {
		return
	}
	u.releaseEntry(e, rid)
	d.ReleaseRID(rid)
}

// releaseEntry clears the binding of rid.
//
// Preconditions: u.mu is locked.
func (u *AMD) releaseEntry(e DTE, rid uint16) {
	irt := e.IRTPtr()

	e.SetHostPtr(0)
	e.SetDMAActive(false)
	e.SetDomainID(0)
	e.SetIntRemap(false)

	if irt != 0 {
		clear(u.pool.Memory().Bytes(irt, hostarch.PageSize))
	}

	// Interrupt state goes before the entry advertising it.
	u.flush(rid, AMDCmdInvalidateIRT, false)
	u.flush(rid, AMDCmdInvalidateDTE, true)

	if old := u.owners[rid]; old != nil {
		old.ReleaseRID(rid)
		delete(u.owners, rid)
	}
	u.stats.released.Add(1)
}

// Alias marks alias as an alias of rid. The entry gets a placeholder root
// pointer without DMA translation, which Assign refuses to replace.
func (u *AMD) Alias(alias, rid uint16) {
	e, ok := u.dt.Entry(alias)
	if !ok {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	e.SetHostPtr(uint64(rid) << hostarch.PageShift)
	e.SetValid(true)
}

// SetIRT routes interrupt vector vec of rid to cpu, allocating the remap
// table on first use.
func (u *AMD) SetIRT(rid uint16, cpu, vec uint) {
	if vec >= irtEntries || cpu >= 256 {
		return
	}
	e, ok := u.dt.Entry(rid)
	if !ok {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	irt := e.IRTPtr()
	if irt == 0 {
		phys, err := u.pool.AllocFrames(0)
		if err != nil {
			log.Warningf("%v: no interrupt remap table for %v: %v", u, pci.RID(rid), err)
			return
		}
		irt = phys
	}

	slots := u.pool.Memory().Uint32s(irt, irtEntries)
	atomic.StoreUint32(&slots[vec], uint32(vec<<16|cpu<<8|irtRqEOI|irtRemapEn))

	if !e.IntRemap() {
		e.SetIRTPtr(irt)
		u.flush(rid, AMDCmdInvalidateIRT, false)
		e.SetIntRemap(true)
	}
	u.flush(rid, AMDCmdInvalidateDTE, true)
}

// IRT returns the interrupt remap table of rid, or nil.
func (u *AMD) IRT(rid uint16) []uint32 {
	e, ok := u.dt.Entry(rid)
	if !ok || e.IRTPtr() == 0 {
		return nil
	}
	return u.pool.Memory().Uint32s(e.IRTPtr(), irtEntries)
}

// Flush invalidates the unit's cached state of type op for rid.
func (u *AMD) Flush(rid uint16, op uint8, wait bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.flush(rid, op, wait)
}

// FlushPGT implements Unit.FlushPGT.
func (u *AMD) FlushPGT(d Domain) {
	if !valid(d) {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.flushPGT(d)
}

// Preconditions: u.mu is locked.
func (u *AMD) flush(rid uint16, op uint8, wait bool) {
	u.command(uint64(op)<<60|uint64(rid), 0, wait)
}

// Preconditions: u.mu is locked.
func (u *AMD) flushPGT(d Domain) {
	u.command(AMDCmdInvalidatePGT<<60|uint64(d.DomainID())<<32, allPages, true)
}

// command queues a descriptor, optionally followed by a completion wait,
// and publishes the new tail. If wait is set, it polls until the unit has
// consumed every queued descriptor. A timeout is only traced.
//
// Preconditions: u.mu is locked.
func (u *AMD) command(lo, hi uint64, wait bool) {
	if u.cmdBase == 0 {
		return
	}
	ring := u.pool.Memory().Uint64s(u.cmdBase, RingSize/8)
	tail := u.regs.Read64(AMDRegCmdTail) & ringMask

	push := func(lo, hi uint64) {
		atomic.StoreUint64(&ring[tail/8], lo)
		atomic.StoreUint64(&ring[tail/8+1], hi)
		tail = (tail + RingEntrySize) % RingSize
		u.stats.commands.Add(1)
	}
	push(lo, hi)
	if wait {
		push(AMDCmdCompletionWait<<60, 0)
	}

	// The atomic stores above order the descriptors before the tail.
	u.regs.Write64(AMDRegCmdTail, tail)

	if !wait {
		return
	}
	if !spinUntil(func() bool { return u.regs.Read64(AMDRegCmdHead)&ringMask == tail }) {
		u.stats.timeouts.Add(1)
		u.trace.Debugf("%v: timeout - iommu flush", u)
	}
}

// ReportingEnabled implements Unit.ReportingEnabled.
func (u *AMD) ReportingEnabled() bool {
	const both = AMDCtrlEventLog | AMDCtrlEventInt
	return u.regs.Read64(AMDRegCtrl)&both == both
}

func (u *AMD) disableEvents() {
	u.regs.Write64(AMDRegCtrl, u.regs.Read64(AMDRegCtrl)&^(AMDCtrlEventLog|AMDCtrlEventInt))
}

// enableEvents re-arms event reporting and recovers from an event ring
// overflow. It reports whether reporting had been disabled.
func (u *AMD) enableEvents(ctrl uint64) bool {
	if u.eventBase == 0 {
		return false
	}
	enabled := ctrl&(AMDCtrlEventLog|AMDCtrlEventInt) != 0
	reenable := !enabled

	status := u.regs.Read64(AMDRegStatus)
	if status&AMDStatusEventOverflow != 0 {
		u.disableEvents()
		reenable = true
		u.regs.Write64(AMDRegEventTail, 0)
		u.regs.Write64(AMDRegEventHead, 0)
		u.stats.overflows.Add(1)
		u.trace.Debugf("%v: event ring overflow", u)
	}
	u.regs.Write64(AMDRegStatus, status)

	if reenable {
		u.regs.Write64(AMDRegCtrl, ctrl|AMDCtrlEventLog|AMDCtrlEventInt)
	}
	return !enabled
}

// FaultHandler implements Unit.FaultHandler. It drains the event ring.
func (u *AMD) FaultHandler() {
	ctrl := u.regs.Read64(AMDRegCtrl)
	if u.eventBase == 0 || ctrl&AMDCtrlEventLog == 0 {
		return
	}

	tail := u.regs.Read64(AMDRegEventTail) & ringMask
	head := u.regs.Read64(AMDRegEventHead) & ringMask
	if head > RingSize-RingEntrySize || tail > RingSize-RingEntrySize {
		log.Warningf("%v: event ring corrupted, head %#x tail %#x", u, head, tail)
		u.stats.corruptions.Add(1)
		u.disableEvents()
		return
	}

	ring := u.pool.Memory().Uint64s(u.eventBase, RingSize/8)
	disabled := false
	for head != tail {
		info := atomic.LoadUint64(&ring[head/8])
		addr := atomic.LoadUint64(&ring[head/8+1])
		rid := uint16(info)
		u.trace.Debugf("%v: event %#x rid %v addr %#x", u, info>>60&0xf, pci.RID(rid), addr)
		u.stats.faults.Add(1)

		head = (head + RingEntrySize) % RingSize
		if !disabled {
			disabled = u.faults.record(rid)
		}
	}
	u.regs.Write64(AMDRegEventHead, head)

	u.faults.sweep(disabled)
	if disabled {
		log.Warningf("%v: fault storm, disabling fault reporting", u)
		u.stats.storms.Add(1)
		u.disableEvents()
		return
	}
	u.enableEvents(u.regs.Read64(AMDRegCtrl))
}

// Stats implements Unit.Stats.
func (u *AMD) Stats() Stats {
	return u.stats.snapshot()
}
