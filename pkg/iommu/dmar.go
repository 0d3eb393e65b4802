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
	"math/bits"
	"sync/atomic"

	"gvisor.dev/iommu/pkg/atomicbitops"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/log"
	"gvisor.dev/iommu/pkg/pci"
	"gvisor.dev/iommu/pkg/physmem"
	"gvisor.dev/iommu/pkg/sync"
)

// DMAR register offsets.
const (
	DMARRegCap    = 0x08
	DMARRegECap   = 0x10
	DMARRegGCmd   = 0x18
	DMARRegGSts   = 0x1c
	DMARRegRTAddr = 0x20
	DMARRegCCmd   = 0x28
	DMARRegFSts   = 0x34
	DMARRegFECtl  = 0x38
	DMARRegFEData = 0x3c
	DMARRegFEAddr = 0x40
	DMARRegIQH    = 0x80
	DMARRegIQT    = 0x88
	DMARRegIQA    = 0x90
	DMARRegIRTA   = 0xb8
)

// Global command bits.
const (
	DMARCmdTE    = 1 << 31
	DMARCmdSRTP  = 1 << 30
	DMARCmdQIE   = 1 << 26
	DMARCmdIRE   = 1 << 25
	DMARCmdSIRTP = 1 << 24
)

// Fault status and control bits.
const (
	DMARFStsPFO   = 1 << 0
	DMARFStsPPF   = 1 << 1
	DMARFStsClear = 0x7d
	DMARFECtlIM   = 1 << 31

	// DMARFaultF marks a valid fault record in its high word.
	DMARFaultF = 1 << 63
)

// Register based invalidation bits.
const (
	dmarCCmdICC    = 1 << 63
	dmarCCmdGlobal = 1 << 61
	dmarIOTLBIVT   = 1 << 63
	dmarIOTLBGlob  = 1 << 60
	dmarIOTLBDom   = 2 << 60
)

// Invalidation queue descriptor types.
const (
	DMARInvContext = 1
	DMARInvIOTLB   = 2
	DMARInvIEC     = 4
	DMARInvWait    = 5

	dmarInvGlobal    = 1 << 4
	dmarInvDomain    = 2 << 4
	dmarInvWaitWrite = 1 << 5

	// dmarInvEntries is the number of invalidation queue entries.
	dmarInvEntries = hostarch.PageSize / 16
)

// Interrupt remap table entry bits.
const (
	dmarIRTEPresent = 1 << 0
	dmarIRTEVerify  = 1 << 18
)

// ErrInvalidUnit is returned for units reporting unusable capabilities.
var ErrInvalidUnit = errors.New("invalid remapping unit")

// DMARTables are the root table and interrupt remap table shared by all
// Intel units.
type DMARTables struct {
	pool *physmem.Pool
	root uint64
	irt  uint64

	// irtMu serializes writers of the interrupt remap table. An entry is
	// two words, and units of the family release entries concurrently
	// with SetIRT.
	irtMu sync.Mutex
}

// NewDMARTables allocates the shared tables from pool.
func NewDMARTables(pool *physmem.Pool) (*DMARTables, error) {
	root, err := pool.AllocFrames(0)
	if err != nil {
		return nil, fmt.Errorf("allocating root table: %w", err)
	}
	irt, err := pool.AllocFrames(0)
	if err != nil {
		pool.FreeFrames(root)
		return nil, fmt.Errorf("allocating interrupt remap table: %w", err)
	}
	return &DMARTables{pool: pool, root: root, irt: irt}, nil
}

func (t *DMARTables) words(phys uint64) []uint64 {
	return t.pool.Memory().Uint64s(phys, hostarch.PageSize/8)
}

// context returns the context entry words of rid, allocating the bus's
// context table if alloc is set. It returns nil if there is none.
func (t *DMARTables) context(rid uint16, alloc bool) ([]uint64, error) {
	re := &t.words(t.root)[int(rid>>8)*2]
	v := atomic.LoadUint64(re)
	if v&1 == 0 {
		if !alloc {
			return nil, nil
		}
		phys, err := t.pool.AllocFrames(0)
		if err != nil {
			return nil, err
		}
		if atomic.CompareAndSwapUint64(re, 0, phys|1) {
			v = phys | 1
		} else {
			t.pool.FreeFrames(phys)
			v = atomic.LoadUint64(re)
		}
	}
	ctx := t.words(v &^ hostarch.PageMask)
	i := int(rid&0xff) * 2
	return ctx[i : i+2 : i+2], nil
}

// Context returns the context entry of rid.
func (t *DMARTables) Context(rid uint16) (lo, hi uint64) {
	c, _ := t.context(rid, false)
	if c == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&c[0]), atomic.LoadUint64(&c[1])
}

// SetIRT routes interrupt gsi, raised by rid, to vector vec on cpu.
func (t *DMARTables) SetIRT(gsi uint, rid uint16, cpu, vec, trg uint) {
	if gsi >= dmarInvEntries {
		return
	}
	irt := t.words(t.irt)
	t.irtMu.Lock()
	defer t.irtMu.Unlock()
	atomic.StoreUint64(&irt[gsi*2+1], dmarIRTEVerify|uint64(rid))
	atomic.StoreUint64(&irt[gsi*2], uint64(cpu)<<40|uint64(vec)<<16|uint64(trg)<<4|dmarIRTEPresent)
}

// IRTE returns the interrupt remap table entry of gsi.
func (t *DMARTables) IRTE(gsi uint) (lo, hi uint64) {
	if gsi >= dmarInvEntries {
		return 0, 0
	}
	irt := t.words(t.irt)
	t.irtMu.Lock()
	defer t.irtMu.Unlock()
	return atomic.LoadUint64(&irt[gsi*2]), atomic.LoadUint64(&irt[gsi*2+1])
}

// clearIRT removes every interrupt remap table entry of rid.
func (t *DMARTables) clearIRT(rid uint16) {
	irt := t.words(t.irt)
	t.irtMu.Lock()
	defer t.irtMu.Unlock()
	for i := 0; i < len(irt); i += 2 {
		if uint16(atomic.LoadUint64(&irt[i+1])) == rid {
			atomic.StoreUint64(&irt[i], 0)
			atomic.StoreUint64(&irt[i+1], 0)
		}
	}
}

// DMAR is an Intel remapping unit.
type DMAR struct {
	base   uint64
	regs   Registers
	tables *DMARTables
	pool   *physmem.Pool
	trace  log.Logger

	cap  uint64
	ecap uint64

	// gcmd holds the persistent global command bits.
	gcmd atomicbitops.Uint32

	// invq is the invalidation queue and invWait the word its wait
	// descriptors write to. Both are zero without queued invalidation.
	invq    uint64
	invWait uint64

	// mu protects the context entries of devices bound through this unit,
	// the invalidation queue and the fields below.
	mu     sync.SpinMutex
	invIdx uint64
	owners map[uint16]Domain

	// faults is only used by FaultHandler.
	faults faultRate

	stats counters
}

// DMARConfig describes an Intel unit.
type DMARConfig struct {
	Base uint64

	// APIC and Vector route the unit's fault interrupt.
	APIC   uint8
	Vector uint8
}

// NewDMAR initializes the unit behind regs and points it at the shared
// tables. Translation is not enabled until Enable.
func NewDMAR(c DMARConfig, regs Registers, tables *DMARTables, pool *physmem.Pool, trace log.Logger) (*DMAR, error) {
	if trace == nil {
		trace = log.Log()
	}
	d := &DMAR{
		base:   c.Base,
		regs:   regs,
		tables: tables,
		pool:   pool,
		trace:  trace,
		cap:    regs.Read64(DMARRegCap),
		ecap:   regs.Read64(DMARRegECap),
		gcmd:   atomicbitops.FromUint32(DMARCmdTE),
		owners: make(map[uint16]Domain),
	}
	if d.invalid() {
		log.Warningf("DMAR at address %#x is invalid (cap=%#x, ecap=%#x) - IOMMU protection is DISABLED", c.Base, d.cap, d.ecap)
		return nil, fmt.Errorf("DMAR at %#x: %w", c.Base, ErrInvalidUnit)
	}

	regs.Write32(DMARRegFEAddr, 0xfee00000|uint32(c.APIC)<<12)
	regs.Write32(DMARRegFEData, uint32(c.Vector))
	regs.Write32(DMARRegFECtl, 0)

	regs.Write64(DMARRegRTAddr, tables.root)
	d.command(DMARCmdSRTP)

	if d.ir() {
		regs.Write64(DMARRegIRTA, tables.irt|7)
		d.command(DMARCmdSIRTP)
		d.gcmd.Or(DMARCmdIRE)
	}

	if d.qi() {
		invq, err := pool.AllocFrames(0)
		if err != nil {
			return nil, fmt.Errorf("allocating invalidation queue: %w", err)
		}
		wait, err := pool.AllocFrames(0)
		if err != nil {
			pool.FreeFrames(invq)
			return nil, fmt.Errorf("allocating invalidation status: %w", err)
		}
		d.invq, d.invWait = invq, wait
		regs.Write64(DMARRegIQT, 0)
		regs.Write64(DMARRegIQA, invq)
		d.command(DMARCmdQIE)
		d.gcmd.Or(DMARCmdQIE)
	}
	return d, nil
}

// String implements fmt.Stringer.String.
func (d *DMAR) String() string {
	return fmt.Sprintf("DMAR@%#x", d.base)
}

// Base returns the address of the unit's register window.
func (d *DMAR) Base() uint64 {
	return d.base
}

func (d *DMAR) invalid() bool {
	return d.cap == 0 || d.ecap == 0 || d.cap == ^uint64(0) || d.sagaw() == 0
}

func (d *DMAR) sagaw() uint64 { return d.cap >> 8 & 0x1f }

// agaw returns the adjusted guest address width encoding of the widest
// supported table depth.
func (d *DMAR) agaw() int { return bits.Len64(d.sagaw()) - 1 }

func (d *DMAR) nfr() uint64 { return d.cap>>40&0xff + 1 }

func (d *DMAR) fro() uint64 { return (d.cap >> 24 & 0x3ff) * 16 }

func (d *DMAR) iro() uint64 { return (d.ecap >> 8 & 0x3ff) * 16 }

func (d *DMAR) qi() bool { return d.ecap&(1<<1) != 0 }

func (d *DMAR) ir() bool { return d.ecap&(1<<3) != 0 }

// command issues a one-shot global command and waits for its status.
func (d *DMAR) command(val uint32) {
	d.regs.Write32(DMARRegGCmd, d.gcmd.Load()|val)
	if !spinUntil(func() bool { return d.regs.Read32(DMARRegGSts)&val == val }) {
		d.stats.timeouts.Add(1)
		d.trace.Debugf("%v: timeout - global command %#x", d, val)
	}
}

// Enable turns on translation and the enabled remapping features.
func (d *DMAR) Enable() {
	d.command(d.gcmd.Load())
}

// root returns the root of dom's tables at the unit's depth.
func (d *DMAR) root(dom Domain) (uint64, error) {
	pt := dom.DMAPageTables()
	return pt.Root(min(d.agaw()+2, pt.Levels()))
}

// contextValue returns the context entry binding dom.
func (d *DMAR) contextValue(dom Domain, root uint64) (lo, hi uint64) {
	return root | 1, uint64(d.agaw()) | uint64(dom.DomainID())<<8
}

// Assign implements Unit.Assign.
func (d *DMAR) Assign(rid uint16, dom Domain) {
	if !valid(dom) {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	c, err := d.tables.context(rid, true)
	if err != nil {
		log.Warningf("%v: no context table for %v: %v", d, pci.RID(rid), err)
		return
	}
	root, err := d.root(dom)
	if err != nil {
		log.Warningf("%v: no page table root for domain %d: %v", d, dom.DomainID(), err)
		return
	}

	if atomic.LoadUint64(&c[0])&1 != 0 {
		atomic.StoreUint64(&c[0], 0)
		atomic.StoreUint64(&c[1], 0)
	}
	d.flushContext()

	lo, hi := d.contextValue(dom, root)
	atomic.StoreUint64(&c[1], hi)
	atomic.StoreUint64(&c[0], lo)

	if old := d.owners[rid]; old != dom {
		if old != nil {
			old.ReleaseRID(rid)
		}
		dom.AssignRID(rid)
		d.owners[rid] = dom
	}
	d.stats.assigned.Add(1)

	if d.regs.Read32(DMARRegFECtl)&DMARFECtlIM != 0 {
		d.trace.Debugf("%v: re-enabling fault reporting", d)
		d.regs.Write32(DMARRegFECtl, 0)
	}
}

// Release implements Unit.Release.
func (d *DMAR) Release(rid uint16, dom Domain) {
	if !valid(dom) || dom.DMAPageTables().Empty() {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	c, _ := d.tables.context(rid, false)
	if c == nil || atomic.LoadUint64(&c[0])&1 == 0 {
		return
	}
	root, err := d.root(dom)
	if err != nil {
		return
	}
	lo, hi := d.contextValue(dom, root)
	if atomic.LoadUint64(&c[0]) != lo || atomic.LoadUint64(&c[1]) != hi {
		return
	}

	d.tables.clearIRT(rid)
	atomic.StoreUint64(&c[0], 0)
	atomic.StoreUint64(&c[1], 0)
	d.flushContext()

	if old := d.owners[rid]; old != nil {
		old.ReleaseRID(rid)
		delete(d.owners, rid)
	}
	dom.ReleaseRID(rid)
	d.stats.released.Add(1)
}

// Owner returns the domain rid is bound to on this unit, or nil.
func (d *DMAR) Owner(rid uint16) Domain {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owners[rid]
}

// FlushPGT implements Unit.FlushPGT.
func (d *DMAR) FlushPGT(dom Domain) {
	if !valid(dom) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	did := uint64(dom.DomainID())
	if d.qi() {
		d.queue(DMARInvIOTLB|dmarInvDomain|did<<16, 0)
		d.queueWait()
		return
	}
	d.register(d.iro()+8, dmarIOTLBIVT|dmarIOTLBDom|did<<32)
}

// FlushIEC invalidates cached interrupt remap entries.
func (d *DMAR) FlushIEC() {
	if !d.qi() || !d.ir() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue(DMARInvIEC, 0)
	d.queueWait()
}

// flushContext invalidates the context cache and the IOTLB.
//
// Preconditions: d.mu is locked.
func (d *DMAR) flushContext() {
	if d.qi() {
		d.queue(DMARInvContext|dmarInvGlobal, 0)
		d.queue(DMARInvIOTLB|dmarInvGlobal, 0)
		d.queueWait()
		return
	}
	d.register(DMARRegCCmd, dmarCCmdICC|dmarCCmdGlobal)
	d.register(d.iro()+8, dmarIOTLBIVT|dmarIOTLBGlob)
}

// register issues a register based invalidation and waits for the busy
// bit to clear.
func (d *DMAR) register(off, val uint64) {
	d.stats.commands.Add(1)
	d.regs.Write64(off, val)
	if !spinUntil(func() bool { return d.regs.Read64(off)&(1<<63) == 0 }) {
		d.stats.timeouts.Add(1)
		d.trace.Debugf("%v: timeout - register invalidation %#x", d, off)
	}
}

// queue appends a descriptor to the invalidation queue.
//
// Preconditions: d.mu is locked.
func (d *DMAR) queue(lo, hi uint64) {
	q := d.pool.Memory().Uint64s(d.invq, hostarch.PageSize/8)
	atomic.StoreUint64(&q[d.invIdx*2], lo)
	atomic.StoreUint64(&q[d.invIdx*2+1], hi)
	d.invIdx = (d.invIdx + 1) % dmarInvEntries
	d.regs.Write64(DMARRegIQT, d.invIdx<<4)
	d.stats.commands.Add(1)
}

// queueWait queues a wait descriptor and polls for its status write.
//
// Preconditions: d.mu is locked.
func (d *DMAR) queueWait() {
	status := &d.pool.Memory().Uint32s(d.invWait, 1)[0]
	atomic.StoreUint32(status, 0)
	d.queue(DMARInvWait|dmarInvWaitWrite|1<<32, d.invWait)
	if !spinUntil(func() bool { return atomic.LoadUint32(status) == 1 }) {
		d.stats.timeouts.Add(1)
		d.trace.Debugf("%v: timeout - invalidation wait", d)
	}
}

// ReportingEnabled implements Unit.ReportingEnabled.
func (d *DMAR) ReportingEnabled() bool {
	return d.regs.Read32(DMARRegFECtl)&DMARFECtlIM == 0
}

// faultRecord reads and clears fault record frr.
func (d *DMAR) faultRecord(frr uint64) (lo, hi uint64) {
	off := d.fro() + frr*16
	lo, hi = d.regs.Read64(off), d.regs.Read64(off+8)
	if hi&DMARFaultF != 0 {
		d.regs.Write32(off+12, 1<<31)
	}
	return lo, hi
}

// maxFaultPasses bounds the passes over the fault status register.
const maxFaultPasses = 16

// FaultHandler implements Unit.FaultHandler.
func (d *DMAR) FaultHandler() {
	faults := 0
	disabled := false

	for pass := 0; pass < maxFaultPasses; pass++ {
		fsts := d.regs.Read32(DMARRegFSts)
		if fsts&0xff == 0 {
			break
		}
		if fsts&DMARFStsPPF != 0 {
			frr := uint64(fsts>>8&0xff) % d.nfr()
			for n := uint64(0); n < d.nfr(); n, frr = n+1, (frr+1)%d.nfr() {
				lo, hi := d.faultRecord(frr)
				if hi&DMARFaultF == 0 {
					break
				}
				faults++
				d.stats.faults.Add(1)
				if disabled {
					continue
				}
				rid := uint16(hi)
				d.trace.Debugf("%v: FRR:%d FR:%#x BDF:%v FI:%#x (%d)", d, frr, hi>>32&0xff, pci.RID(rid), lo, faults)
				if d.faults.record(rid) {
					d.regs.Write32(DMARRegFECtl, DMARFECtlIM)
					disabled = true
				}
			}
		}
		d.regs.Write32(DMARRegFSts, DMARFStsClear)
		if faults == 0 {
			faults++
		}
	}

	if faults == 0 {
		return
	}
	if disabled {
		log.Warningf("%v: fault storm, disabling fault reporting", d)
		d.stats.storms.Add(1)
	}
	d.faults.sweep(disabled)
}

// Stats implements Unit.Stats.
func (d *DMAR) Stats() Stats {
	return d.stats.snapshot()
}
