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

package iommutest

import (
	"sync/atomic"

	"gvisor.dev/iommu/pkg/iommu"
	"gvisor.dev/iommu/pkg/mmio"
	"gvisor.dev/iommu/pkg/physmem"
	"gvisor.dev/iommu/pkg/sync"
)

// Register layout of the Intel model.
const (
	dmarRegSize     = 0x1000
	dmarFaultOffset = 0x400
	dmarIOTLBOffset = 0x500
	dmarInvEntries  = 256
)

// DMAROptions selects the capabilities of an Intel model.
type DMAROptions struct {
	// QI enables queued invalidation.
	QI bool

	// IR enables interrupt remapping.
	IR bool

	// Records is the number of fault recording registers, 4 if zero.
	Records int

	// SAGAW is the supported table depth mask, 4-level tables if zero.
	SAGAW uint8
}

// DMAR models an Intel remapping unit.
type DMAR struct {
	Regs *mmio.Region
	mem  *physmem.Memory
	opts DMAROptions

	// mu serializes invalidation processing and fault recording, and
	// protects the fields below.
	mu       sync.Mutex
	mode     Mode
	status   uint32
	next     int
	commands []Command

	// pending tracks asynchronous consumers.
	pending sync.WaitGroup
}

// NewDMAR returns an Intel model using mem.
func NewDMAR(mem *physmem.Memory, opts DMAROptions) *DMAR {
	if opts.Records == 0 {
		opts.Records = 4
	}
	if opts.SAGAW == 0 {
		opts.SAGAW = 1 << 2
	}
	d := &DMAR{
		Regs: mmio.New(dmarRegSize),
		mem:  mem,
		opts: opts,
	}
	capReg := uint64(opts.Records-1)<<40 | uint64(dmarFaultOffset/16)<<24 | uint64(opts.SAGAW&0x1f)<<8
	ecap := uint64(dmarIOTLBOffset/16) << 8
	if opts.QI {
		ecap |= 1 << 1
	}
	if opts.IR {
		ecap |= 1 << 3
	}
	d.Regs.Store(iommu.DMARRegCap, capReg)
	d.Regs.Store(iommu.DMARRegECap, ecap)
	d.Regs.SetWriteHook(d.written)
	return d
}

// SetMode sets the invalidation consumption mode.
func (d *DMAR) SetMode(m Mode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = m
}

func (d *DMAR) getMode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

func (d *DMAR) recordOffset(i int) uint64 {
	return dmarFaultOffset + uint64(i)*16
}

func (d *DMAR) written(off uint64, size int) {
	switch {
	case off == iommu.DMARRegGCmd:
		d.Regs.Store32(iommu.DMARRegGSts, d.Regs.Load32(iommu.DMARRegGCmd))
	case off == iommu.DMARRegCCmd:
		if d.getMode() != Stall {
			d.registerInvalidation(off, iommu.DMARInvContext)
		}
	case off == dmarIOTLBOffset+8:
		if d.getMode() != Stall {
			d.registerInvalidation(off, iommu.DMARInvIOTLB)
		}
	case off == iommu.DMARRegIQT:
		switch d.getMode() {
		case Sync:
			d.Drain()
		case Async:
			d.pending.Add(1)
			go func() {
				defer d.pending.Done()
				d.Drain()
			}()
		}
	case off == iommu.DMARRegFSts:
		d.mu.Lock()
		d.status &^= d.Regs.Load32(iommu.DMARRegFSts)
		d.updateStatus()
		d.mu.Unlock()
	case off >= dmarFaultOffset && off < d.recordOffset(d.opts.Records) && off%16 == 12:
		if d.Regs.Load32(off)&(1<<31) != 0 {
			d.Regs.Store32(off, 0)
		}
	}
}

// registerInvalidation completes a register based invalidation at off.
func (d *DMAR) registerInvalidation(off uint64, op uint8) {
	v := d.Regs.Load(off)
	if v&(1<<63) == 0 {
		return
	}
	d.mu.Lock()
	d.commands = append(d.commands, Command{Op: op, Lo: v})
	d.mu.Unlock()
	d.Regs.Store(off, v&^(1<<63))
}

// Drain processes every queued invalidation descriptor and completes
// pending register based invalidations.
func (d *DMAR) Drain() {
	d.registerInvalidation(iommu.DMARRegCCmd, iommu.DMARInvContext)
	d.registerInvalidation(dmarIOTLBOffset+8, iommu.DMARInvIOTLB)

	d.mu.Lock()
	defer d.mu.Unlock()
	iqa := d.Regs.Load(iommu.DMARRegIQA) &^ 0xfff
	if iqa == 0 {
		return
	}
	q := d.mem.Uint64s(iqa, dmarInvEntries*2)
	head := d.Regs.Load(iommu.DMARRegIQH) >> 4 % dmarInvEntries
	tail := d.Regs.Load(iommu.DMARRegIQT) >> 4 % dmarInvEntries
	for head != tail {
		lo, hi := atomic.LoadUint64(&q[head*2]), atomic.LoadUint64(&q[head*2+1])
		op := uint8(lo & 0xf)
		d.commands = append(d.commands, Command{Op: op, Lo: lo, Hi: hi})
		if op == iommu.DMARInvWait && lo&(1<<5) != 0 {
			atomic.StoreUint32(&d.mem.Uint32s(hi&^3, 1)[0], uint32(lo>>32))
		}
		head = (head + 1) % dmarInvEntries
	}
	d.Regs.Store(iommu.DMARRegIQH, head<<4)
}

// Idle reports whether every queued and register based invalidation
// completed.
func (d *DMAR) Idle() bool {
	const busy = 1 << 63
	if d.Regs.Load(iommu.DMARRegCCmd)&busy != 0 || d.Regs.Load(dmarIOTLBOffset+8)&busy != 0 {
		return false
	}
	return d.Regs.Load(iommu.DMARRegIQH) == d.Regs.Load(iommu.DMARRegIQT)
}

// Commands returns the invalidations processed so far.
func (d *DMAR) Commands() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Command(nil), d.commands...)
}

// ResetCommands forgets processed invalidations.
func (d *DMAR) ResetCommands() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = nil
}

// updateStatus recomputes the pending fault bit and publishes the status.
//
// Preconditions: d.mu is locked.
func (d *DMAR) updateStatus() {
	d.status &^= iommu.DMARFStsPPF
	for i := 0; i < d.opts.Records; i++ {
		if d.Regs.Load(d.recordOffset(i)+8)&iommu.DMARFaultF != 0 {
			d.status |= iommu.DMARFStsPPF
			break
		}
	}
	d.Regs.Store32(iommu.DMARRegFSts, d.status)
}

// Fault records a translation fault of rid at addr. It reports whether an
// interrupt would be raised: the fault must fit in the recording registers
// and interrupts must not be masked.
func (d *DMAR) Fault(rid uint16, reason uint8, addr uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := d.recordOffset(d.next)
	if d.Regs.Load(off+8)&iommu.DMARFaultF != 0 {
		d.status |= iommu.DMARFStsPFO
		d.Regs.Store32(iommu.DMARRegFSts, d.status)
		return false
	}
	if d.status&iommu.DMARFStsPPF == 0 {
		d.status = d.status&^0xff00 | uint32(d.next)<<8
	}
	d.Regs.Store(off, addr)
	d.Regs.Store(off+8, iommu.DMARFaultF|uint64(reason)<<32|uint64(rid))
	d.next = (d.next + 1) % d.opts.Records
	d.updateStatus()
	return d.Regs.Load32(iommu.DMARRegFECtl)&iommu.DMARFECtlIM == 0
}
