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

const (
	ringMask = (1<<19 - 1) &^ 0xf
	ptrMask  = (1<<52 - 1) &^ 0xfff
)

// AMD models an AMD IOMMU.
type AMD struct {
	Regs *mmio.Region
	mem  *physmem.Memory

	// mu serializes command consumption and event injection, and protects
	// the fields below.
	mu       sync.Mutex
	mode     Mode
	status   uint64
	commands []Command
	dropped  int

	// pending tracks asynchronous consumers.
	pending sync.WaitGroup
}

// NewAMD returns an AMD model using mem.
func NewAMD(mem *physmem.Memory) *AMD {
	a := &AMD{
		Regs: mmio.New(iommu.AMDRegSize),
		mem:  mem,
	}
	a.Regs.SetWriteHook(a.written)
	return a
}

// SetMode sets the command consumption mode.
func (a *AMD) SetMode(m Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = m
}

func (a *AMD) written(off uint64, size int) {
	switch off {
	case iommu.AMDRegCmdTail:
		a.mu.Lock()
		mode := a.mode
		a.mu.Unlock()
		switch mode {
		case Sync:
			a.Drain()
		case Async:
			a.pending.Add(1)
			go func() {
				defer a.pending.Done()
				a.Drain()
			}()
		}
	case iommu.AMDRegStatus:
		// Write one to clear.
		a.mu.Lock()
		a.status &^= a.Regs.Load(iommu.AMDRegStatus)
		a.Regs.Store(iommu.AMDRegStatus, a.status)
		a.mu.Unlock()
	}
}

// Drain consumes every published command.
func (a *AMD) Drain() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Regs.Load(iommu.AMDRegCtrl)&iommu.AMDCtrlCmdBuf == 0 {
		return
	}
	ring := a.mem.Uint64s(a.Regs.Load(iommu.AMDRegCmd)&ptrMask, iommu.RingSize/8)
	head := a.Regs.Load(iommu.AMDRegCmdHead) & ringMask
	tail := a.Regs.Load(iommu.AMDRegCmdTail) & ringMask
	for head != tail {
		lo, hi := atomic.LoadUint64(&ring[head/8]), atomic.LoadUint64(&ring[head/8+1])
		a.commands = append(a.commands, Command{Op: uint8(lo >> 60), Lo: lo, Hi: hi})
		head = (head + iommu.RingEntrySize) % iommu.RingSize
	}
	a.Regs.Store(iommu.AMDRegCmdHead, head)
}

// Idle reports whether every published command was consumed.
func (a *AMD) Idle() bool {
	return a.Regs.Load(iommu.AMDRegCmdHead)&ringMask == a.Regs.Load(iommu.AMDRegCmdTail)&ringMask
}

// Commands returns the commands consumed so far.
func (a *AMD) Commands() []Command {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Command(nil), a.commands...)
}

// ResetCommands forgets consumed commands.
func (a *AMD) ResetCommands() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands = nil
}

// Event logs an I/O page fault of rid at addr. It reports whether the
// event was logged; events are dropped while logging is disabled and set
// the overflow status when the ring is full.
func (a *AMD) Event(rid uint16, typ uint8, addr uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Regs.Load(iommu.AMDRegCtrl)&iommu.AMDCtrlEventLog == 0 {
		a.dropped++
		return false
	}
	head := a.Regs.Load(iommu.AMDRegEventHead) & ringMask
	tail := a.Regs.Load(iommu.AMDRegEventTail) & ringMask
	next := (tail + iommu.RingEntrySize) % iommu.RingSize
	if next == head {
		a.status |= iommu.AMDStatusEventOverflow
		a.Regs.Store(iommu.AMDRegStatus, a.status)
		a.dropped++
		return false
	}
	ring := a.mem.Uint64s(a.Regs.Load(iommu.AMDRegEvent)&ptrMask, iommu.RingSize/8)
	atomic.StoreUint64(&ring[tail/8], uint64(typ&0xf)<<60|uint64(rid))
	atomic.StoreUint64(&ring[tail/8+1], addr)
	a.Regs.Store(iommu.AMDRegEventTail, next)
	return true
}

// Dropped returns the number of events that could not be logged.
func (a *AMD) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// SetEventPointers overwrites the event ring pointers, as a faulty unit
// would.
func (a *AMD) SetEventPointers(head, tail uint64) {
	a.Regs.Store(iommu.AMDRegEventHead, head)
	a.Regs.Store(iommu.AMDRegEventTail, tail)
}
