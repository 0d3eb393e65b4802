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

package iommu_test

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"gvisor.dev/iommu/pkg/domain"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/iommu"
	"gvisor.dev/iommu/pkg/iommu/iommutest"
)

func TestStartProgramsUnit(t *testing.T) {
	h := newHarness(t, amdTable(), iommutest.DMAROptions{})
	regs := h.amdModel().Regs

	ctrl := regs.Load(iommu.AMDRegCtrl)
	want := uint64(iommu.AMDCtrlEnable | iommu.AMDCtrlEventLog | iommu.AMDCtrlEventInt | iommu.AMDCtrlCmdBuf)
	if ctrl&want != want {
		t.Errorf("control = %#x, want bits %#x", ctrl, want)
	}
	for _, off := range []uint64{iommu.AMDRegCmd, iommu.AMDRegEvent} {
		v := regs.Load(off)
		if v>>56 != 8 || v&^(0xff<<56) == 0 {
			t.Errorf("ring base %#x = %#x", off, v)
		}
	}
	dt := h.reg.DeviceTable()
	if got, want := regs.Load(iommu.AMDRegDTB), dt.Phys()|511; got != want {
		t.Errorf("device table base = %#x, want %#x", got, want)
	}
	if !h.amd().ReportingEnabled() {
		t.Errorf("fault reporting disabled after start")
	}
}

func TestDeviceEntriesFromTopology(t *testing.T) {
	h := newHarness(t, amdTable(), iommutest.DMAROptions{})
	for _, rid := range append([]uint16{ridNIC, ridDisk, ridBridge, ridIOAPIC}, rangeRIDs...) {
		e := h.dte(rid)
		if !e.Valid() || !e.IntValid() {
			t.Errorf("entry %#x = %v, want valid", rid, e)
		}
		if e.HostPtr() != 0 || e.DMAActive() {
			t.Errorf("entry %#x bound before assignment: %v", rid, e)
		}
	}
	// Setting 0x1 passes INIT interrupts.
	if w := h.dte(ridNIC).Raw(); w[2]&(1<<56) == 0 {
		t.Errorf("setting not applied: %v", h.dte(ridNIC))
	}
	if got, want := h.dte(ridAlias).HostPtr(), uint64(ridBridge)<<hostarch.PageShift; got != want {
		t.Errorf("alias marker = %#x, want %#x", got, want)
	}
	if u := h.reg.Lookup(ridIOAPIC); u != h.amd() {
		t.Errorf("Lookup(ioapic) = %v, want %v", u, h.amd())
	}
	if u := h.reg.Lookup(0x7777); u != nil {
		t.Errorf("Lookup(unknown) = %v, want nil", u)
	}
}

func TestAssign(t *testing.T) {
	h := newHarness(t, amdTable(), iommutest.DMAROptions{})
	d := h.domain()
	h.amdModel().ResetCommands()

	h.assign(ridNIC, d)

	e := h.dte(ridNIC)
	if e.HostPtr() != h.ioRoot(d) || e.DomainID() != d.DomainID() {
		t.Errorf("entry %v does not reference %v", e, d)
	}
	if !e.Valid() || !e.DMAActive() || !e.Readable() || !e.Writable() || e.Mode() != 4 {
		t.Errorf("entry %v not fully enabled", e)
	}
	if !d.HasRID(ridNIC) {
		t.Errorf("%v does not record %#x", d, ridNIC)
	}

	cmds := h.amdModel().Commands()
	want := []uint8{iommu.AMDCmdInvalidateDTE, iommu.AMDCmdInvalidatePGT, iommu.AMDCmdCompletionWait}
	if diff := cmp.Diff(want, ops(cmds)); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
	if got := uint16(cmds[0].Lo); got != ridNIC {
		t.Errorf("device table flush for %#x, want %#x", got, ridNIC)
	}
	if got := uint16(cmds[1].Lo >> 32); got != d.DomainID() {
		t.Errorf("page table flush for domain %d, want %d", got, d.DomainID())
	}
	if s := h.amd().Stats(); s.Assigned != 1 || s.Timeouts != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestAssignInvalidDomain(t *testing.T) {
	h := newHarness(t, amdTable(), iommutest.DMAROptions{})
	before := h.dte(ridNIC).Raw()
	h.amd().Assign(ridNIC, nil)
	if after := h.dte(ridNIC).Raw(); after != before {
		t.Errorf("entry changed from %x to %x", before, after)
	}
	if err := h.reg.Assign(0x7777, h.domain()); err == nil {
		t.Errorf("Assign of a device without IOMMU succeeded")
	}
}

func TestAssignExclusive(t *testing.T) {
	h := newHarness(t, amdTable(), iommutest.DMAROptions{})
	d1, d2 := h.domain(), h.domain()

	h.assign(ridNIC, d1)
	h.assign(ridNIC, d2)

	e := h.dte(ridNIC)
	if e.HostPtr() != h.ioRoot(d2) || e.DomainID() != d2.DomainID() {
		t.Errorf("entry %v does not reference %v", e, d2)
	}
	if d1.HasRID(ridNIC) {
		t.Errorf("%v still records %#x", d1, ridNIC)
	}
	if !d2.HasRID(ridNIC) {
		t.Errorf("%v does not record %#x", d2, ridNIC)
	}
	if got := h.amd().Owner(ridNIC); got != iommu.Domain(d2) {
		t.Errorf("Owner = %v, want %v", got, d2)
	}
	if s := h.amd().Stats(); s.Released != 1 {
		t.Errorf("Released = %d, want 1", s.Released)
	}
}

func TestAssignSameDomainIdempotent(t *testing.T) {
	h := newHarness(t, amdTable(), iommutest.DMAROptions{})
	d := h.domain()
	h.assign(ridNIC, d)
	before := h.dte(ridNIC).Raw()
	h.assign(ridNIC, d)
	if after := h.dte(ridNIC).Raw(); after != before {
		t.Errorf("entry changed from %x to %x", before, after)
	}
	if s := h.amd().Stats(); s.Released != 0 {
		t.Errorf("re-assignment released the device: %+v", s)
	}
	if !d.HasRID(ridNIC) {
		t.Errorf("%v lost %#x", d, ridNIC)
	}
}

func TestAliasRefused(t *testing.T) {
	h := newHarness(t, amdTable(), iommutest.DMAROptions{})
	d := h.domain()

	h.amd().Alias(ridDisk, ridNIC)
	before := h.dte(ridDisk).Raw()
	h.assign(ridDisk, d)

	if after := h.dte(ridDisk).Raw(); after != before {
		t.Errorf("alias entry changed from %x to %x", before, after)
	}
	if d.HasRID(ridDisk) {
		t.Errorf("%v records refused device %#x", d, ridDisk)
	}
	if s := h.amd().Stats(); s.Refused != 1 || s.Assigned != 0 {
		t.Errorf("unexpected stats %+v", s)
	}

	// Aliases from the topology are refused the same way.
	h.assign(ridAlias, d)
	if h.dte(ridAlias).DMAActive() {
		t.Errorf("alias %#x was bound", ridAlias)
	}
}

func TestRelease(t *testing.T) {
	h := newHarness(t, amdTable(), iommutest.DMAROptions{})
	d1, d2 := h.domain(), h.domain()
	h.assign(ridNIC, d1)

	// Releasing on behalf of another domain is ignored.
	h.reg.Release(ridNIC, d2)
	if h.dte(ridNIC).DomainID() != d1.DomainID() {
		t.Fatalf("release by %v unbound %v", d2, d1)
	}

	h.amdModel().ResetCommands()
	h.reg.Release(ridNIC, d1)

	e := h.dte(ridNIC)
	if e.HostPtr() != 0 || e.DomainID() != 0 || e.DMAActive() || e.IntRemap() {
		t.Errorf("entry %v still bound", e)
	}
	if d1.HasRID(ridNIC) {
		t.Errorf("%v still records %#x", d1, ridNIC)
	}
	want := []uint8{iommu.AMDCmdInvalidateIRT, iommu.AMDCmdInvalidateDTE, iommu.AMDCmdCompletionWait}
	if diff := cmp.Diff(want, ops(h.amdModel().Commands())); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}

	// The device can be bound again.
	h.assign(ridNIC, d2)
	if h.dte(ridNIC).DomainID() != d2.DomainID() {
		t.Errorf("re-assignment after release failed: %v", h.dte(ridNIC))
	}
}

func TestSetIRT(t *testing.T) {
	h := newHarness(t, amdTable(), iommutest.DMAROptions{})
	d := h.domain()
	h.assign(ridNIC, d)
	h.amdModel().ResetCommands()

	h.reg.SetIRT(0, ridNIC, 3, 0x40, 0)

	e := h.dte(ridNIC)
	if !e.IntRemap() || e.IRTPtr() == 0 {
		t.Fatalf("entry %v does not remap interrupts", e)
	}
	irt := h.amd().IRT(ridNIC)
	if got, want := irt[0x40], uint32(0x40<<16|3<<8|1<<5|1); got != want {
		t.Errorf("IRT[0x40] = %#x, want %#x", got, want)
	}
	want := []uint8{iommu.AMDCmdInvalidateIRT, iommu.AMDCmdInvalidateDTE, iommu.AMDCmdCompletionWait}
	if diff := cmp.Diff(want, ops(h.amdModel().Commands())); diff != "" {
		t.Errorf("first activation commands mismatch (-want +got):\n%s", diff)
	}

	// Later updates only rewrite the slot.
	h.amdModel().ResetCommands()
	ptr := e.IRTPtr()
	h.reg.SetIRT(0, ridNIC, 1, 0x41, 0)
	if e.IRTPtr() != ptr {
		t.Errorf("remap table moved from %#x to %#x", ptr, e.IRTPtr())
	}
	want = []uint8{iommu.AMDCmdInvalidateDTE, iommu.AMDCmdCompletionWait}
	if diff := cmp.Diff(want, ops(h.amdModel().Commands())); diff != "" {
		t.Errorf("update commands mismatch (-want +got):\n%s", diff)
	}

	// Out of range vectors and processors are ignored.
	h.amdModel().ResetCommands()
	h.reg.SetIRT(0, ridNIC, 0, 256, 0)
	h.reg.SetIRT(0, ridNIC, 256, 0x42, 0)
	if cmds := h.amdModel().Commands(); len(cmds) != 0 {
		t.Errorf("out of range routing issued commands %v", cmds)
	}
}

func TestSetIRTSpecialDevice(t *testing.T) {
	h := newHarness(t, amdTable(), iommutest.DMAROptions{})
	h.reg.SetIRT(2, ridIOAPIC, 0, 0x30, 1)
	if irt := h.amd().IRT(ridIOAPIC); irt == nil || irt[0x30] == 0 {
		t.Errorf("I/O APIC interrupt not routed")
	}
}

func TestReleaseClearsIRT(t *testing.T) {
	h := newHarness(t, amdTable(), iommutest.DMAROptions{})
	d := h.domain()
	h.assign(ridNIC, d)
	h.reg.SetIRT(0, ridNIC, 3, 0x40, 0)

	h.reg.Release(ridNIC, d)

	for i, v := range h.amd().IRT(ridNIC) {
		if v != 0 {
			t.Errorf("IRT[%#x] = %#x after release", i, v)
		}
	}
	if h.dte(ridNIC).IntRemap() {
		t.Errorf("interrupt remapping still enabled")
	}

	// Routing again reinstalls the same table.
	h.assign(ridNIC, d)
	h.reg.SetIRT(0, ridNIC, 3, 0x40, 0)
	if !h.dte(ridNIC).IntRemap() {
		t.Errorf("interrupt remapping not re-enabled")
	}
}

func injectFaults(t *testing.T, h *harness, rid uint16, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if !h.amdModel().Event(rid, ioPageFault, uint64(i)<<12) {
			t.Fatalf("event %d for %#x was not logged", i, rid)
		}
	}
}

func TestFaultDecay(t *testing.T) {
	h := newHarness(t, amdTable(), iommutest.DMAROptions{})
	u := h.amd()

	for round := 0; round < 3; round++ {
		injectFaults(t, h, ridNIC, 5)
		h.faultVector()
		if !u.ReportingEnabled() {
			t.Fatalf("round %d: reporting disabled", round)
		}
		// A sweep without faults forgets the device.
		h.faultVector()
	}
	if s := u.Stats(); s.Faults != 15 || s.Storms != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
	if h.eois != 6 {
		t.Errorf("%d EOIs, want 6", h.eois)
	}
}

func TestFaultStorm(t *testing.T) {
	for _, tc := range []struct {
		name  string
		sweep []int
	}{
		{"single sweep", []int{9}},
		{"consecutive sweeps", []int{5, 4}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, amdTable(), iommutest.DMAROptions{})
			u := h.amd()
			for i, n := range tc.sweep {
				injectFaults(t, h, ridNIC, n)
				h.faultVector()
				if last := i == len(tc.sweep)-1; u.ReportingEnabled() == last {
					t.Fatalf("sweep %d: reporting enabled = %t", i, u.ReportingEnabled())
				}
			}
			if s := u.Stats(); s.Storms != 1 {
				t.Errorf("Storms = %d, want 1", s.Storms)
			}

			// The unit stays silent until a device is assigned.
			if h.amdModel().Event(ridNIC, ioPageFault, 0) {
				t.Errorf("event logged while reporting is disabled")
			}
			h.assign(ridDisk, h.domain())
			if !u.ReportingEnabled() {
				t.Errorf("assignment did not re-arm reporting")
			}
		})
	}
}

func TestFaultTooManyOffenders(t *testing.T) {
	h := newHarness(t, amdTable(), iommutest.DMAROptions{})
	for _, rid := range []uint16{ridNIC, ridDisk, ridBridge, rangeRIDs[0], rangeRIDs[1]} {
		injectFaults(t, h, rid, 1)
	}
	h.faultVector()
	if h.amd().ReportingEnabled() {
		t.Errorf("reporting enabled with more offenders than slots")
	}
}

func TestEventRingCorrupted(t *testing.T) {
	h := newHarness(t, amdTable(), iommutest.DMAROptions{})
	h.amdModel().SetEventPointers(0, iommu.RingSize)
	h.faultVector()
	u := h.amd()
	if u.ReportingEnabled() {
		t.Errorf("reporting enabled after ring corruption")
	}
	if s := u.Stats(); s.Corruptions != 1 || s.Faults != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestEventRingOverflow(t *testing.T) {
	h := newHarness(t, amdTable(), iommutest.DMAROptions{})
	m := h.amdModel()
	n := 0
	for m.Event(ridNIC, ioPageFault, 0) {
		n++
	}
	if want := iommu.RingSize/iommu.RingEntrySize - 1; n != want {
		t.Fatalf("ring held %d events, want %d", n, want)
	}
	if m.Regs.Load(iommu.AMDRegStatus)&iommu.AMDStatusEventOverflow == 0 {
		t.Fatalf("overflow not signalled")
	}

	// Assignment recovers the ring.
	h.assign(ridNIC, h.domain())

	u := h.amd()
	if !u.ReportingEnabled() {
		t.Errorf("reporting disabled after overflow recovery")
	}
	if m.Regs.Load(iommu.AMDRegStatus) != 0 {
		t.Errorf("status = %#x after recovery", m.Regs.Load(iommu.AMDRegStatus))
	}
	if head, tail := m.Regs.Load(iommu.AMDRegEventHead), m.Regs.Load(iommu.AMDRegEventTail); head != 0 || tail != 0 {
		t.Errorf("ring pointers %#x/%#x, want 0/0", head, tail)
	}
	if s := u.Stats(); s.Overflows != 1 {
		t.Errorf("Overflows = %d, want 1", s.Overflows)
	}
	if !m.Event(ridNIC, ioPageFault, 0) {
		t.Errorf("event not logged after recovery")
	}
}

func TestCommandRingWraparound(t *testing.T) {
	h := newHarness(t, amdTable(), iommutest.DMAROptions{})
	m := h.amdModel()
	m.ResetCommands()
	old := m.Regs.Load(iommu.AMDRegCmdTail)

	const n = 300
	for i := 0; i < n; i++ {
		h.amd().Flush(ridNIC, iommu.AMDCmdInvalidateDTE, false)
		if tail := m.Regs.Load(iommu.AMDRegCmdTail); tail > iommu.RingSize-iommu.RingEntrySize {
			t.Fatalf("tail %#x beyond ring", tail)
		}
	}

	if got, want := m.Regs.Load(iommu.AMDRegCmdTail), (old+n*iommu.RingEntrySize)%iommu.RingSize; got != want {
		t.Errorf("tail = %#x, want %#x", got, want)
	}
	if got := len(m.Commands()); got != n {
		t.Errorf("unit consumed %d commands, want %d", got, n)
	}
}

func TestFlushTimeout(t *testing.T) {
	h := newHarness(t, amdTable(), iommutest.DMAROptions{})
	d := h.domain()
	m := h.amdModel()
	m.SetMode(iommutest.Stall)

	// Posted flushes never wait.
	h.amd().Flush(ridNIC, iommu.AMDCmdInvalidateDTE, false)
	if s := h.amd().Stats(); s.Timeouts != 0 {
		t.Fatalf("posted flush timed out")
	}

	h.reg.FlushPGT(ridNIC, d)
	if s := h.amd().Stats(); s.Timeouts != 1 {
		t.Errorf("Timeouts = %d, want 1", s.Timeouts)
	}

	m.Drain()
	if head, tail := m.Regs.Load(iommu.AMDRegCmdHead), m.Regs.Load(iommu.AMDRegCmdTail); head != tail {
		t.Errorf("head %#x did not catch up with tail %#x", head, tail)
	}
}

func TestAsyncUnit(t *testing.T) {
	h := newHarness(t, amdTable(), iommutest.DMAROptions{})
	h.amdModel().SetMode(iommutest.Async)
	d := h.domain()
	h.assign(ridNIC, d)
	if h.dte(ridNIC).DomainID() != d.DomainID() {
		t.Errorf("assignment failed with an asynchronous unit")
	}
}

func TestConcurrentAssignRelease(t *testing.T) {
	h := newHarness(t, amdTable(), iommutest.DMAROptions{})
	doms := []*domain.Domain{h.domain(), h.domain(), h.domain()}
	rids := append([]uint16{ridNIC, ridDisk, ridBridge}, rangeRIDs...)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		seed := int64(w)
		g.Go(func() error {
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 100; i++ {
				rid := rids[r.Intn(len(rids))]
				d := doms[r.Intn(len(doms))]
				if r.Intn(3) == 0 {
					h.reg.Release(rid, d)
				} else if err := h.reg.Assign(rid, d); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker: %v", err)
	}

	for _, rid := range rids {
		e := h.dte(rid)
		owners := 0
		for _, d := range doms {
			if !d.HasRID(rid) {
				continue
			}
			owners++
			if e.DomainID() != d.DomainID() || e.HostPtr() != h.ioRoot(d) {
				t.Errorf("%v records %#x but entry is %v", d, rid, e)
			}
		}
		if bound := e.DomainID() != 0; owners > 1 || bound != (owners == 1) {
			t.Errorf("%#x: %d owners, entry %v", rid, owners, e)
		}
	}
}
