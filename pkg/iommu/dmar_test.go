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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/iommu/pkg/iommu"
	"gvisor.dev/iommu/pkg/iommu/iommutest"
	"gvisor.dev/iommu/pkg/mmio"
	"gvisor.dev/iommu/pkg/topology"
)

const dmarAddressFault = 6

var dmarQI = iommutest.DMAROptions{QI: true, IR: true}

func (h *harness) dmarModel() *iommutest.DMAR {
	return h.plat.DMAR(dmarBase)
}

func (h *harness) dmaRoot(rid uint16) (lo, hi uint64) {
	return h.reg.DMARTables().Context(rid)
}

func TestDMAREnable(t *testing.T) {
	h := newHarness(t, dmarTable(), dmarQI)
	regs := h.dmarModel().Regs

	want := uint32(iommu.DMARCmdTE | iommu.DMARCmdQIE | iommu.DMARCmdIRE)
	if got := regs.Load32(iommu.DMARRegGSts); got&want != want {
		t.Errorf("global status = %#x, want bits %#x", got, want)
	}
	if got := regs.Load32(iommu.DMARRegFEData); got != iommu.DefaultVector {
		t.Errorf("fault vector = %#x, want %#x", got, iommu.DefaultVector)
	}
	if regs.Load(iommu.DMARRegRTAddr) == 0 || regs.Load(iommu.DMARRegIRTA)&7 != 7 {
		t.Errorf("tables not programmed: root %#x, remap %#x", regs.Load(iommu.DMARRegRTAddr), regs.Load(iommu.DMARRegIRTA))
	}
	if regs.Load(iommu.DMARRegIQA) == 0 {
		t.Errorf("invalidation queue not programmed")
	}
	if !h.dmar().ReportingEnabled() {
		t.Errorf("fault reporting disabled after enable")
	}
}

func TestDMARInvalidUnit(t *testing.T) {
	h := newHarness(t, &topology.Table{}, iommutest.DMAROptions{})
	tables, err := iommu.NewDMARTables(h.kernel)
	if err != nil {
		t.Fatalf("NewDMARTables: %v", err)
	}
	if _, err := iommu.NewDMAR(iommu.DMARConfig{Base: dmarBase}, mmio.New(0x1000), tables, h.kernel, nil); !errors.Is(err, iommu.ErrInvalidUnit) {
		t.Errorf("NewDMAR = %v, want %v", err, iommu.ErrInvalidUnit)
	}
}

func TestDMARAssign(t *testing.T) {
	h := newHarness(t, dmarTable(), dmarQI)
	d := h.domain()
	h.dmarModel().ResetCommands()

	h.assign(dmarRID, d)

	pt := d.DMAPageTables()
	root, err := pt.Root(pt.Levels())
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	lo, hi := h.dmaRoot(dmarRID)
	if want := root | 1; lo != want {
		t.Errorf("context low = %#x, want %#x", lo, want)
	}
	// Four level tables have an adjusted guest address width of 2.
	if want := uint64(d.DomainID())<<8 | 2; hi != want {
		t.Errorf("context high = %#x, want %#x", hi, want)
	}
	if got := h.dmar().Owner(dmarRID); got != iommu.Domain(d) {
		t.Errorf("Owner = %v, want %v", got, d)
	}
	want := []uint8{iommu.DMARInvContext, iommu.DMARInvIOTLB, iommu.DMARInvWait}
	if diff := cmp.Diff(want, ops(h.dmarModel().Commands())); diff != "" {
		t.Errorf("invalidations mismatch (-want +got):\n%s", diff)
	}
	if s := h.dmar().Stats(); s.Assigned != 1 || s.Timeouts != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestDMARReassign(t *testing.T) {
	h := newHarness(t, dmarTable(), dmarQI)
	d1, d2 := h.domain(), h.domain()
	h.assign(dmarRID, d1)
	h.assign(dmarRID, d2)

	if _, hi := h.dmaRoot(dmarRID); uint16(hi>>8) != d2.DomainID() {
		t.Errorf("context references domain %d, want %d", uint16(hi>>8), d2.DomainID())
	}
	if d1.HasRID(dmarRID) || !d2.HasRID(dmarRID) {
		t.Errorf("device recorded by %v: %t, by %v: %t", d1, d1.HasRID(dmarRID), d2, d2.HasRID(dmarRID))
	}

	// The previous owner can no longer release it.
	h.reg.Release(dmarRID, d1)
	if lo, _ := h.dmaRoot(dmarRID); lo&1 == 0 {
		t.Errorf("release by %v cleared the context", d1)
	}
}

func TestDMARRelease(t *testing.T) {
	h := newHarness(t, dmarTable(), dmarQI)
	d := h.domain()
	h.assign(dmarRID, d)
	h.reg.SetIRT(3, dmarRID, 1, 0x50, 1)
	h.dmarModel().ResetCommands()

	h.reg.Release(dmarRID, d)

	if lo, hi := h.dmaRoot(dmarRID); lo != 0 || hi != 0 {
		t.Errorf("context = %#x:%#x after release", hi, lo)
	}
	if lo, hi := h.reg.DMARTables().IRTE(3); lo != 0 || hi != 0 {
		t.Errorf("remap entry = %#x:%#x after release", hi, lo)
	}
	if d.HasRID(dmarRID) {
		t.Errorf("%v still records %#x", d, dmarRID)
	}
	want := []uint8{iommu.DMARInvContext, iommu.DMARInvIOTLB, iommu.DMARInvWait}
	if diff := cmp.Diff(want, ops(h.dmarModel().Commands())); diff != "" {
		t.Errorf("invalidations mismatch (-want +got):\n%s", diff)
	}
	if s := h.dmar().Stats(); s.Released != 1 {
		t.Errorf("Released = %d, want 1", s.Released)
	}
}

func TestDMARSetIRT(t *testing.T) {
	h := newHarness(t, dmarTable(), dmarQI)
	h.dmarModel().ResetCommands()

	h.reg.SetIRT(3, dmarRID, 1, 0x50, 1)

	lo, hi := h.reg.DMARTables().IRTE(3)
	if want := uint64(1)<<40 | 0x50<<16 | 1<<4 | 1; lo != want {
		t.Errorf("remap entry low = %#x, want %#x", lo, want)
	}
	if want := uint64(1)<<18 | dmarRID; hi != want {
		t.Errorf("remap entry high = %#x, want %#x", hi, want)
	}
	want := []uint8{iommu.DMARInvIEC, iommu.DMARInvWait}
	if diff := cmp.Diff(want, ops(h.dmarModel().Commands())); diff != "" {
		t.Errorf("invalidations mismatch (-want +got):\n%s", diff)
	}
}

func TestDMARRegisterInvalidation(t *testing.T) {
	h := newHarness(t, dmarTable(), iommutest.DMAROptions{})
	d := h.domain()
	m := h.dmarModel()
	m.ResetCommands()

	h.assign(dmarRID, d)
	want := []uint8{iommu.DMARInvContext, iommu.DMARInvIOTLB}
	if diff := cmp.Diff(want, ops(m.Commands())); diff != "" {
		t.Errorf("assignment invalidations mismatch (-want +got):\n%s", diff)
	}

	m.ResetCommands()
	h.reg.FlushPGT(dmarRID, d)
	cmds := m.Commands()
	if len(cmds) != 1 || cmds[0].Op != iommu.DMARInvIOTLB {
		t.Fatalf("page table flush issued %v", cmds)
	}
	if did := uint16(cmds[0].Lo >> 32); did != d.DomainID() {
		t.Errorf("flush for domain %d, want %d", did, d.DomainID())
	}

	// Without interrupt remapping there is nothing to invalidate.
	m.ResetCommands()
	h.reg.SetIRT(0, dmarRID, 0, 0x30, 0)
	if cmds := m.Commands(); len(cmds) != 0 {
		t.Errorf("interrupt routing issued %v", cmds)
	}
}

func TestDMARTimeout(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts iommutest.DMAROptions
	}{
		{"queued", dmarQI},
		{"register", iommutest.DMAROptions{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, dmarTable(), tc.opts)
			h.dmarModel().SetMode(iommutest.Stall)
			h.reg.FlushPGT(dmarRID, h.domain())
			if s := h.dmar().Stats(); s.Timeouts != 1 {
				t.Errorf("Timeouts = %d, want 1", s.Timeouts)
			}
		})
	}
}

func TestDMARFaults(t *testing.T) {
	h := newHarness(t, dmarTable(), iommutest.DMAROptions{QI: true, IR: true, Records: 16})
	m := h.dmarModel()
	u := h.dmar()

	for i := 0; i < 5; i++ {
		if !m.Fault(dmarRID, dmarAddressFault, uint64(i)<<12) {
			t.Fatalf("fault %d not signalled", i)
		}
	}
	h.faultVector()
	if !u.ReportingEnabled() {
		t.Fatalf("reporting disabled after 5 faults")
	}
	if s := u.Stats(); s.Faults != 5 {
		t.Errorf("Faults = %d, want 5", s.Faults)
	}
	if got := m.Regs.Load32(iommu.DMARRegFSts) & 0xff; got != 0 {
		t.Errorf("fault status = %#x after handling", got)
	}

	// Four more in the next pass exceed the threshold.
	for i := 0; i < 4; i++ {
		m.Fault(dmarRID, dmarAddressFault, 0)
	}
	h.faultVector()
	if u.ReportingEnabled() {
		t.Fatalf("reporting enabled after 9 faults")
	}
	if s := u.Stats(); s.Storms != 1 {
		t.Errorf("Storms = %d, want 1", s.Storms)
	}
	if m.Fault(dmarRID, dmarAddressFault, 0) {
		t.Errorf("fault signalled while masked")
	}

	h.assign(dmarRID, h.domain())
	if !u.ReportingEnabled() {
		t.Errorf("assignment did not re-arm reporting")
	}
}

func TestDMARRecordOverflow(t *testing.T) {
	h := newHarness(t, dmarTable(), dmarQI)
	m := h.dmarModel()
	for i := 0; i < 4; i++ {
		m.Fault(dmarRID, dmarAddressFault, 0)
	}
	if m.Fault(dmarRID, dmarAddressFault, 0) {
		t.Errorf("fault beyond the recording registers was signalled")
	}
	if m.Regs.Load32(iommu.DMARRegFSts)&iommu.DMARFStsPFO == 0 {
		t.Errorf("overflow not signalled")
	}

	h.faultVector()
	if s := h.dmar().Stats(); s.Faults != 4 {
		t.Errorf("Faults = %d, want 4", s.Faults)
	}
	if got := m.Regs.Load32(iommu.DMARRegFSts) & 0xff; got != 0 {
		t.Errorf("fault status = %#x after handling", got)
	}
	if !m.Fault(dmarRID, dmarAddressFault, 0) {
		t.Errorf("recording registers not freed")
	}
}

func TestDMARIncludeAll(t *testing.T) {
	tbl := &topology.Table{
		DMARs: []topology.DMARDesc{
			{Base: dmarBase + 0x1000, IncludeAll: true},
			{Base: dmarBase, Scope: []uint16{dmarRID}},
		},
	}
	h := newHarness(t, tbl, dmarQI)
	if got := len(h.reg.Units()); got != 2 {
		t.Fatalf("got %d units, want 2", got)
	}
	scoped, all := h.reg.Lookup(dmarRID), h.reg.Lookup(ridNIC)
	if scoped == nil || all == nil || scoped == all {
		t.Fatalf("Lookup: scoped device on %v, others on %v", scoped, all)
	}
	if got := scoped.String(); got != "DMAR@0xfed90000" {
		t.Errorf("scoped device on %s", got)
	}

	// Both units share the context tables.
	d := h.domain()
	h.assign(dmarRID, d)
	h.assign(ridNIC, d)
	for _, rid := range []uint16{dmarRID, ridNIC} {
		if lo, _ := h.dmaRoot(rid); lo&1 == 0 {
			t.Errorf("%#x not bound", rid)
		}
	}
}
