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
	"testing"

	"gvisor.dev/iommu/pkg/domain"
	"gvisor.dev/iommu/pkg/iommu"
	"gvisor.dev/iommu/pkg/iommu/iommutest"
	"gvisor.dev/iommu/pkg/pci"
	"gvisor.dev/iommu/pkg/physmem"
	"gvisor.dev/iommu/pkg/topology"
)

const (
	amdBase  = 0xfeb80000
	amdRID   = 0x2
	dmarBase = 0xfed90000
	dmarRID  = 0x300

	// Requester ids behind the AMD unit.
	ridNIC    = 0x10
	ridDisk   = 0x18
	ridBridge = 0x20
	ridAlias  = 0x200
	ridIOAPIC = 0xa0

	ioPageFault = 2
)

var rangeRIDs = []uint16{0x100, 0x101, 0x102, 0x103}

type harness struct {
	t      *testing.T
	mem    *physmem.Memory
	kernel *physmem.Pool
	bus    *pci.Bus
	plat   *iommutest.Platform
	reg    *iommu.Registry
	doms   *domain.Manager
	eois   int
}

func amdTable() *topology.Table {
	return &topology.Table{
		Units: []topology.UnitDesc{{
			ID:    0,
			Block: topology.BlockExtended,
			Base:  amdBase,
			RID:   amdRID,
			Entries: []topology.Entry{
				{Kind: topology.Select, RID: ridNIC, Setting: 0x1},
				{Kind: topology.Select, RID: ridDisk},
				{Kind: topology.Select, RID: ridBridge},
				{Kind: topology.RangeStart, RID: rangeRIDs[0]},
				{Kind: topology.RangeEnd, RID: rangeRIDs[len(rangeRIDs)-1]},
				{Kind: topology.AliasSelect, RID: ridAlias, Source: ridBridge},
				{Kind: topology.Special, Variety: topology.IOAPIC, Handle: 33, Source: ridIOAPIC},
			},
		}},
	}
}

func dmarTable() *topology.Table {
	return &topology.Table{
		DMARs: []topology.DMARDesc{{Base: dmarBase, Scope: []uint16{dmarRID}}},
	}
}

// newHarness builds a platform with the devices of both tables. dmar
// configures the Intel model, if the table has one.
func newHarness(t *testing.T, tbl *topology.Table, dmar iommutest.DMAROptions) *harness {
	t.Helper()
	mem, err := physmem.New(0x1000000, 32<<20)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	bus := pci.NewBus()
	iommuCfg := pci.NewMemConfig(0x1022, 0x1481, 0)
	iommuCfg.AddMSICapability(0x50, false, true)
	bus.Add(amdRID, 0, iommuCfg)
	for _, rid := range append([]uint16{ridNIC, ridDisk, ridBridge, ridAlias, dmarRID}, rangeRIDs...) {
		bus.Add(pci.RID(rid), 0, pci.NewMemConfig(0x8086, rid, 0))
	}

	h := &harness{
		t:      t,
		mem:    mem,
		kernel: physmem.NewPool(mem, physmem.NewQuota(2048)),
		bus:    bus,
		plat:   iommutest.NewPlatform(mem),
		doms:   domain.NewManager(mem),
	}
	t.Cleanup(h.plat.Wait)
	for _, d := range tbl.DMARs {
		h.plat.AddDMAR(d.Base, dmar)
	}
	h.reg, err = iommu.NewRegistry(iommu.Config{
		Kernel: h.kernel,
		Bus:    bus,
		Map:    h.plat.Map,
		EOI:    func() { h.eois++ },
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := h.reg.Discover(tbl); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if err := h.reg.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	return h
}

func (h *harness) domain() *domain.Domain {
	h.t.Helper()
	d, err := h.doms.Create(64)
	if err != nil {
		h.t.Fatalf("Create: %v", err)
	}
	return d
}

func (h *harness) amd() *iommu.AMD {
	h.t.Helper()
	units := h.reg.AMDs()
	if len(units) != 1 {
		h.t.Fatalf("got %d AMD units, want 1", len(units))
	}
	return units[0]
}

func (h *harness) amdModel() *iommutest.AMD {
	return h.plat.AMD(amdBase)
}

func (h *harness) dmar() *iommu.DMAR {
	h.t.Helper()
	units := h.reg.DMARs()
	if len(units) != 1 {
		h.t.Fatalf("got %d DMAR units, want 1", len(units))
	}
	return units[0]
}

func (h *harness) dte(rid uint16) iommu.DTE {
	h.t.Helper()
	e, ok := h.reg.DeviceTable().Entry(rid)
	if !ok {
		h.t.Fatalf("no device table entry for %#x", rid)
	}
	return e
}

func (h *harness) assign(rid uint16, d iommu.Domain) {
	h.t.Helper()
	if err := h.reg.Assign(rid, d); err != nil {
		h.t.Fatalf("Assign(%#x): %v", rid, err)
	}
}

func (h *harness) ioRoot(d *domain.Domain) uint64 {
	h.t.Helper()
	pt := d.IOPageTables()
	root, err := pt.Root(pt.Levels())
	if err != nil {
		h.t.Fatalf("Root: %v", err)
	}
	return root
}

func (h *harness) faultVector() {
	h.reg.Vector(uint(h.reg.FaultVector()))
}

func ops(cmds []iommutest.Command) []uint8 {
	var r []uint8
	for _, c := range cmds {
		r = append(r, c.Op)
	}
	return r
}
