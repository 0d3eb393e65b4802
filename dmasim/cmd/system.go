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

package cmd

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff"

	"gvisor.dev/iommu/dmasim/config"
	"gvisor.dev/iommu/pkg/atomicbitops"
	"gvisor.dev/iommu/pkg/domain"
	"gvisor.dev/iommu/pkg/iommu"
	"gvisor.dev/iommu/pkg/iommu/iommutest"
	"gvisor.dev/iommu/pkg/log"
	"gvisor.dev/iommu/pkg/pci"
	"gvisor.dev/iommu/pkg/physmem"
	"gvisor.dev/iommu/pkg/topology"
)

//go:embed default.toml
var defaultTopology string

// Vendor ids given to simulated functions.
const (
	vendorAMD   = 0x1022
	vendorIntel = 0x8086

	// msiCapability is the configuration space offset of the MSI
	// capability of simulated IOMMU functions.
	msiCapability = 0x50

	// headerMultiFunction makes enumeration probe every function.
	headerMultiFunction = 0x80
)

var errBusy = errors.New("simulated units have pending work")

// system is a simulated machine: memory, PCI functions, IOMMU models and
// the registry driving them.
type system struct {
	conf   *config.Config
	table  *topology.Table
	mem    *physmem.Memory
	kernel *physmem.Pool
	bus    *pci.Bus
	plat   *iommutest.Platform
	reg    *iommu.Registry
	doms   *domain.Manager
	eois   atomicbitops.Uint64

	// labels maps user chosen domain labels to domains.
	labels map[uint64]*domain.Domain
}

// loadTopology reads the topology at path, or the built-in one.
func loadTopology(path string) (*topology.Table, error) {
	if path == "" {
		return topology.Parse(defaultTopology)
	}
	return topology.Load(path)
}

// deviceRIDs returns the requester ids of the PCI functions t refers to, in
// ascending order.
func deviceRIDs(t *topology.Table) []uint16 {
	set := make(map[uint16]struct{})
	for _, u := range t.Effective() {
		set[u.RID] = struct{}{}
		var start uint16
		open := false
		for _, e := range u.Entries {
			switch e.Kind {
			case topology.Select, topology.ExtSelect, topology.AliasSelect:
				set[e.RID] = struct{}{}
			case topology.RangeStart, topology.ExtRangeStart, topology.AliasRangeStart:
				start, open = e.RID, true
			case topology.RangeEnd:
				if open && start <= e.RID {
					for r := int(start); r <= int(e.RID); r++ {
						set[uint16(r)] = struct{}{}
					}
				}
				open = false
			}
		}
	}
	for _, d := range t.DMARs {
		for _, rid := range d.Scope {
			set[rid] = struct{}{}
		}
	}
	rids := make([]uint16, 0, len(set))
	for rid := range set {
		rids = append(rids, rid)
	}
	slices.Sort(rids)
	return rids
}

// scanBus enumerates the functions t refers to. Units get an MSI
// capability.
func scanBus(t *topology.Table) *pci.Bus {
	units := make(map[uint16]bool)
	for _, u := range t.Effective() {
		units[u.RID] = true
	}
	cfgs := make(map[pci.RID]*pci.MemConfig)
	var buses []uint8
	for _, rid := range deviceRIDs(t) {
		r := pci.RID(rid)
		vendor := uint16(vendorIntel)
		if units[rid] {
			vendor = vendorAMD
		}
		cfg := pci.NewMemConfig(vendor, rid, headerMultiFunction)
		if units[rid] {
			cfg.AddMSICapability(msiCapability, false, true)
		}
		cfgs[r] = cfg
		if len(buses) == 0 || buses[len(buses)-1] != r.Bus() {
			buses = append(buses, r.Bus())
		}
	}

	bus := pci.NewBus()
	for _, b := range buses {
		bus.Scan(b, 0, func(rid pci.RID) pci.Config {
			if cfg, ok := cfgs[rid]; ok {
				return cfg
			}
			return nil
		})
	}
	return bus
}

// newSystem boots a machine as described by conf. Topology entries that
// cannot be applied are logged and skipped.
func newSystem(conf *config.Config) (*system, error) {
	table, err := loadTopology(conf.Topology)
	if err != nil {
		return nil, err
	}
	mem, err := physmem.New(conf.MemoryBase, conf.MemorySize)
	if err != nil {
		return nil, fmt.Errorf("creating memory: %w", err)
	}
	s := &system{
		conf:   conf,
		table:  table,
		mem:    mem,
		kernel: physmem.NewPool(mem, physmem.NewQuota(conf.KernelQuota)),
		bus:    scanBus(table),
		plat:   iommutest.NewPlatform(mem),
		doms:   domain.NewManager(mem),
		labels: make(map[uint64]*domain.Domain),
	}
	for _, d := range table.DMARs {
		s.plat.AddDMAR(d.Base, iommutest.DMAROptions{QI: conf.DMARQueued, IR: conf.DMARRemap})
	}

	s.reg, err = iommu.NewRegistry(iommu.Config{
		Kernel: s.kernel,
		Bus:    s.bus,
		Map:    s.plat.Map,
		EOI:    func() { s.eois.Add(1) },
	})
	if err != nil {
		s.close()
		return nil, err
	}
	if err := s.reg.Discover(table); err != nil {
		log.Warningf("Topology: %v", err)
	}
	if err := s.reg.Enable(); err != nil {
		s.close()
		return nil, fmt.Errorf("enabling units: %w", err)
	}
	s.plat.SetMode(conf.HardwareMode.Mode())
	log.Infof("Booted %d units, %d PCI functions, hardware mode %v", len(s.reg.Units()), len(s.bus.Devices()), conf.HardwareMode)
	return s, nil
}

func (s *system) close() {
	s.plat.Wait()
	if err := s.mem.Close(); err != nil {
		log.Warningf("Releasing memory: %v", err)
	}
}

// domain returns the domain with label, creating it on first use.
func (s *system) domain(label uint64) (*domain.Domain, error) {
	if d, ok := s.labels[label]; ok {
		return d, nil
	}
	d, err := s.doms.Create(s.conf.DomainQuota)
	if err != nil {
		return nil, fmt.Errorf("creating domain %d: %w", label, err)
	}
	s.labels[label] = d
	return d, nil
}

// waitIdle waits until the simulated units consumed all published work.
// Stalled units are drained first.
func (s *system) waitIdle(ctx context.Context) error {
	if s.conf.HardwareMode.Mode() == iommutest.Stall {
		s.plat.Drain()
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 1000), ctx)
	return backoff.Retry(func() error {
		if !s.plat.Idle() {
			return errBusy
		}
		return nil
	}, b)
}

// fire delivers the fault interrupt to the registry.
func (s *system) fire() {
	s.reg.Vector(uint(s.reg.FaultVector()))
}

// deviceState describes how a device is translated.
type deviceState struct {
	RID    string `json:"rid" yaml:"rid"`
	Unit   string `json:"unit" yaml:"unit"`
	Domain uint16 `json:"domain" yaml:"domain"`
	Entry  string `json:"entry" yaml:"entry"`
}

// deviceState returns the translation state of rid.
func (s *system) deviceState(rid uint16) deviceState {
	st := deviceState{RID: pci.RID(rid).String(), Unit: "none"}
	switch u := s.reg.Lookup(rid).(type) {
	case *iommu.AMD:
		st.Unit = u.String()
		if e, ok := u.Entry(rid); ok {
			st.Entry = e.String()
			if e.DMAActive() {
				st.Domain = e.DomainID()
			}
		}
	case *iommu.DMAR:
		st.Unit = u.String()
		lo, hi := s.reg.DMARTables().Context(rid)
		st.Entry = fmt.Sprintf("%016x:%016x", hi, lo)
		if lo&1 != 0 {
			st.Domain = uint16(hi >> 8)
		}
	}
	return st
}

// unitFamily names the family of u.
func unitFamily(u iommu.Unit) string {
	switch u.(type) {
	case *iommu.AMD:
		return "amd"
	case *iommu.DMAR:
		return "dmar"
	default:
		return "unknown"
	}
}
