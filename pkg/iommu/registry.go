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
	"time"

	"gvisor.dev/iommu/pkg/log"
	"gvisor.dev/iommu/pkg/pci"
	"gvisor.dev/iommu/pkg/physmem"
	"gvisor.dev/iommu/pkg/sync"
	"gvisor.dev/iommu/pkg/topology"
)

// DefaultVector is the vector fault interrupts are delivered on.
const DefaultVector = 0xef

// ErrNoUnit is returned when no unit translates a requester id.
var ErrNoUnit = errors.New("no IOMMU translates device")

// Config configures a Registry.
type Config struct {
	// Kernel charges device tables, rings and interrupt remap tables.
	Kernel *physmem.Pool

	// Bus is the PCI bus units claim devices on.
	Bus *pci.Bus

	// Map returns the register window at the given physical address.
	Map func(base uint64) (Registers, error)

	// APIC and Vector route fault interrupts. Vector defaults to
	// DefaultVector.
	APIC   uint8
	Vector uint8

	// EOI acknowledges an interrupt dispatched by Vector. It may be nil.
	EOI func()

	// Trace receives low severity diagnostics. It defaults to a rate
	// limited view of the global logger.
	Trace log.Logger
}

type special struct {
	variety topology.Variety
	handle  uint8
	owner   pci.Owner
}

// Registry owns every IOMMU unit of the system and dispatches operations
// to them.
type Registry struct {
	cfg Config
	dt  *DeviceTable

	// mu protects the fields below. Units are added during discovery and
	// never removed.
	mu         sync.RWMutex
	dmarTables *DMARTables
	amds       []*AMD
	dmars      []*DMAR
	specials   map[uint16]special
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Kernel == nil || cfg.Bus == nil || cfg.Map == nil {
		return nil, fmt.Errorf("iommu: incomplete configuration")
	}
	if cfg.Vector == 0 {
		cfg.Vector = DefaultVector
	}
	if cfg.Trace == nil {
		cfg.Trace = log.BasicRateLimitedLogger(10 * time.Millisecond)
	}
	return &Registry{
		cfg:      cfg,
		dt:       NewDeviceTable(cfg.Kernel),
		specials: make(map[uint16]special),
	}, nil
}

// Discover creates the units described by t and binds their devices.
// Units whose registers cannot be mapped are skipped; device entries of an
// unknown kind are skipped. Both are reported in the returned error.
func (r *Registry) Discover(t *topology.Table) error {
	var errs []error
	for _, desc := range t.Effective() {
		if _, err := r.AddAMD(desc); err != nil {
			errs = append(errs, err)
		}
	}
	// Units including all devices only claim what others did not.
	for _, all := range []bool{false, true} {
		for _, desc := range t.DMARs {
			if desc.IncludeAll != all {
				continue
			}
			if _, err := r.AddDMAR(desc); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// AddAMD creates an AMD unit and applies its device entries. The unit is
// registered even if some entries could not be applied.
func (r *Registry) AddAMD(desc topology.UnitDesc) (*AMD, error) {
	regs, err := r.cfg.Map(desc.Base)
	if err != nil {
		return nil, fmt.Errorf("mapping IOMMU at %#x: %w", desc.Base, err)
	}
	u := NewAMD(AMDConfig{ID: desc.ID, Base: desc.Base, RID: desc.RID}, regs, r.dt, r.cfg.Kernel, r.cfg.Trace)

	// The unit works without its interrupt; faults are then only seen
	// when another unit raises the vector.
	if err := r.cfg.Bus.EnableMSI(pci.RID(desc.RID), r.cfg.APIC, r.cfg.Vector); err != nil {
		log.Warningf("%v: enabling MSI: %v", u, err)
	}

	err = topology.Apply(u, r, desc.Entries)

	r.mu.Lock()
	r.amds = append(r.amds, u)
	r.mu.Unlock()

	log.Infof("%v: rid %v, %d device entries", u, pci.RID(desc.RID), len(desc.Entries))
	return u, err
}

// AddDMAR creates an Intel unit and claims its device scope.
func (r *Registry) AddDMAR(desc topology.DMARDesc) (*DMAR, error) {
	regs, err := r.cfg.Map(desc.Base)
	if err != nil {
		return nil, fmt.Errorf("mapping DMAR at %#x: %w", desc.Base, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dmarTables == nil {
		if r.dmarTables, err = NewDMARTables(r.cfg.Kernel); err != nil {
			return nil, err
		}
	}
	d, err := NewDMAR(DMARConfig{Base: desc.Base, APIC: r.cfg.APIC, Vector: r.cfg.Vector}, regs, r.dmarTables, r.cfg.Kernel, r.cfg.Trace)
	if err != nil {
		return nil, err
	}
	if desc.IncludeAll {
		r.cfg.Bus.ClaimAll(d)
	}
	for _, rid := range desc.Scope {
		r.cfg.Bus.ClaimDev(d, pci.RID(rid), false)
	}
	r.dmars = append(r.dmars, d)
	log.Infof("%v: %d scope entries, include all %t", d, len(desc.Scope), desc.IncludeAll)
	return d, nil
}

// Enable starts every unit.
func (r *Registry) Enable() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for _, u := range r.amds {
		if err := u.Start(); err != nil {
			errs = append(errs, fmt.Errorf("%v: %w", u, err))
		}
	}
	for _, d := range r.dmars {
		d.Enable()
	}
	return errors.Join(errs...)
}

// ClaimAll implements topology.Claimer.ClaimAll.
func (r *Registry) ClaimAll(o pci.Owner) {
	r.cfg.Bus.ClaimAll(o)
}

// ClaimDevSingle implements topology.Claimer.ClaimDevSingle.
func (r *Registry) ClaimDevSingle(o pci.Owner, rid pci.RID) bool {
	return r.cfg.Bus.ClaimDevSingle(o, rid)
}

// ClaimSpecial implements topology.Claimer.ClaimSpecial.
func (r *Registry) ClaimSpecial(o pci.Owner, v topology.Variety, handle uint8, rid uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specials[rid] = special{variety: v, handle: handle, owner: o}
}

// Lookup returns the unit translating rid: the owner of the PCI function
// or, failing that, of the platform device with that requester id.
func (r *Registry) Lookup(rid uint16) Unit {
	o := r.cfg.Bus.FindIOMMU(pci.RID(rid))
	if o == nil {
		r.mu.RLock()
		o = r.specials[rid].owner
		r.mu.RUnlock()
	}
	u, _ := o.(Unit)
	return u
}

// Assign binds rid to d on the unit translating rid.
func (r *Registry) Assign(rid uint16, d Domain) error {
	u := r.Lookup(rid)
	if u == nil {
		return fmt.Errorf("%v: %w", pci.RID(rid), ErrNoUnit)
	}
	u.Assign(rid, d)
	return nil
}

// Release unbinds rid from d on the unit translating rid. Units of a family
// share their tables, so only the owner may clear the entry.
func (r *Registry) Release(rid uint16, d Domain) {
	if u := r.Lookup(rid); u != nil {
		u.Release(rid, d)
	}
}

func (r *Registry) FlushPGT(rid uint16, d Domain) {
	if u := r.Lookup(rid); u != nil {
		u.FlushPGT(d)
	}
}

// SetIRT routes interrupt gsi raised by rid to vector vec on cpu, with
// trigger mode trg.
func (r *Registry) SetIRT(gsi uint, rid uint16, cpu, vec, trg uint) {
	r.mu.RLock()
	if r.dmarTables != nil {
		r.dmarTables.SetIRT(gsi, rid, cpu, vec, trg)
		for _, d := range r.dmars {
			d.FlushIEC()
		}
	}
	r.mu.RUnlock()

	if u, ok := r.Lookup(rid).(*AMD); ok {
		u.SetIRT(rid, cpu, vec)
	}
}

// Vector dispatches interrupt v. The fault vector is serviced by every
// unit of every family.
func (r *Registry) Vector(v uint) {
	if v == uint(r.cfg.Vector) {
		r.mu.RLock()
		for _, d := range r.dmars {
			d.FaultHandler()
		}
		for _, u := range r.amds {
			u.FaultHandler()
		}
		r.mu.RUnlock()
	}
	if r.cfg.EOI != nil {
		r.cfg.EOI()
	}
}

// Units returns all units, Intel units first.
func (r *Registry) Units() []Unit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	units := make([]Unit, 0, len(r.dmars)+len(r.amds))
	for _, d := range r.dmars {
		units = append(units, d)
	}
	for _, u := range r.amds {
		units = append(units, u)
	}
	return units
}

// AMDs returns the AMD units in discovery order.
func (r *Registry) AMDs() []*AMD {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*AMD(nil), r.amds...)
}

// DMARs returns the Intel units in discovery order.
func (r *Registry) DMARs() []*DMAR {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*DMAR(nil), r.dmars...)
}

// DeviceTable returns the device table shared by AMD units.
func (r *Registry) DeviceTable() *DeviceTable {
	return r.dt
}

// DMARTables returns the tables shared by Intel units, or nil.
func (r *Registry) DMARTables() *DMARTables {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dmarTables
}

// FaultVector returns the fault interrupt vector.
func (r *Registry) FaultVector() uint8 {
	return r.cfg.Vector
}
