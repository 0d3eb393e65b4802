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

// Package domain provides isolation domains: a set of page tables of every
// flavor, the memory quota they are charged to, and the requester ids bound
// to the domain's I/O tables.
package domain

import (
	"errors"
	"fmt"
	"strings"

	"gvisor.dev/iommu/pkg/bitalloc"
	"gvisor.dev/iommu/pkg/pagetables"
	"gvisor.dev/iommu/pkg/physmem"
	"gvisor.dev/iommu/pkg/sync"
)

var (
	// ErrNoIDs is returned when no domain or address-space id is free.
	ErrNoIDs = errors.New("out of domain ids")

	// ErrBusy is returned when destroying a domain with bound devices.
	ErrBusy = errors.New("domain has bound devices")
)

const (
	// maxDomains bounds domain ids; id 0 is invalid.
	maxDomains = 1 << 16

	// maxASIDs bounds address-space ids; id 0 is invalid.
	maxASIDs = 1 << 12
)

// Kind selects a page-table flavor.
type Kind int

// Page-table flavors of a domain.
const (
	Host Kind = iota
	Nested
	DMA
	IO
	numKinds
)

var kindNames = [numKinds]string{"host", "nested", "dma", "io"}

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	if k >= 0 && k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Format returns the entry format of the flavor.
func (k Kind) Format() pagetables.Format {
	switch k {
	case Host:
		return pagetables.Host
	case Nested:
		return pagetables.Nested
	case DMA:
		return pagetables.DMA
	case IO:
		return pagetables.IO
	default:
		panic(fmt.Sprintf("unknown page-table kind %d", int(k)))
	}
}

// ParseKind parses a flavor name.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown page-table kind %q", s)
}

// Kinds returns every flavor.
func Kinds() []Kind {
	return []Kind{Host, Nested, DMA, IO}
}

// Domain is an isolation domain. It implements iommu.Domain.
type Domain struct {
	id   uint16
	asid uint16
	pool *physmem.Pool

	tables [numKinds]*pagetables.PageTables

	// mu protects rids.
	mu   sync.Mutex
	rids bitalloc.Set
}

// ID returns the domain id.
func (d *Domain) ID() uint16 { return d.id }

// DomainID implements iommu.Domain.DomainID.
func (d *Domain) DomainID() uint16 { return d.id }

// ASID returns the address-space id.
func (d *Domain) ASID() uint16 { return d.asid }

// Pool returns the allocator page-table nodes are charged to.
func (d *Domain) Pool() *physmem.Pool { return d.pool }

// Tables returns the page tables of flavor k.
func (d *Domain) Tables(k Kind) *pagetables.PageTables { return d.tables[k] }

// HostPageTables returns the host page tables.
func (d *Domain) HostPageTables() *pagetables.PageTables { return d.tables[Host] }

// NestedPageTables returns the nested page tables.
func (d *Domain) NestedPageTables() *pagetables.PageTables { return d.tables[Nested] }

// DMAPageTables implements iommu.Domain.DMAPageTables.
func (d *Domain) DMAPageTables() *pagetables.PageTables { return d.tables[DMA] }

// IOPageTables implements iommu.Domain.IOPageTables.
func (d *Domain) IOPageTables() *pagetables.PageTables { return d.tables[IO] }

// AssignRID implements iommu.Domain.AssignRID.
func (d *Domain) AssignRID(rid uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rids.Add(rid)
}

// ReleaseRID implements iommu.Domain.ReleaseRID.
func (d *Domain) ReleaseRID(rid uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rids.Remove(rid)
}

// HasRID reports whether rid is bound to the domain.
func (d *Domain) HasRID(rid uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rids.Contains(rid)
}

// RIDs returns the bound requester ids in ascending order.
func (d *Domain) RIDs() []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rids.Slice()
}

// Map maps 1<<order pages at addr to phys in the tables of flavor k. It
// reports whether cached translations must be invalidated.
func (d *Domain) Map(k Kind, addr uint64, order int, phys, attrs uint64) (bool, error) {
	return d.tables[k].Update(addr, order, phys, attrs, pagetables.Overwrite)
}

// Unmap removes the mapping of 1<<order pages at addr.
func (d *Domain) Unmap(k Kind, addr uint64, order int) (bool, error) {
	flush, err := d.tables[k].Update(addr, order, 0, 0, pagetables.DestroyOnReplace)
	if errors.Is(err, pagetables.ErrNotMapped) {
		return false, nil
	}
	return flush, err
}

// String implements fmt.Stringer.String.
func (d *Domain) String() string {
	return fmt.Sprintf("domain %d", d.id)
}

// Manager creates and destroys domains.
type Manager struct {
	mem   *physmem.Memory
	dids  *bitalloc.Allocator
	asids *bitalloc.Allocator

	mu      sync.Mutex
	domains map[uint16]*Domain
}

// NewManager returns a manager drawing page-table memory from mem.
func NewManager(mem *physmem.Memory) *Manager {
	return &Manager{
		mem:     mem,
		dids:    bitalloc.New(maxDomains, 0),
		asids:   bitalloc.New(maxASIDs, 0),
		domains: make(map[uint16]*Domain),
	}
}

// Create returns a new domain whose page tables may use at most quota
// pages.
func (m *Manager) Create(quota uint64) (*Domain, error) {
	did := m.dids.Alloc()
	if did == m.dids.Invalid() {
		return nil, ErrNoIDs
	}
	asid := m.asids.Alloc()
	if asid == m.asids.Invalid() {
		m.dids.Release(did)
		return nil, fmt.Errorf("address space ids: %w", ErrNoIDs)
	}
	d := &Domain{
		id:   uint16(did),
		asid: uint16(asid),
		pool: physmem.NewPool(m.mem, physmem.NewQuota(quota)),
	}
	for _, k := range Kinds() {
		d.tables[k] = pagetables.New(k.Format(), d.pool)
	}

	m.mu.Lock()
	m.domains[d.id] = d
	m.mu.Unlock()
	return d, nil
}

// Get returns the domain with id.
func (m *Manager) Get(id uint16) (*Domain, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	return d, ok
}

// Domains returns the live domains.
func (m *Manager) Domains() []*Domain {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds := make([]*Domain, 0, len(m.domains))
	for _, d := range m.domains {
		ds = append(ds, d)
	}
	return ds
}

// Destroy tears down d's page tables and releases its ids. Devices must be
// released first.
func (m *Manager) Destroy(d *Domain) error {
	if n := len(d.RIDs()); n != 0 {
		return fmt.Errorf("%v: %d devices: %w", d, n, ErrBusy)
	}
	for _, pt := range d.tables {
		pt.Clear(nil, nil)
	}

	m.mu.Lock()
	delete(m.domains, d.id)
	m.mu.Unlock()

	m.asids.Release(uint64(d.asid))
	m.dids.Release(uint64(d.id))
	return nil
}
