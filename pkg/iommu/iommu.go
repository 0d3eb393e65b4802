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

// Package iommu implements the DMA and interrupt isolation layer: device
// tables, context tables and interrupt remapping tables for AMD and Intel
// IOMMUs, the command and invalidation queues used to keep the units'
// caches coherent with them, and fault handling.
//
// Units are created by a Registry and bind requester ids to domains. Each
// unit serializes structural changes to its device entries with a spin
// lock; fault handling runs on the interrupt path and only touches the
// event ring and the fault-rate table.
package iommu

import (
	"runtime"

	"gvisor.dev/iommu/pkg/atomicbitops"
	"gvisor.dev/iommu/pkg/pagetables"
	"gvisor.dev/iommu/pkg/pci"
)

// Registers is a unit's register window.
type Registers interface {
	Read32(off uint64) uint32
	Write32(off uint64, v uint32)
	Read64(off uint64) uint64
	Write64(off, v uint64)
}

// Domain is an isolation domain devices are bound to.
type Domain interface {
	// DomainID returns the domain id. Zero is not a valid domain id.
	DomainID() uint16

	// IOPageTables returns the tables used by AMD units.
	IOPageTables() *pagetables.PageTables

	// DMAPageTables returns the tables used by Intel units.
	DMAPageTables() *pagetables.PageTables

	// AssignRID records that rid is bound to the domain.
	AssignRID(rid uint16)

	// ReleaseRID records that rid is no longer bound to the domain.
	ReleaseRID(rid uint16)
}

// valid reports whether d can be bound to devices.
func valid(d Domain) bool {
	return d != nil && d.DomainID() != 0
}

// Unit is a single IOMMU.
type Unit interface {
	pci.Owner

	// Assign binds rid to d, releasing any previous binding.
	Assign(rid uint16, d Domain)

	// Release unbinds rid if it is still bound to d.
	Release(rid uint16, d Domain)

	// FlushPGT invalidates cached translations of d.
	FlushPGT(d Domain)

	// FaultHandler services the unit's fault interrupt.
	FaultHandler()

	// ReportingEnabled reports whether fault interrupts are delivered.
	ReportingEnabled() bool

	// Stats returns a snapshot of the unit's counters.
	Stats() Stats
}

// Stats are a unit's event counters.
type Stats struct {
	Assigned    uint64 `json:"assigned" yaml:"assigned"`
	Released    uint64 `json:"released" yaml:"released"`
	Refused     uint64 `json:"refused" yaml:"refused"`
	Commands    uint64 `json:"commands" yaml:"commands"`
	Timeouts    uint64 `json:"timeouts" yaml:"timeouts"`
	Faults      uint64 `json:"faults" yaml:"faults"`
	Storms      uint64 `json:"storms" yaml:"storms"`
	Overflows   uint64 `json:"overflows" yaml:"overflows"`
	Corruptions uint64 `json:"corruptions" yaml:"corruptions"`
}

type counters struct {
	assigned    atomicbitops.Uint64
	released    atomicbitops.Uint64
	refused     atomicbitops.Uint64
	commands    atomicbitops.Uint64
	timeouts    atomicbitops.Uint64
	faults      atomicbitops.Uint64
	storms      atomicbitops.Uint64
	overflows   atomicbitops.Uint64
	corruptions atomicbitops.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Assigned:    c.assigned.Load(),
		Released:    c.released.Load(),
		Refused:     c.refused.Load(),
		Commands:    c.commands.Load(),
		Timeouts:    c.timeouts.Load(),
		Faults:      c.faults.Load(),
		Storms:      c.storms.Load(),
		Overflows:   c.overflows.Load(),
		Corruptions: c.corruptions.Load(),
	}
}

// spinBudget is the number of polls made while waiting for a unit.
var spinBudget = 500

// spinUntil polls cond up to spinBudget times and reports whether it became
// true.
func spinUntil(cond func() bool) bool {
	for i := 0; i < spinBudget; i++ {
		if cond() {
			return true
		}
		runtime.Gosched()
	}
	return cond()
}
