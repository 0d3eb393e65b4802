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

// Package iommutest provides IOMMU hardware models for tests and the
// simulator.
//
// The models sit behind an mmio.Region and react to driver register writes
// through its write hook, reading and writing the driver's rings and tables
// in physmem.Memory the way the hardware would.
package iommutest

import (
	"fmt"

	"gvisor.dev/iommu/pkg/iommu"
	"gvisor.dev/iommu/pkg/mmio"
	"gvisor.dev/iommu/pkg/physmem"
	"gvisor.dev/iommu/pkg/sync"
)

// Mode selects how a model consumes commands.
type Mode int

const (
	// Sync consumes commands from within the register write.
	Sync Mode = iota

	// Async consumes commands from another goroutine.
	Async

	// Stall never consumes commands until Drain is called.
	Stall
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	switch m {
	case Sync:
		return "sync"
	case Async:
		return "async"
	case Stall:
		return "stall"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Command is a descriptor consumed by a model.
type Command struct {
	Op uint8
	Lo uint64
	Hi uint64
}

// Platform is a set of models at distinct register addresses.
type Platform struct {
	Mem *physmem.Memory

	mu    sync.Mutex
	amds  map[uint64]*AMD
	dmars map[uint64]*DMAR
}

// NewPlatform returns an empty platform over mem.
func NewPlatform(mem *physmem.Memory) *Platform {
	return &Platform{
		Mem:   mem,
		amds:  make(map[uint64]*AMD),
		dmars: make(map[uint64]*DMAR),
	}
}

// AddAMD places an AMD model at base.
func (p *Platform) AddAMD(base uint64) *AMD {
	a := NewAMD(p.Mem)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.amds[base] = a
	return a
}

// AddDMAR places an Intel model at base.
func (p *Platform) AddDMAR(base uint64, opts DMAROptions) *DMAR {
	d := NewDMAR(p.Mem, opts)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dmars[base] = d
	return d
}

// AMD returns the AMD model at base.
func (p *Platform) AMD(base uint64) *AMD {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.amds[base]
}

// DMAR returns the Intel model at base.
func (p *Platform) DMAR(base uint64) *DMAR {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dmars[base]
}

// Map implements iommu.Config.Map, creating an AMD model for unknown
// addresses.
func (p *Platform) Map(base uint64) (iommu.Registers, error) {
	p.mu.Lock()
	if d, ok := p.dmars[base]; ok {
		p.mu.Unlock()
		return d.Regs, nil
	}
	a, ok := p.amds[base]
	p.mu.Unlock()
	if !ok {
		a = p.AddAMD(base)
	}
	return a.Regs, nil
}

// SetMode sets the command consumption mode of every model.
func (p *Platform) SetMode(m Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.amds {
		a.SetMode(m)
	}
	for _, d := range p.dmars {
		d.SetMode(m)
	}
}

// Idle reports whether every model consumed the work published to it.
func (p *Platform) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.amds {
		if !a.Idle() {
			return false
		}
	}
	for _, d := range p.dmars {
		if !d.Idle() {
			return false
		}
	}
	return true
}

// Drain consumes the pending work of every model.
func (p *Platform) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.amds {
		a.Drain()
	}
	for _, d := range p.dmars {
		d.Drain()
	}
}

// Wait waits for asynchronous consumers started by register writes. The
// memory of the platform must stay mapped until it returns.
func (p *Platform) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.amds {
		a.pending.Wait()
	}
	for _, d := range p.dmars {
		d.pending.Wait()
	}
}

var _ iommu.Registers = (*mmio.Region)(nil)
