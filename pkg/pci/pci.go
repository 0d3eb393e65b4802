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

// Package pci models PCI enumeration as seen by an IOMMU driver: the list of
// functions with their requester ids and bridge depth, the IOMMU unit that
// translates for each function, and MSI capability programming.
package pci

import (
	"errors"
	"fmt"

	"gvisor.dev/iommu/pkg/sync"
)

// RID is a requester id: bus in bits 8-15, device in bits 3-7 and function
// in bits 0-2.
type RID uint16

// MakeRID returns the requester id of bus:dev.fn.
func MakeRID(bus, dev, fn uint8) RID {
	return RID(uint16(bus)<<8 | uint16(dev&0x1f)<<3 | uint16(fn&0x7))
}

// Bus returns the bus number.
func (r RID) Bus() uint8 { return uint8(r >> 8) }

// Dev returns the device number.
func (r RID) Dev() uint8 { return uint8(r>>3) & 0x1f }

// Func returns the function number.
func (r RID) Func() uint8 { return uint8(r) & 0x7 }

func (r RID) String() string {
	return fmt.Sprintf("%02x:%02x.%x", r.Bus(), r.Dev(), r.Func())
}

// Owner is the IOMMU unit translating for a device.
type Owner interface {
	fmt.Stringer
}

// ErrNoDevice is returned for requester ids without a PCI function.
var ErrNoDevice = errors.New("no such PCI device")

// ErrNoMSI is returned when a device's MSI capability is missing or does
// not accept the enable bit.
var ErrNoMSI = errors.New("MSI not available")

// Device is one enumerated PCI function.
type Device struct {
	// RID is the function's requester id.
	RID RID

	// Level is the bridge depth of the function's bus; functions behind a
	// bridge follow the bridge in enumeration order with a larger level.
	Level int

	// Config is the function's configuration space.
	Config Config

	owner Owner
}

// Bus is the list of PCI functions in enumeration order.
type Bus struct {
	mu      sync.RWMutex
	devices []*Device
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Add appends a function to the enumeration order.
func (b *Bus) Add(rid RID, level int, cfg Config) *Device {
	d := &Device{RID: rid, Level: level, Config: cfg}
	b.mu.Lock()
	b.devices = append(b.devices, d)
	b.mu.Unlock()
	return d
}

// Configuration-space registers used during enumeration.
const (
	regVendorID       = 0x00
	regHeaderType     = 0x0e
	regSecondaryBus   = 0x19
	regCapabilityPtr  = 0x34
	headerTypeBridge  = 0x01
	headerMultiFunc   = 0x80
	capabilityIDMSI   = 0x05
	msiControl64Bit   = 0x80
	msiControlEnable  = 0x01
	msiAddressBase    = 0xfee00000
	msiAddressAPICShf = 12
)

// Scan enumerates bus and every bus behind its bridges. lookup returns the
// configuration space of a function, or nil if it is absent.
func (b *Bus) Scan(bus uint8, level int, lookup func(RID) Config) {
	for r := int(bus) << 8; r < (int(bus)+1)<<8; r++ {
		rid := RID(r)
		cfg := lookup(rid)
		if cfg == nil || cfg.Read32(regVendorID) == ^uint32(0) {
			continue
		}
		b.Add(rid, level, cfg)

		h := cfg.Read8(regHeaderType)
		if h&0x7f == headerTypeBridge {
			b.Scan(cfg.Read8(regSecondaryBus), level+1, lookup)
		}
		// Single-function devices skip the remaining functions.
		if rid.Func() == 0 && h&headerMultiFunc == 0 {
			r += 7
		}
	}
}

// Devices returns the functions in enumeration order.
func (b *Bus) Devices() []*Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Device(nil), b.devices...)
}

// find returns the index of rid.
//
// Preconditions: b.mu is locked.
func (b *Bus) find(rid RID) int {
	for i, d := range b.devices {
		if d.RID == rid {
			return i
		}
	}
	return -1
}

// Find returns the device with requester id rid.
func (b *Bus) Find(rid RID) (*Device, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i := b.find(rid); i >= 0 {
		return b.devices[i], true
	}
	return nil, false
}

// ClaimAll makes o the owner of every device without one.
func (b *Bus) ClaimAll(o Owner) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.devices {
		if d.owner == nil {
			d.owner = o
		}
	}
}

// ClaimDev makes o the owner of rid and, unless single is set, of every
// device enumerated behind it. It reports whether rid exists.
func (b *Bus) ClaimDev(o Owner, rid RID, single bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.find(rid)
	if i < 0 {
		return false
	}
	level := b.devices[i].Level
	b.devices[i].owner = o
	for i++; !single && i < len(b.devices) && b.devices[i].Level > level; i++ {
		b.devices[i].owner = o
	}
	return true
}

// ClaimDevSingle makes o the owner of rid only.
func (b *Bus) ClaimDevSingle(o Owner, rid RID) bool {
	return b.ClaimDev(o, rid, true)
}

// FindIOMMU returns the owner of rid, or nil.
func (b *Bus) FindIOMMU(rid RID) Owner {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i := b.find(rid); i >= 0 {
		return b.devices[i].owner
	}
	return nil
}

// EnableMSI routes rid's MSI to vector on the processor with apicID.
func (b *Bus) EnableMSI(rid RID, apicID uint8, vector uint8) error {
	d, ok := b.Find(rid)
	if !ok {
		return fmt.Errorf("enabling MSI for %v: %w", rid, ErrNoDevice)
	}
	cfg := d.Config
	for ptr := uint16(cfg.Read8(regCapabilityPtr)); ptr != 0; {
		val := cfg.Read16(ptr)
		if val&0xff != capabilityIDMSI {
			ptr = val >> 8 & 0xff
			continue
		}
		ctl := cfg.Read16(ptr + 2)
		cfg.Write32(ptr+4, msiAddressBase|uint32(apicID)<<msiAddressAPICShf)
		if ctl&msiControl64Bit != 0 {
			cfg.Write32(ptr+8, 0)
			cfg.Write16(ptr+0xc, uint16(vector))
		} else {
			cfg.Write16(ptr+8, uint16(vector))
		}
		cfg.Write16(ptr+2, ctl|msiControlEnable)
		if cfg.Read16(ptr+2)&msiControlEnable != 0 {
			return nil
		}
		break
	}
	return fmt.Errorf("enabling MSI for %v: %w", rid, ErrNoMSI)
}
