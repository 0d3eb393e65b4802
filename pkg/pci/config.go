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

package pci

import (
	"encoding/binary"

	"gvisor.dev/iommu/pkg/sync"
)

// Config is a function's configuration space.
type Config interface {
	Read8(off uint16) uint8
	Read16(off uint16) uint16
	Read32(off uint16) uint32
	Write16(off uint16, v uint16)
	Write32(off uint16, v uint32)
}

// ConfigSize is the size of an extended configuration space.
const ConfigSize = 4096

// MemConfig is a configuration space held in memory.
type MemConfig struct {
	mu   sync.Mutex
	data [ConfigSize]byte

	// readOnly marks bytes that ignore writes.
	readOnly [ConfigSize]bool
}

// NewMemConfig returns a configuration space for vendor:device with the
// given header type.
func NewMemConfig(vendor, device uint16, headerType uint8) *MemConfig {
	c := &MemConfig{}
	binary.LittleEndian.PutUint16(c.data[0:], vendor)
	binary.LittleEndian.PutUint16(c.data[2:], device)
	c.data[regHeaderType] = headerType
	return c
}

// SetSecondaryBus sets a bridge's secondary bus number.
func (c *MemConfig) SetSecondaryBus(bus uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[regSecondaryBus] = bus
}

// AddMSICapability links an MSI capability at off into the capability
// list. If enableSticks is false, the enable bit cannot be set, as on
// broken hardware.
func (c *MemConfig) AddMSICapability(off uint16, is64, enableSticks bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[off] = capabilityIDMSI
	c.data[off+1] = c.data[regCapabilityPtr]
	c.data[regCapabilityPtr] = uint8(off)
	var ctl uint16
	if is64 {
		ctl |= msiControl64Bit
	}
	binary.LittleEndian.PutUint16(c.data[off+2:], ctl)
	if !enableSticks {
		c.readOnly[off+2] = true
	}
}

// Read8 implements Config.Read8.
func (c *MemConfig) Read8(off uint16) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[off]
}

// Read16 implements Config.Read16.
func (c *MemConfig) Read16(off uint16) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return binary.LittleEndian.Uint16(c.data[off:])
}

// Read32 implements Config.Read32.
func (c *MemConfig) Read32(off uint16) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return binary.LittleEndian.Uint32(c.data[off:])
}

func (c *MemConfig) write(off uint16, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, v := range b {
		if !c.readOnly[int(off)+i] {
			c.data[int(off)+i] = v
		}
	}
}

// Write16 implements Config.Write16.
func (c *MemConfig) Write16(off uint16, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	c.write(off, b[:])
}

// Write32 implements Config.Write32.
func (c *MemConfig) Write32(off uint16, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	c.write(off, b[:])
}
