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

package topology

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// IVHD block types.
const (
	// BlockLegacy describes a unit with the fixed-size feature fields.
	BlockLegacy = 0x10

	// BlockExtended describes a unit with the extended feature register.
	BlockExtended = 0x11
)

// UnitDesc describes one AMD IOMMU unit and the devices behind it.
type UnitDesc struct {
	// ID identifies the unit. A unit may be described by a legacy and an
	// extended block sharing the same ID.
	ID uint16 `toml:"id"`

	// Block is the block type, BlockLegacy or BlockExtended.
	Block uint8 `toml:"block"`

	// Base is the physical address of the unit's register window.
	Base uint64 `toml:"base"`

	// RID is the requester id of the unit itself.
	RID uint16 `toml:"rid"`

	// Entries are the device entries, in firmware order.
	Entries []Entry `toml:"entry"`
}

// DMARDesc describes one Intel remapping unit.
type DMARDesc struct {
	Base uint64 `toml:"base"`

	// IncludeAll makes the unit translate every device not claimed by
	// another unit.
	IncludeAll bool `toml:"include_all"`

	// Scope lists the requester ids translated by the unit.
	Scope []uint16 `toml:"scope"`
}

// Table is a platform topology.
type Table struct {
	// ExtendedInfo is set when the firmware advertises extended blocks. If
	// set, a legacy block is ignored in favor of an extended block with the
	// same ID.
	ExtendedInfo bool `toml:"extended_info"`

	Units []UnitDesc `toml:"unit"`
	DMARs []DMARDesc `toml:"dmar"`
}

// Effective returns the units to bring up, dropping legacy blocks that are
// superseded by extended ones.
func (t *Table) Effective() []UnitDesc {
	var out []UnitDesc
	for _, u := range t.Units {
		if u.Block == BlockLegacy && t.ExtendedInfo && t.hasExtended(u.ID) {
			continue
		}
		out = append(out, u)
	}
	return out
}

func (t *Table) hasExtended(id uint16) bool {
	for _, u := range t.Units {
		if u.Block == BlockExtended && u.ID == id {
			return true
		}
	}
	return false
}

// Load reads a topology from the TOML file at path.
func Load(path string) (*Table, error) {
	var t Table
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return nil, fmt.Errorf("decoding topology %q: %w", path, err)
	}
	return &t, nil
}

// Parse reads a topology from TOML text.
func Parse(data string) (*Table, error) {
	var t Table
	if _, err := toml.Decode(data, &t); err != nil {
		return nil, fmt.Errorf("decoding topology: %w", err)
	}
	return &t, nil
}
