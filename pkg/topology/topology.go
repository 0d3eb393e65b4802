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

// Package topology feeds IOMMU units with the device topology reported by
// the platform firmware.
//
// The firmware describes, per IOMMU unit, a list of device entries. Most
// entries name a single requester id; others open or close an inclusive
// range, declare that a range of requester ids is an alias of another one,
// or bind a platform device (I/O APIC, HPET) that has no PCI function of its
// own. Apply replays such a list against a unit.
package topology

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/log"
	"gvisor.dev/iommu/pkg/pci"
)

// ErrUnknownEntry is returned by Apply for entries of an unknown kind.
var ErrUnknownEntry = errors.New("unknown device entry kind")

// Kind is the type of a device entry.
type Kind uint8

// Device entry kinds.
const (
	Pad             Kind = 0x00
	All             Kind = 0x01
	Select          Kind = 0x02
	RangeStart      Kind = 0x03
	RangeEnd        Kind = 0x04
	AliasSelect     Kind = 0x42
	AliasRangeStart Kind = 0x43
	ExtSelect       Kind = 0x46
	ExtRangeStart   Kind = 0x47
	Special         Kind = 0x48
)

var kindNames = map[Kind]string{
	Pad:             "pad",
	All:             "all",
	Select:          "select",
	RangeStart:      "range-start",
	RangeEnd:        "range-end",
	AliasSelect:     "alias-select",
	AliasRangeStart: "alias-range-start",
	ExtSelect:       "ext-select",
	ExtRangeStart:   "ext-range-start",
	Special:         "special",
}

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%#x)", uint8(k))
}

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText. It
// accepts kind names as well as raw numeric values such as "0x42".
func (k *Kind) UnmarshalText(b []byte) error {
	s := strings.ToLower(string(b))
	for kind, name := range kindNames {
		if name == s {
			*k = kind
			return nil
		}
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return fmt.Errorf("invalid device entry kind %q", s)
	}
	*k = Kind(v)
	return nil
}

// Variety identifies the platform device bound by a Special entry.
type Variety uint8

// Special device varieties.
const (
	IOAPIC Variety = 1
	HPET   Variety = 2
)

// String implements fmt.Stringer.String.
func (v Variety) String() string {
	switch v {
	case IOAPIC:
		return "ioapic"
	case HPET:
		return "hpet"
	default:
		return fmt.Sprintf("variety(%d)", uint8(v))
	}
}

// Entry is a single device entry.
type Entry struct {
	Kind Kind `toml:"kind"`

	// RID is the requester id named by the entry.
	RID uint16 `toml:"rid"`

	// Setting carries the per-device flags applied to the device table
	// entries covered by this entry.
	Setting uint8 `toml:"setting"`

	// Source is the effective requester id of alias entries and the
	// requester id of special devices.
	Source uint16 `toml:"source"`

	// Variety and Handle describe special devices.
	Variety Variety `toml:"variety"`
	Handle  uint8   `toml:"handle"`
}

// Target is the IOMMU unit consuming device entries.
type Target interface {
	pci.Owner

	// AllocDTB makes the device table cover first through last and applies
	// setting to each of their entries. order is the binary log of the
	// number of pages the range needs.
	AllocDTB(order int, first, last uint16, setting uint8)

	// Alias marks alias as an alias of rid.
	Alias(alias, rid uint16)
}

// Claimer records which unit translates which device.
type Claimer interface {
	ClaimAll(o pci.Owner)
	ClaimDevSingle(o pci.Owner, rid pci.RID) bool
	ClaimSpecial(o pci.Owner, v Variety, handle uint8, rid uint16)
}

// noRange marks the absence of an open range.
const noRange = -1

// rangeState tracks an open range entry.
type rangeState struct {
	start   int
	alias   int
	setting uint8
}

func (r *rangeState) reset() {
	*r = rangeState{start: noRange, alias: noRange}
}

// dtbOrder returns the device table order for n requester ids.
func dtbOrder(n int) int {
	return hostarch.OrderForBytes(uint64(n) * 32)
}

// Apply replays entries against t, claiming devices through c. Entries of
// an unknown kind are skipped and reported through the returned error after
// the remaining entries have been applied.
func Apply(t Target, c Claimer, entries []Entry) error {
	var (
		st   rangeState
		errs []error
	)
	st.reset()
	for _, e := range entries {
		switch e.Kind {
		case Pad:
		case All:
			t.AllocDTB(9, 0, 0xffff, e.Setting)
			c.ClaimAll(t)
		case Select, ExtSelect:
			t.AllocDTB(0, e.RID, e.RID, e.Setting)
			c.ClaimDevSingle(t, pci.RID(e.RID))
		case AliasSelect:
			t.AllocDTB(0, e.RID, e.RID, e.Setting)
			c.ClaimDevSingle(t, pci.RID(e.RID))
			t.Alias(e.RID, e.Source)
		case RangeStart, ExtRangeStart:
			st = rangeState{start: int(e.RID), alias: noRange, setting: e.Setting}
		case AliasRangeStart:
			st = rangeState{start: int(e.RID), alias: int(e.Source), setting: e.Setting}
		case RangeEnd:
			if st.start == noRange || st.start > int(e.RID) {
				log.Warningf("%v: range end %#x without matching start", t, e.RID)
				st.reset()
				continue
			}
			first, last := uint16(st.start), e.RID
			t.AllocDTB(dtbOrder(int(last)-int(first)+1), first, last, st.setting)
			for r := int(first); r <= int(last); r++ {
				c.ClaimDevSingle(t, pci.RID(r))
				if st.alias != noRange {
					t.Alias(uint16(r), uint16(st.alias))
				}
			}
			st.reset()
		case Special:
			t.AllocDTB(0, e.Source, e.Source, e.Setting)
			c.ClaimSpecial(t, e.Variety, e.Handle, e.Source)
		default:
			log.Warningf("%v: device entry type %#x unknown", t, uint8(e.Kind))
			errs = append(errs, fmt.Errorf("%w: %v", ErrUnknownEntry, e.Kind))
		}
	}
	return errors.Join(errs...)
}
