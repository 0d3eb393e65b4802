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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/iommu/pkg/pci"
)

type dtbCall struct {
	Order       int
	First, Last uint16
	Setting     uint8
}

type aliasCall struct {
	Alias, RID uint16
}

type recorder struct {
	dtbs     []dtbCall
	aliases  []aliasCall
	claimed  []uint16
	all      int
	specials []string
}

func (r *recorder) String() string { return "unit0" }

func (r *recorder) AllocDTB(order int, first, last uint16, setting uint8) {
	r.dtbs = append(r.dtbs, dtbCall{order, first, last, setting})
}

func (r *recorder) Alias(alias, rid uint16) {
	r.aliases = append(r.aliases, aliasCall{alias, rid})
}

func (r *recorder) ClaimAll(pci.Owner) { r.all++ }

func (r *recorder) ClaimDevSingle(_ pci.Owner, rid pci.RID) bool {
	r.claimed = append(r.claimed, uint16(rid))
	return true
}

func (r *recorder) ClaimSpecial(_ pci.Owner, v Variety, handle uint8, rid uint16) {
	r.specials = append(r.specials, fmt.Sprintf("%v/%d/%#x", v, handle, rid))
}

func TestApplySelect(t *testing.T) {
	r := &recorder{}
	err := Apply(r, r, []Entry{
		{Kind: Pad},
		{Kind: Select, RID: 0x10, Setting: 0x1},
		{Kind: ExtSelect, RID: 0x18},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := []dtbCall{{0, 0x10, 0x10, 0x1}, {0, 0x18, 0x18, 0}}
	if diff := cmp.Diff(want, r.dtbs); diff != "" {
		t.Errorf("device tables mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint16{0x10, 0x18}, r.claimed); diff != "" {
		t.Errorf("claims mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyAll(t *testing.T) {
	r := &recorder{}
	if err := Apply(r, r, []Entry{{Kind: All, Setting: 0x80}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if diff := cmp.Diff([]dtbCall{{9, 0, 0xffff, 0x80}}, r.dtbs); diff != "" {
		t.Errorf("device tables mismatch (-want +got):\n%s", diff)
	}
	if r.all != 1 {
		t.Errorf("ClaimAll called %d times, want 1", r.all)
	}
}

func TestApplyRangeIsInclusive(t *testing.T) {
	r := &recorder{}
	err := Apply(r, r, []Entry{
		{Kind: RangeStart, RID: 0x100, Setting: 0x2},
		{Kind: RangeEnd, RID: 0x103},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if diff := cmp.Diff([]dtbCall{{0, 0x100, 0x103, 0x2}}, r.dtbs); diff != "" {
		t.Errorf("device tables mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint16{0x100, 0x101, 0x102, 0x103}, r.claimed); diff != "" {
		t.Errorf("claims mismatch (-want +got):\n%s", diff)
	}
	if len(r.aliases) != 0 {
		t.Errorf("unexpected aliases %v", r.aliases)
	}
}

func TestApplyRangeOrder(t *testing.T) {
	r := &recorder{}
	err := Apply(r, r, []Entry{
		{Kind: ExtRangeStart, RID: 0},
		{Kind: RangeEnd, RID: 0x3ff},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// 1024 entries of 32 bytes need 8 pages.
	if got, want := r.dtbs[0].Order, 3; got != want {
		t.Errorf("order = %d, want %d", got, want)
	}
}

func TestApplyAliasRange(t *testing.T) {
	r := &recorder{}
	err := Apply(r, r, []Entry{
		{Kind: AliasRangeStart, RID: 0x200, Source: 0x20},
		{Kind: RangeEnd, RID: 0x202},
		{Kind: AliasSelect, RID: 0x300, Source: 0x30},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := []aliasCall{{0x200, 0x20}, {0x201, 0x20}, {0x202, 0x20}, {0x300, 0x30}}
	if diff := cmp.Diff(want, r.aliases); diff != "" {
		t.Errorf("aliases mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyUnmatchedRangeEnd(t *testing.T) {
	r := &recorder{}
	err := Apply(r, r, []Entry{
		{Kind: RangeEnd, RID: 0x10},
		{Kind: RangeStart, RID: 0x20},
		{Kind: RangeEnd, RID: 0x10},
		{Kind: RangeEnd, RID: 0x30},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(r.dtbs) != 0 || len(r.claimed) != 0 {
		t.Errorf("unmatched range ends bound devices: %v %v", r.dtbs, r.claimed)
	}
}

func TestApplySpecial(t *testing.T) {
	r := &recorder{}
	err := Apply(r, r, []Entry{
		{Kind: Special, Variety: IOAPIC, Handle: 0x21, Source: 0xa0},
		{Kind: Special, Variety: HPET, Handle: 0, Source: 0xa5},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if diff := cmp.Diff([]string{"ioapic/33/0xa0", "hpet/0/0xa5"}, r.specials); diff != "" {
		t.Errorf("specials mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]dtbCall{{0, 0xa0, 0xa0, 0}, {0, 0xa5, 0xa5, 0}}, r.dtbs); diff != "" {
		t.Errorf("device tables mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyUnknownContinues(t *testing.T) {
	r := &recorder{}
	err := Apply(r, r, []Entry{
		{Kind: Kind(0x99)},
		{Kind: Select, RID: 1},
	})
	if !errors.Is(err, ErrUnknownEntry) {
		t.Errorf("Apply error = %v, want %v", err, ErrUnknownEntry)
	}
	if len(r.claimed) != 1 {
		t.Errorf("entries after the unknown one were not applied: %v", r.claimed)
	}
}

func TestKindText(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Kind
	}{
		{"select", Select},
		{"Alias-Range-Start", AliasRangeStart},
		{"0x48", Special},
		{"4", RangeEnd},
	} {
		var k Kind
		if err := k.UnmarshalText([]byte(tc.in)); err != nil {
			t.Errorf("UnmarshalText(%q): %v", tc.in, err)
			continue
		}
		if k != tc.want {
			t.Errorf("UnmarshalText(%q) = %v, want %v", tc.in, k, tc.want)
		}
	}
	var k Kind
	if err := k.UnmarshalText([]byte("bogus")); err == nil {
		t.Errorf("UnmarshalText(bogus) succeeded")
	}
}

const testTable = `
extended_info = true

[[unit]]
id = 0
block = 0x10
base = 0xfeb80000
rid = 0x2

[[unit]]
id = 0
block = 0x11
base = 0xfeb80000
rid = 0x2

  [[unit.entry]]
  kind = "range-start"
  rid = 0x8
  setting = 1

  [[unit.entry]]
  kind = "range-end"
  rid = 0xf

  [[unit.entry]]
  kind = "special"
  variety = 1
  handle = 33
  source = 0xa0

[[unit]]
id = 1
block = 0x10
base = 0xfeb90000
rid = 0x40

[[dmar]]
base = 0xfed90000
include_all = true
`

func TestParse(t *testing.T) {
	tbl, err := Parse(testTable)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	units := tbl.Effective()
	if len(units) != 2 {
		t.Fatalf("Effective() returned %d units, want 2: %+v", len(units), units)
	}
	if units[0].Block != BlockExtended || units[1].ID != 1 {
		t.Errorf("unexpected units %+v", units)
	}
	want := []Entry{
		{Kind: RangeStart, RID: 0x8, Setting: 1},
		{Kind: RangeEnd, RID: 0xf},
		{Kind: Special, Variety: IOAPIC, Handle: 33, Source: 0xa0},
	}
	if diff := cmp.Diff(want, units[0].Entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	if len(tbl.DMARs) != 1 || !tbl.DMARs[0].IncludeAll {
		t.Errorf("unexpected DMAR units %+v", tbl.DMARs)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.toml")
	if err := os.WriteFile(path, []byte(testTable), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	tbl, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(tbl.Units) != 3 {
		t.Errorf("got %d units, want 3", len(tbl.Units))
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("Load of a missing file succeeded")
	}
}
