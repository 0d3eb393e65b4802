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
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/google/subcommands"

	"gvisor.dev/iommu/dmasim/config"
	"gvisor.dev/iommu/pkg/domain"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/pagetables"
)

var errMisaligned = errors.New("misaligned or oversized mapping")

// mapping is a range of 1<<order pages at virt backed by phys.
type mapping struct {
	virt  uint64
	phys  uint64
	order int
}

// parseMapping parses virt=phys[/order], or virt[/order] if phys is not
// wanted.
func parseMapping(s string, wantPhys bool) (mapping, error) {
	var m mapping
	rest := s
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		o, err := parseUint(rest[i+1:], 8)
		if err != nil {
			return m, err
		}
		m.order, rest = int(o), rest[:i]
	}
	v, p, ok := strings.Cut(rest, "=")
	if ok != wantPhys {
		return m, fmt.Errorf("invalid mapping %q", s)
	}
	var err error
	if m.virt, err = parseUint(v, 64); err != nil {
		return m, err
	}
	if wantPhys {
		if m.phys, err = parseUint(p, 64); err != nil {
			return m, err
		}
	}
	return m, nil
}

// mappingFlags can be used with mapping flags that appear multiple times.
type mappingFlags struct {
	phys bool
	list []mapping
}

// String implements flag.Value.
func (m *mappingFlags) String() string {
	return fmt.Sprintf("%v", m.list)
}

// Get implements flag.Getter.
func (m *mappingFlags) Get() any {
	return m.list
}

// Set implements flag.Value.
func (m *mappingFlags) Set(s string) error {
	v, err := parseMapping(s, m.phys)
	if err != nil {
		return err
	}
	m.list = append(m.list, v)
	return nil
}

// Lookup implements subcommands.Command for the "lookup" command.
type Lookup struct {
	kind  string
	maps  mappingFlags
	unmap mappingFlags
}

// Name implements subcommands.Command.Name.
func (*Lookup) Name() string {
	return "lookup"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Lookup) Synopsis() string {
	return "map ranges into a page table flavor and translate addresses"
}

// Usage implements subcommands.Command.Usage.
func (*Lookup) Usage() string {
	return `lookup [-kind=io] [-map=virt=phys[/order]]... [-unmap=virt[/order]]... <addr>... -
builds the page tables of a fresh domain and translates each address.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Lookup) SetFlags(f *flag.FlagSet) {
	l.maps.phys = true
	f.StringVar(&l.kind, "kind", "io", "page table flavor: host, nested, dma or io.")
	f.Var(&l.maps, "map", "map virt=phys[/order]; may be repeated.")
	f.Var(&l.unmap, "unmap", "unmap virt[/order] after mapping; may be repeated.")
}

// Execute implements subcommands.Command.Execute.
func (l *Lookup) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)

	kind, err := domain.ParseKind(l.kind)
	if err != nil {
		Fatalf("-kind: %v", err)
	}
	var addrs []uint64
	for _, a := range f.Args() {
		v, err := parseUint(a, 64)
		if err != nil {
			Fatalf("%v", err)
		}
		addrs = append(addrs, v)
	}

	s, err := newSystem(conf)
	if err != nil {
		Fatalf("booting: %v", err)
	}
	defer s.close()

	rep, err := s.lookup(kind, l.maps.list, l.unmap.list, addrs)
	if err != nil {
		Fatalf("%v", err)
	}
	if err := dump(os.Stdout, conf.Output, rep); err != nil {
		Fatalf("writing report: %v", err)
	}
	return subcommands.ExitSuccess
}

// defaultAttrs returns read-write attributes of flavor k.
func defaultAttrs(k domain.Kind) uint64 {
	switch k {
	case domain.Host:
		return pagetables.HostPresent | pagetables.HostWrite
	case domain.Nested:
		return pagetables.NestedRead | pagetables.NestedWrite
	case domain.DMA:
		return pagetables.DMARead | pagetables.DMAWrite
	default:
		return pagetables.IOPermissions(true, true)
	}
}

type translation struct {
	Addr   string `json:"addr" yaml:"addr"`
	Mapped bool   `json:"mapped" yaml:"mapped"`
	Phys   string `json:"phys,omitempty" yaml:"phys,omitempty"`
	Attr   string `json:"attr,omitempty" yaml:"attr,omitempty"`
	Size   uint64 `json:"size,omitempty" yaml:"size,omitempty"`
}

type lookupReport struct {
	Kind         string        `json:"kind" yaml:"kind"`
	Translations []translation `json:"translations" yaml:"translations"`
	Flushes      int           `json:"flushes" yaml:"flushes"`
	TablePages   uint64        `json:"table_pages" yaml:"table_pages"`
}

// lookup maps maps, then unmaps unmaps, in the k tables of a new domain
// and translates addrs.
func (s *system) lookup(k domain.Kind, maps, unmaps []mapping, addrs []uint64) (*lookupReport, error) {
	d, err := s.doms.Create(s.conf.DomainQuota)
	if err != nil {
		return nil, err
	}
	pt := d.Tables(k)
	reach := pt.Levels() * pt.Format().BitsPerLevel()
	for _, m := range append(slices.Clip(maps), unmaps...) {
		if m.order >= reach {
			return nil, fmt.Errorf("mapping %#x/%d: %w", m.virt, m.order, errMisaligned)
		}
		mask := uint64(1)<<(m.order+hostarch.PageShift) - 1
		if m.virt&mask != 0 || m.phys&mask != 0 {
			return nil, fmt.Errorf("mapping %#x=%#x/%d: %w", m.virt, m.phys, m.order, errMisaligned)
		}
	}

	rep := &lookupReport{Kind: k.String()}
	attrs := defaultAttrs(k)
	for _, m := range maps {
		flush, err := d.Map(k, m.virt, m.order, m.phys, attrs)
		if err != nil {
			return nil, fmt.Errorf("mapping %#x: %w", m.virt, err)
		}
		if flush {
			rep.Flushes++
		}
	}
	for _, m := range unmaps {
		flush, err := d.Unmap(k, m.virt, m.order)
		if err != nil {
			return nil, fmt.Errorf("unmapping %#x: %w", m.virt, err)
		}
		if flush {
			rep.Flushes++
		}
	}

	for _, a := range addrs {
		tr := translation{Addr: fmt.Sprintf("%#x", a)}
		if phys, attr, size := pt.Lookup(a); size != 0 {
			tr.Mapped = true
			tr.Phys = fmt.Sprintf("%#x", phys)
			tr.Attr = fmt.Sprintf("%#x", attr)
			tr.Size = size
		}
		rep.Translations = append(rep.Translations, tr)
	}
	rep.TablePages = d.Pool().Live()
	return rep, nil
}

func (r *lookupReport) dumpText(w io.Writer) {
	fmt.Fprintf(w, "%s tables: %d pages, %d flushes\n", r.Kind, r.TablePages, r.Flushes)
	for _, t := range r.Translations {
		if !t.Mapped {
			fmt.Fprintf(w, "%s -> unmapped\n", t.Addr)
			continue
		}
		fmt.Fprintf(w, "%s -> %s attr %s size %#x\n", t.Addr, t.Phys, t.Attr, t.Size)
	}
}
