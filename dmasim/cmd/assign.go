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
	"cmp"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/google/subcommands"

	"gvisor.dev/iommu/dmasim/config"
	"gvisor.dev/iommu/pkg/pci"
)

// Assign implements subcommands.Command for the "assign" command.
type Assign struct {
	release string
	irq     string
}

// Name implements subcommands.Command.Name.
func (*Assign) Name() string {
	return "assign"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Assign) Synopsis() string {
	return "bind devices to domains and show their translation entries"
}

// Usage implements subcommands.Command.Usage.
func (*Assign) Usage() string {
	return `assign [flags] <rid>=<domain>[,<rid>=<domain>...] - binds each device to
the domain with the given label, creating domains on first use. Releases run
after all assignments.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *Assign) SetFlags(f *flag.FlagSet) {
	f.StringVar(&a.release, "release", "", "comma separated rid=domain pairs to release after assigning.")
	f.StringVar(&a.irq, "irq", "", "comma separated rid=vector pairs to route to CPU 0 after assigning.")
}

// Execute implements subcommands.Command.Execute.
func (a *Assign) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	assign, err := parsePairs(f.Arg(0))
	if err != nil {
		Fatalf("%v", err)
	}
	release, err := parsePairs(a.release)
	if err != nil {
		Fatalf("-release: %v", err)
	}
	irqs, err := parsePairs(a.irq)
	if err != nil {
		Fatalf("-irq: %v", err)
	}

	s, err := newSystem(conf)
	if err != nil {
		Fatalf("booting: %v", err)
	}
	defer s.close()

	rep, err := s.assign(ctx, assign, release, irqs)
	if err != nil {
		Fatalf("%v", err)
	}
	if err := dump(os.Stdout, conf.Output, rep); err != nil {
		Fatalf("writing report: %v", err)
	}
	return subcommands.ExitSuccess
}

type assignReport struct {
	Devices []deviceState `json:"devices" yaml:"devices"`
	Domains []domainState `json:"domains" yaml:"domains"`
}

type domainState struct {
	Label uint64   `json:"label" yaml:"label"`
	ID    uint16   `json:"id" yaml:"id"`
	RIDs  []string `json:"rids" yaml:"rids"`
}

// assign applies the assignments, then interrupt routes, then releases,
// and reports the resulting state of every device involved.
func (s *system) assign(ctx context.Context, assign, release, irqs []ridPair) (*assignReport, error) {
	for _, p := range assign {
		d, err := s.domain(p.label)
		if err != nil {
			return nil, err
		}
		if err := s.reg.Assign(p.rid, d); err != nil {
			return nil, err
		}
	}
	for _, p := range irqs {
		if p.label >= 256 {
			return nil, fmt.Errorf("vector %d out of range", p.label)
		}
		s.reg.SetIRT(0, p.rid, 0, uint(p.label), 0)
	}
	for _, p := range release {
		d, err := s.domain(p.label)
		if err != nil {
			return nil, err
		}
		s.reg.Release(p.rid, d)
	}
	if err := s.waitIdle(ctx); err != nil {
		return nil, fmt.Errorf("waiting for units: %w", err)
	}

	rep := &assignReport{}
	seen := make(map[uint16]bool)
	for _, ps := range [][]ridPair{assign, release, irqs} {
		for _, p := range ps {
			if !seen[p.rid] {
				seen[p.rid] = true
				rep.Devices = append(rep.Devices, s.deviceState(p.rid))
			}
		}
	}
	for label, d := range s.labels {
		ds := domainState{Label: label, ID: d.ID()}
		for _, rid := range d.RIDs() {
			ds.RIDs = append(ds.RIDs, pci.RID(rid).String())
		}
		rep.Domains = append(rep.Domains, ds)
	}
	slices.SortFunc(rep.Domains, func(a, b domainState) int {
		return cmp.Compare(a.Label, b.Label)
	})
	return rep, nil
}

func (r *assignReport) dumpText(w io.Writer) {
	for _, d := range r.Devices {
		fmt.Fprintf(w, "%s on %s domain %d entry %s\n", d.RID, d.Unit, d.Domain, d.Entry)
	}
	for _, d := range r.Domains {
		fmt.Fprintf(w, "domain %d (id %d): %v\n", d.Label, d.ID, d.RIDs)
	}
}
