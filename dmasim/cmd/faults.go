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
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"gvisor.dev/iommu/dmasim/config"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/iommu"
	"gvisor.dev/iommu/pkg/pci"
)

// Fault reasons injected by the simulator.
const (
	amdIOPageFault   = 2
	dmarAddressFault = 6
)

// Faults implements subcommands.Command for the "faults" command.
type Faults struct {
	rid    string
	count  int
	sweeps int
	assign bool
}

// Name implements subcommands.Command.Name.
func (*Faults) Name() string {
	return "faults"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Faults) Synopsis() string {
	return "inject DMA faults and show how fault reporting reacts"
}

// Usage implements subcommands.Command.Usage.
func (*Faults) Usage() string {
	return `faults [flags] - injects -count faults from a device before each of -sweeps
fault interrupts and prints whether the unit still reports faults.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (fa *Faults) SetFlags(f *flag.FlagSet) {
	f.StringVar(&fa.rid, "rid", "0x10", "requester id of the faulting device.")
	f.IntVar(&fa.count, "count", 9, "faults injected before each interrupt.")
	f.IntVar(&fa.sweeps, "sweeps", 1, "number of fault interrupts.")
	f.BoolVar(&fa.assign, "assign", false, "assign the device to a domain afterwards, which re-arms reporting.")
}

// Execute implements subcommands.Command.Execute.
func (fa *Faults) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	rid, err := parseRID(fa.rid)
	if err != nil {
		Fatalf("-rid: %v", err)
	}
	s, err := newSystem(conf)
	if err != nil {
		Fatalf("booting: %v", err)
	}
	defer s.close()

	rep, err := s.faults(rid, fa.count, fa.sweeps, fa.assign)
	if err != nil {
		Fatalf("%v", err)
	}
	if err := dump(os.Stdout, conf.Output, rep); err != nil {
		Fatalf("writing report: %v", err)
	}
	return subcommands.ExitSuccess
}

type sweepReport struct {
	Injected  int  `json:"injected" yaml:"injected"`
	Delivered int  `json:"delivered" yaml:"delivered"`
	Reporting bool `json:"reporting" yaml:"reporting"`
}

type faultReport struct {
	RID       string        `json:"rid" yaml:"rid"`
	Unit      string        `json:"unit" yaml:"unit"`
	Sweeps    []sweepReport `json:"sweeps" yaml:"sweeps"`
	Rearmed   bool          `json:"rearmed,omitempty" yaml:"rearmed,omitempty"`
	Stats     iommu.Stats   `json:"stats" yaml:"stats"`
	Interrupt uint64        `json:"interrupts" yaml:"interrupts"`
}

// faults injects count faults from rid before each of sweeps fault
// interrupts. If assign is set, rid is then assigned to a domain.
func (s *system) faults(rid uint16, count, sweeps int, assign bool) (*faultReport, error) {
	u := s.reg.Lookup(rid)
	if u == nil {
		return nil, fmt.Errorf("%v: %w", pci.RID(rid), iommu.ErrNoUnit)
	}

	var inject func(i int) bool
	switch u := u.(type) {
	case *iommu.AMD:
		m := s.plat.AMD(u.Base())
		inject = func(i int) bool {
			return m.Event(rid, amdIOPageFault, uint64(i)<<hostarch.PageShift)
		}
	case *iommu.DMAR:
		m := s.plat.DMAR(u.Base())
		inject = func(i int) bool {
			return m.Fault(rid, dmarAddressFault, uint64(i)<<hostarch.PageShift)
		}
	default:
		return nil, fmt.Errorf("%v: unsupported unit %v", pci.RID(rid), u)
	}

	rep := &faultReport{RID: pci.RID(rid).String(), Unit: u.String()}
	for n := 0; n < sweeps; n++ {
		sw := sweepReport{Injected: count}
		for i := 0; i < count; i++ {
			if inject(i) {
				sw.Delivered++
			}
		}
		s.fire()
		sw.Reporting = u.ReportingEnabled()
		rep.Sweeps = append(rep.Sweeps, sw)
	}

	if assign {
		d, err := s.domain(0)
		if err != nil {
			return nil, err
		}
		if err := s.reg.Assign(rid, d); err != nil {
			return nil, err
		}
		rep.Rearmed = u.ReportingEnabled()
	}
	rep.Stats = u.Stats()
	rep.Interrupt = s.eois.Load()
	return rep, nil
}

func (r *faultReport) dumpText(w io.Writer) {
	fmt.Fprintf(w, "%s on %s\n", r.RID, r.Unit)
	for i, sw := range r.Sweeps {
		fmt.Fprintf(w, "  sweep %d: injected=%d delivered=%d reporting=%t\n", i, sw.Injected, sw.Delivered, sw.Reporting)
	}
	if r.Rearmed {
		fmt.Fprintf(w, "  reporting re-armed by assignment\n")
	}
	fmt.Fprintf(w, "  faults=%d storms=%d overflows=%d interrupts=%d\n", r.Stats.Faults, r.Stats.Storms, r.Stats.Overflows, r.Interrupt)
}
