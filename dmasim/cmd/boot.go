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
	"gvisor.dev/iommu/pkg/iommu"
	"gvisor.dev/iommu/pkg/pci"
	"gvisor.dev/iommu/pkg/topology"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct{}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "bring up the IOMMU units of a topology and summarize them"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot - discovers and starts every unit of the topology, then prints
the units, the devices they translate and their counters.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Boot) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	s, err := newSystem(conf)
	if err != nil {
		Fatalf("booting: %v", err)
	}
	defer s.close()

	if err := dump(os.Stdout, conf.Output, s.bootReport()); err != nil {
		Fatalf("writing report: %v", err)
	}
	return subcommands.ExitSuccess
}

type unitReport struct {
	Name      string      `json:"name" yaml:"name"`
	Family    string      `json:"family" yaml:"family"`
	Reporting bool        `json:"reporting" yaml:"reporting"`
	Devices   []string    `json:"devices" yaml:"devices"`
	Stats     iommu.Stats `json:"stats" yaml:"stats"`
}

type platformDevice struct {
	Variety string `json:"variety" yaml:"variety"`
	Handle  uint8  `json:"handle" yaml:"handle"`
	RID     string `json:"rid" yaml:"rid"`
	Unit    string `json:"unit" yaml:"unit"`
}

type bootReport struct {
	Units       []unitReport     `json:"units" yaml:"units"`
	Platform    []platformDevice `json:"platform_devices,omitempty" yaml:"platform_devices,omitempty"`
	Unclaimed   []string         `json:"unclaimed,omitempty" yaml:"unclaimed,omitempty"`
	DeviceTable string           `json:"device_table" yaml:"device_table"`
	KernelPages uint64           `json:"kernel_pages" yaml:"kernel_pages"`
}

// bootReport summarizes the units and their devices.
func (s *system) bootReport() *bootReport {
	r := &bootReport{
		DeviceTable: fmt.Sprintf("%#x", s.reg.DeviceTable().Phys()),
		KernelPages: s.kernel.Live(),
	}
	byName := make(map[string]int)
	for _, u := range s.reg.Units() {
		byName[u.String()] = len(r.Units)
		r.Units = append(r.Units, unitReport{
			Name:      u.String(),
			Family:    unitFamily(u),
			Reporting: u.ReportingEnabled(),
			Stats:     u.Stats(),
		})
	}
	for _, d := range s.bus.Devices() {
		o := s.bus.FindIOMMU(d.RID)
		if o == nil {
			r.Unclaimed = append(r.Unclaimed, d.RID.String())
			continue
		}
		if i, ok := byName[o.String()]; ok {
			r.Units[i].Devices = append(r.Units[i].Devices, d.RID.String())
		}
	}
	for _, desc := range s.table.Effective() {
		for _, e := range desc.Entries {
			if e.Kind != topology.Special {
				continue
			}
			pd := platformDevice{Variety: e.Variety.String(), Handle: e.Handle, RID: pci.RID(e.Source).String(), Unit: "none"}
			if u := s.reg.Lookup(e.Source); u != nil {
				pd.Unit = u.String()
			}
			r.Platform = append(r.Platform, pd)
		}
	}
	return r
}

func (r *bootReport) dumpText(w io.Writer) {
	for _, u := range r.Units {
		fmt.Fprintf(w, "%s (%s) reporting=%t devices=%d\n", u.Name, u.Family, u.Reporting, len(u.Devices))
		for _, d := range u.Devices {
			fmt.Fprintf(w, "  %s\n", d)
		}
		fmt.Fprintf(w, "  assigned=%d released=%d commands=%d timeouts=%d faults=%d\n",
			u.Stats.Assigned, u.Stats.Released, u.Stats.Commands, u.Stats.Timeouts, u.Stats.Faults)
	}
	for _, p := range r.Platform {
		fmt.Fprintf(w, "%s %d at %s on %s\n", p.Variety, p.Handle, p.RID, p.Unit)
	}
	for _, d := range r.Unclaimed {
		fmt.Fprintf(w, "unclaimed %s\n", d)
	}
	fmt.Fprintf(w, "device table at %s, %d kernel pages\n", r.DeviceTable, r.KernelPages)
}
