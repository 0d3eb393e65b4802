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
	"maps"
	"math/rand"
	"os"
	"slices"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"gvisor.dev/iommu/dmasim/config"
	"gvisor.dev/iommu/pkg/domain"
	"gvisor.dev/iommu/pkg/iommu"
	"gvisor.dev/iommu/pkg/log"
	"gvisor.dev/iommu/pkg/pci"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers    int
	iterations int
	domains    int
	seed       int64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "assign and release devices concurrently and check the bindings"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - runs random assignments and releases from several
goroutines, waits for the units to go idle, then checks that every device
entry agrees with the domain bookkeeping.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 8, "number of concurrent workers.")
	f.IntVar(&s.iterations, "iterations", 1000, "operations per worker.")
	f.IntVar(&s.domains, "domains", 4, "number of domains devices move between.")
	f.Int64Var(&s.seed, "seed", 1, "seed of the first worker.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if s.workers <= 0 || s.iterations < 0 || s.domains <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	sys, err := newSystem(conf)
	if err != nil {
		Fatalf("booting: %v", err)
	}
	defer sys.close()

	rep, err := sys.stress(ctx, s.workers, s.iterations, s.domains, s.seed)
	if err != nil {
		Fatalf("%v", err)
	}
	if err := dump(os.Stdout, conf.Output, rep); err != nil {
		Fatalf("writing report: %v", err)
	}
	if len(rep.Mismatches) > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type stressReport struct {
	Devices    int                    `json:"devices" yaml:"devices"`
	Operations int                    `json:"operations" yaml:"operations"`
	Bound      int                    `json:"bound" yaml:"bound"`
	Mismatches []string               `json:"mismatches,omitempty" yaml:"mismatches,omitempty"`
	Stats      map[string]iommu.Stats `json:"stats" yaml:"stats"`
}

// owned is implemented by units that track device owners.
type owned interface {
	Owner(rid uint16) iommu.Domain
}

// translatedRIDs returns the devices some unit translates, excluding the
// units themselves.
func (s *system) translatedRIDs() []uint16 {
	units := make(map[uint16]bool)
	for _, u := range s.reg.AMDs() {
		units[u.RID()] = true
	}
	var rids []uint16
	for _, rid := range deviceRIDs(s.table) {
		if !units[rid] && s.reg.Lookup(rid) != nil {
			rids = append(rids, rid)
		}
	}
	return rids
}

// stress moves devices between ndom domains from workers goroutines and
// then checks the resulting bindings.
func (s *system) stress(ctx context.Context, workers, iterations, ndom int, seed int64) (*stressReport, error) {
	rids := s.translatedRIDs()
	if len(rids) == 0 {
		return nil, fmt.Errorf("no translated devices in topology")
	}
	doms := make([]*domain.Domain, 0, ndom)
	for i := 0; i < ndom; i++ {
		d, err := s.domain(uint64(i))
		if err != nil {
			return nil, err
		}
		doms = append(doms, d)
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		r := rand.New(rand.NewSource(seed + int64(w)))
		g.Go(func() error {
			for i := 0; i < iterations; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				rid := rids[r.Intn(len(rids))]
				d := doms[r.Intn(len(doms))]
				if r.Intn(3) == 0 {
					s.reg.Release(rid, d)
				} else if err := s.reg.Assign(rid, d); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := s.waitIdle(ctx); err != nil {
		return nil, fmt.Errorf("waiting for units: %w", err)
	}

	rep := &stressReport{
		Devices:    len(rids),
		Operations: workers * iterations,
		Stats:      make(map[string]iommu.Stats),
	}
	for _, rid := range rids {
		u := s.reg.Lookup(rid)
		var owner iommu.Domain
		if o, ok := u.(owned); ok {
			owner = o.Owner(rid)
		}
		var holders []*domain.Domain
		for _, d := range doms {
			if d.HasRID(rid) {
				holders = append(holders, d)
			}
		}
		st := s.deviceState(rid)
		switch {
		case owner == nil && len(holders) == 0:
			if st.Domain != 0 {
				rep.Mismatches = append(rep.Mismatches, fmt.Sprintf("%v: unowned but entry names domain %d", pci.RID(rid), st.Domain))
			}
		case owner == nil || len(holders) != 1 || iommu.Domain(holders[0]) != owner:
			rep.Mismatches = append(rep.Mismatches, fmt.Sprintf("%v: unit owner %v, recorded by %v", pci.RID(rid), owner, holders))
		case st.Domain != owner.DomainID():
			rep.Mismatches = append(rep.Mismatches, fmt.Sprintf("%v: owned by domain %d but entry names %d", pci.RID(rid), owner.DomainID(), st.Domain))
		default:
			rep.Bound++
		}
	}
	for _, u := range s.reg.Units() {
		rep.Stats[fmt.Sprint(u)] = u.Stats()
	}
	for _, m := range rep.Mismatches {
		log.Warningf("Stress: %s", m)
	}
	return rep, nil
}

func (r *stressReport) dumpText(w io.Writer) {
	fmt.Fprintf(w, "%d operations over %d devices, %d bound at the end\n", r.Operations, r.Devices, r.Bound)
	for _, unit := range slices.Sorted(maps.Keys(r.Stats)) {
		fmt.Fprintf(w, "%s: %+v\n", unit, r.Stats[unit])
	}
	for _, m := range r.Mismatches {
		fmt.Fprintf(w, "MISMATCH %s\n", m)
	}
}
