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

	"github.com/golang/protobuf/proto"
	"github.com/google/subcommands"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"gvisor.dev/iommu/dmasim/config"
	"gvisor.dev/iommu/pkg/iommu"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	prefix string
	assign string
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "export unit counters in Prometheus text format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [flags] - boots the topology, optionally binds devices, and
writes the counters of every unit in the Prometheus text exposition format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.prefix, "exporter-prefix", "dmasim_", "prefix of every exported metric name.")
	f.StringVar(&m.assign, "assign", "", "comma separated rid=domain pairs to bind before exporting.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	pairs, err := parsePairs(m.assign)
	if err != nil {
		Fatalf("-assign: %v", err)
	}

	s, err := newSystem(conf)
	if err != nil {
		Fatalf("booting: %v", err)
	}
	defer s.close()

	if len(pairs) > 0 {
		if _, err := s.assign(ctx, pairs, nil, nil); err != nil {
			Fatalf("%v", err)
		}
	}
	if err := s.writeMetrics(os.Stdout, m.prefix); err != nil {
		Fatalf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}

// unitCounters lists the exported counters of a unit.
func unitCounters(st iommu.Stats) []struct {
	name, help string
	value      uint64
} {
	return []struct {
		name, help string
		value      uint64
	}{
		{"assigned", "Devices bound to a domain.", st.Assigned},
		{"released", "Devices unbound from their domain.", st.Released},
		{"refused", "Assignments refused.", st.Refused},
		{"commands", "Invalidation commands issued.", st.Commands},
		{"timeouts", "Invalidations that did not complete in time.", st.Timeouts},
		{"faults", "Translation faults serviced.", st.Faults},
		{"storms", "Times fault reporting was disabled by a fault storm.", st.Storms},
		{"overflows", "Fault log overflows.", st.Overflows},
		{"corruptions", "Corrupted fault logs.", st.Corruptions},
	}
}

func labelPair(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: proto.String(name), Value: proto.String(value)}
}

// metricFamilies converts the counters of s to metric families.
func (s *system) metricFamilies(prefix string) []*dto.MetricFamily {
	var fams []*dto.MetricFamily
	index := make(map[string]*dto.MetricFamily)
	for _, u := range s.reg.Units() {
		labels := []*dto.LabelPair{
			labelPair("family", unitFamily(u)),
			labelPair("unit", fmt.Sprint(u)),
		}
		for _, c := range unitCounters(u.Stats()) {
			name := prefix + "unit_" + c.name + "_total"
			fam, ok := index[name]
			if !ok {
				fam = &dto.MetricFamily{
					Name: proto.String(name),
					Help: proto.String(c.help),
					Type: dto.MetricType_COUNTER.Enum(),
				}
				index[name] = fam
				fams = append(fams, fam)
			}
			fam.Metric = append(fam.Metric, &dto.Metric{
				Label:   labels,
				Counter: &dto.Counter{Value: proto.Float64(float64(c.value))},
			})
		}
	}
	fams = append(fams,
		&dto.MetricFamily{
			Name: proto.String(prefix + "interrupts_eoi_total"),
			Help: proto.String("Interrupts acknowledged by the vector dispatcher."),
			Type: dto.MetricType_COUNTER.Enum(),
			Metric: []*dto.Metric{{
				Counter: &dto.Counter{Value: proto.Float64(float64(s.eois.Load()))},
			}},
		},
		&dto.MetricFamily{
			Name: proto.String(prefix + "kernel_table_pages"),
			Help: proto.String("Pages held by unit tables in the kernel pool."),
			Type: dto.MetricType_GAUGE.Enum(),
			Metric: []*dto.Metric{{
				Gauge: &dto.Gauge{Value: proto.Float64(float64(s.kernel.Live()))},
			}},
		},
		&dto.MetricFamily{
			Name: proto.String(prefix + "domains"),
			Help: proto.String("Live isolation domains."),
			Type: dto.MetricType_GAUGE.Enum(),
			Metric: []*dto.Metric{{
				Gauge: &dto.Gauge{Value: proto.Float64(float64(len(s.doms.Domains())))},
			}},
		},
	)
	return fams
}

// writeMetrics writes the counters of s to w in text exposition format.
func (s *system) writeMetrics(w io.Writer, prefix string) error {
	for _, fam := range s.metricFamilies(prefix) {
		if _, err := expfmt.MetricFamilyToText(w, fam); err != nil {
			return err
		}
	}
	return nil
}
