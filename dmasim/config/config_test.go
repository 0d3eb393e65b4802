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

package config

import (
	"flag"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/iommu/pkg/iommu/iommutest"
)

func newTestFlagSet(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return fs
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newTestFlagSet(t))
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	want := &Config{
		LogFormat:    "text",
		Output:       "text",
		MemoryBase:   0x10000000,
		MemorySize:   64 << 20,
		KernelQuota:  4096,
		DomainQuota:  256,
		HardwareMode: HardwareMode(iommutest.Sync),
		DMARQueued:   true,
		DMARRemap:    true,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("default config mismatch (-want +got):\n%s", diff)
	}
	if flags := c.ToFlags(); len(flags) != 0 {
		t.Errorf("default config has flags %v", flags)
	}
}

func TestFromFlags(t *testing.T) {
	c, err := NewFromFlags(newTestFlagSet(t,
		"--topology=/tmp/platform.toml",
		"--debug",
		"--output=yaml",
		"--hw-mode=async",
		"--dmar-qi=false",
		"--mem-size=0x800000",
	))
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if c.Topology != "/tmp/platform.toml" || !c.Debug || c.Output != "yaml" {
		t.Errorf("unexpected config %+v", c)
	}
	if c.HardwareMode.Mode() != iommutest.Async {
		t.Errorf("HardwareMode = %v, want async", c.HardwareMode)
	}
	if c.DMARQueued || !c.DMARRemap {
		t.Errorf("DMARQueued = %t, DMARRemap = %t", c.DMARQueued, c.DMARRemap)
	}
	if c.MemorySize != 0x800000 {
		t.Errorf("MemorySize = %#x", c.MemorySize)
	}

	want := []string{
		"--topology=/tmp/platform.toml",
		"--debug=true",
		"--output=yaml",
		"--mem-size=8388608",
		"--hw-mode=async",
		"--dmar-qi=false",
	}
	if diff := cmp.Diff(want, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
	if got := c.String(); !strings.Contains(got, "--hw-mode=async") {
		t.Errorf("String() = %q", got)
	}
}

func TestInvalidFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(&strings.Builder{})
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--hw-mode=eventually"}); err == nil {
		t.Errorf("Parse accepted an invalid hardware mode")
	}
}

func TestValidationFail(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
		err  string
	}{
		{"log format", []string{"--log-format=xml"}, "invalid log format"},
		{"output", []string{"--output=csv"}, "invalid output format"},
		{"unaligned base", []string{"--mem-base=0x1001"}, "memory base"},
		{"zero size", []string{"--mem-size=0"}, "memory size"},
		{"zero quota", []string{"--domain-quota=0"}, "quotas"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewFromFlags(newTestFlagSet(t, tc.args...))
			if err == nil || !strings.Contains(err.Error(), tc.err) {
				t.Errorf("NewFromFlags(%v) = %v, want error containing %q", tc.args, err, tc.err)
			}
		})
	}
}
