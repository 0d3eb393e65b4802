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

// Package config provides basic infrastructure to set configuration settings
// for dmasim. Each setting that can be changed from the command line must
// have a flag tag matching a flag registered by RegisterFlags.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"strings"

	"gvisor.dev/iommu/pkg/iommu/iommutest"
	"gvisor.dev/iommu/pkg/log"
)

// Config holds configuration that is not part of the topology file.
type Config struct {
	// Topology is the path of the TOML topology file. The built-in
	// topology is used if empty.
	Topology string `flag:"topology"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// Output is the format of dumps written to stdout: text, json or yaml.
	Output string `flag:"output"`

	// MemoryBase and MemorySize place the simulated physical memory.
	MemoryBase uint64 `flag:"mem-base"`
	MemorySize uint64 `flag:"mem-size"`

	// KernelQuota limits, in pages, the memory of device tables, rings and
	// other structures owned by the IOMMU units.
	KernelQuota uint64 `flag:"kernel-quota"`

	// DomainQuota limits, in pages, the page tables of each domain.
	DomainQuota uint64 `flag:"domain-quota"`

	// HardwareMode selects how the simulated units consume commands.
	HardwareMode HardwareMode `flag:"hw-mode"`

	// DMARQueued and DMARRemap enable queued invalidation and interrupt
	// remapping on simulated Intel units.
	DMARQueued bool `flag:"dmar-qi"`
	DMARRemap  bool `flag:"dmar-ir"`
}

// HardwareMode is the command consumption mode of simulated units.
type HardwareMode iommutest.Mode

func hardwareModePtr(m iommutest.Mode) *HardwareMode {
	return (*HardwareMode)(&m)
}

// Set implements flag.Value.Set.
func (m *HardwareMode) Set(v string) error {
	for _, mode := range []iommutest.Mode{iommutest.Sync, iommutest.Async, iommutest.Stall} {
		if v == mode.String() {
			*m = HardwareMode(mode)
			return nil
		}
	}
	return fmt.Errorf("invalid hardware mode %q", v)
}

// Get implements flag.Getter.Get.
func (m *HardwareMode) Get() any {
	return *m
}

// String implements flag.Value.String.
func (m HardwareMode) String() string {
	return iommutest.Mode(m).String()
}

// Mode returns the simulator mode.
func (m HardwareMode) Mode() iommutest.Mode {
	return iommutest.Mode(m)
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("topology", "", "path of the TOML platform topology; the built-in topology is used if empty.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("output", "text", "dump format: text (default), json or yaml.")

	// Simulated machine.
	flagSet.Uint64("mem-base", 0x10000000, "physical address of simulated memory.")
	flagSet.Uint64("mem-size", 64<<20, "size in bytes of simulated memory.")
	flagSet.Uint64("kernel-quota", 4096, "pages available to IOMMU unit structures.")
	flagSet.Uint64("domain-quota", 256, "pages available to the page tables of each domain.")
	flagSet.Var(hardwareModePtr(iommutest.Sync), "hw-mode", "how simulated units consume commands: sync (default), async, stall.")
	flagSet.Bool("dmar-qi", true, "enable queued invalidation on Intel units.")
	flagSet.Bool("dmar-ir", true, "enable interrupt remapping on Intel units.")
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	switch c.Output {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("invalid output format %q, must be 'text', 'json' or 'yaml'", c.Output)
	}
	if c.MemoryBase == 0 || c.MemoryBase%(1<<12) != 0 {
		return fmt.Errorf("memory base %#x must be a non-zero multiple of the page size", c.MemoryBase)
	}
	if c.MemorySize == 0 || c.MemorySize%(1<<12) != 0 {
		return fmt.Errorf("memory size %#x must be a non-zero multiple of the page size", c.MemorySize)
	}
	if c.KernelQuota == 0 || c.DomainQuota == 0 {
		return fmt.Errorf("quotas must be non-zero")
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		log.Infof("\t%s: %v", f.Name, obj.Field(i).Interface())
	}
}

// ToFlags returns a slice of flags that correspond to the given Config,
// omitting values equal to their default.
func (c *Config) ToFlags() []string {
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	var rv []string
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		val := fmt.Sprint(obj.Field(i).Interface())
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

// String implements fmt.Stringer.String.
func (c *Config) String() string {
	return strings.Join(c.ToFlags(), " ")
}
