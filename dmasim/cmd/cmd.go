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

// Package cmd holds implementations of the dmasim commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"gvisor.dev/iommu/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages are
// consumed by the caller of dmasim.
var ErrorLogger io.Writer

// Fatalf logs to stderr and the error logger, then exits with status 128.
func Fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	writeError(format, args...)
	os.Exit(128)
}

func writeError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	fmt.Fprint(os.Stderr, msg)
	if ErrorLogger != nil {
		fmt.Fprint(ErrorLogger, msg)
	}
}

// textDumper is a command result that can render itself as text.
type textDumper interface {
	dumpText(w io.Writer)
}

// dump writes v to w in format: text, json or yaml.
func dump(w io.Writer, format string, v textDumper) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		v.dumpText(w)
		return nil
	}
}

// parseUint parses a number in any base accepted by Go literals.
func parseUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return v, nil
}

// parseRID parses a requester id.
func parseRID(s string) (uint16, error) {
	v, err := parseUint(s, 16)
	return uint16(v), err
}

// ridPair is a requester id and a domain label.
type ridPair struct {
	rid   uint16
	label uint64
}

// parsePairs parses a comma separated list of rid=label pairs.
func parsePairs(s string) ([]ridPair, error) {
	var pairs []ridPair
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f == "" {
			continue
		}
		r, l, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("invalid pair %q, want rid=domain", f)
		}
		rid, err := parseRID(r)
		if err != nil {
			return nil, err
		}
		label, err := parseUint(l, 64)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, ridPair{rid: rid, label: label})
	}
	return pairs, nil
}
