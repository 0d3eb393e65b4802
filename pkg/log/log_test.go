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

package log

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %q, expected: %q", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Errorf("line %d doesn't match, got: %q, expected: %q", i, l, expected[i])
		}
	}
}

func TestGoogleEmitterFormat(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2026, time.March, 4, 5, 6, 7, 8000, time.UTC)
	e.Emit(0, Warning, ts, "rid %#x", 0x10)
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(tw.lines), tw.lines)
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "W0304 05:06:07.000008 ") {
		t.Errorf("unexpected header in %q", line)
	}
	if !strings.HasSuffix(line, "] rid 0x10\n") {
		t.Errorf("unexpected message in %q", line)
	}
	if !strings.Contains(line, "log_test.go:") {
		t.Errorf("missing caller in %q", line)
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("hidden")
	l.Infof("shown")
	l.SetLevel(Debug)
	l.Debugf("now shown")
	if got, want := len(tw.lines), 2; got != want {
		t.Errorf("got %d lines (%q), want %d", got, tw.lines, want)
	}
}

func TestRateLimited(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}
	rl := RateLimitedLogger(l, time.Hour, 2)
	for i := 0; i < 10; i++ {
		rl.Debugf("fault %d", i)
	}
	if got, want := len(tw.lines), 2; got != want {
		t.Errorf("got %d lines, want %d", got, want)
	}
	if got, want := rl.Dropped(), uint64(8); got != want {
		t.Errorf("Dropped() = %d, want %d", got, want)
	}
}

// Tests that Level can marshal/unmarshal properly.
func TestLevelMarshal(t *testing.T) {
	lvs := []Level{Warning, Info, Debug}
	for _, lv := range lvs {
		bs, err := lv.MarshalJSON()
		if err != nil {
			t.Errorf("error marshaling %v: %v", lv, err)
		}
		var lv2 Level
		if err := lv2.UnmarshalJSON(bs); err != nil {
			t.Errorf("error unmarshaling %v: %v", bs, err)
		}
		if lv != lv2 {
			t.Errorf("marshal/unmarshal level got %v wanted %v", lv2, lv)
		}
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	e.Emit(0, Info, time.Unix(0, 0).UTC(), "hello %s", "world")
	if len(tw.lines) != 2 {
		t.Fatalf("got %d writes, want the record and its newline: %q", len(tw.lines), tw.lines)
	}
	var rec jsonLog
	if err := json.Unmarshal([]byte(tw.lines[0]), &rec); err != nil {
		t.Fatalf("json.Unmarshal(%q): %v", tw.lines[0], err)
	}
	if rec.Level != Info || rec.Msg != "hello world" {
		t.Errorf("unexpected record %+v", rec)
	}
	if !strings.HasPrefix(rec.Caller, "log_test.go:") {
		t.Errorf("Caller = %q, want this file", rec.Caller)
	}
}

func TestJSONEmitterFields(t *testing.T) {
	for _, tc := range []struct {
		msg  string
		unit string
		rid  string
	}{
		{msg: "IOMMU:0@0xfeb80000: rid 00:02.0, 7 device entries", unit: "IOMMU:0@0xfeb80000", rid: "00:02.0"},
		{msg: "DMAR@0xfed90000: FRR:0 FR:0x6 BDF:03:00.0 FI:0x1000 (1)", unit: "DMAR@0xfed90000", rid: "03:00.0"},
		{msg: "DMAR@0xfed91000: fault reporting disabled", unit: "DMAR@0xfed91000"},
		{msg: "Enabling MSI for 00:04.0", rid: "00:04.0"},
		{msg: "boot: 2 units"},
		{msg: "ratio 1:4.0 is not a device"},
	} {
		t.Run(tc.msg, func(t *testing.T) {
			tw := &testWriter{}
			JSONEmitter{&Writer{Next: tw}}.Emit(0, Warning, time.Unix(0, 0).UTC(), "%s", tc.msg)
			var rec jsonLog
			if err := json.Unmarshal([]byte(tw.lines[0]), &rec); err != nil {
				t.Fatalf("json.Unmarshal(%q): %v", tw.lines[0], err)
			}
			if rec.Unit != tc.unit || rec.RID != tc.rid {
				t.Errorf("got unit %q rid %q, want unit %q rid %q", rec.Unit, rec.RID, tc.unit, tc.rid)
			}
			if rec.Msg != tc.msg {
				t.Errorf("Msg = %q, want %q", rec.Msg, tc.msg)
			}
			if tc.unit == "" && strings.Contains(tw.lines[0], `"unit"`) {
				t.Errorf("empty unit emitted: %s", tw.lines[0])
			}
		})
	}
}
