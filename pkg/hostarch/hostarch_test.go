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

package hostarch

import "testing"

func TestRounding(t *testing.T) {
	for _, tc := range []struct {
		addr Addr
		down Addr
		up   Addr
	}{
		{0, 0, 0},
		{1, 0, PageSize},
		{PageSize, PageSize, PageSize},
		{PageSize + 7, PageSize, 2 * PageSize},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("%v.RoundDown() = %v, want %v", tc.addr, got, tc.down)
		}
		got, ok := tc.addr.RoundUp()
		if !ok || got != tc.up {
			t.Errorf("%v.RoundUp() = %v, %t, want %v, true", tc.addr, got, ok, tc.up)
		}
	}
	if _, ok := Addr(^uint64(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the last address did not report wraparound")
	}
}

func TestOrderForBytes(t *testing.T) {
	for _, tc := range []struct {
		bytes uint64
		order int
	}{
		{1, 0},
		{PageSize, 0},
		{PageSize + 1, 1},
		{32 * 65536, 9},
	} {
		if got := OrderForBytes(tc.bytes); got != tc.order {
			t.Errorf("OrderForBytes(%d) = %d, want %d", tc.bytes, got, tc.order)
		}
	}
}
