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

package iommu

// faultSlots is the number of requester ids tracked per unit.
const faultSlots = 4

// faultThreshold is the number of faults per sweep, plus faults in
// consecutive sweeps, above which reporting is disabled.
const faultThreshold = 8

type faultSlot struct {
	rid     uint16
	count   uint32
	changed bool
}

// faultRate tracks repeat offenders over fault handler sweeps. It is only
// used from the fault handler.
type faultRate struct {
	slots [faultSlots]faultSlot
}

// record counts a fault for rid and reports whether reporting must be
// disabled, because rid faulted too often or there is no slot left to
// track it.
func (f *faultRate) record(rid uint16) bool {
	var free *faultSlot
	for i := range f.slots {
		s := &f.slots[i]
		if s.count == 0 {
			if free == nil {
				free = s
			}
			continue
		}
		if s.rid == rid {
			s.count++
			s.changed = true
			return s.count > faultThreshold
		}
	}
	if free == nil {
		return true
	}
	*free = faultSlot{rid: rid, count: 1, changed: true}
	return false
}

// sweep ends a fault handler pass. Slots that saw no fault are forgotten.
// If reporting was disabled, all slots are forgotten.
func (f *faultRate) sweep(disabled bool) {
	for i := range f.slots {
		s := &f.slots[i]
		if disabled {
			s.changed = false
		}
		if s.changed {
			s.changed = false
		} else {
			s.count = 0
		}
	}
}

// tracked returns the count of rid.
func (f *faultRate) tracked(rid uint16) uint32 {
	for _, s := range f.slots {
		if s.count != 0 && s.rid == rid {
			return s.count
		}
	}
	return 0
}
