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

// Package hostarch describes the page geometry shared by all translation
// structures: host, nested, DMA and I/O page tables, device tables and
// command rings are all built from frames of this size.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of the frame size.
	PageShift = 12

	// PageSize is the frame size.
	PageSize = 1 << PageShift

	// PageMask masks the offset within a frame.
	PageMask = PageSize - 1

	// PhysAddrBits is the number of implemented physical address bits.
	PhysAddrBits = 52
)

// Addr is a physical, guest-physical or device-virtual address.
type Addr uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ PageMask
}

// RoundUp returns the address rounded up to the nearest page boundary. ok
// is true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & PageMask)
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// BytesForOrder returns the byte size of a block of the given buddy order.
func BytesForOrder(order int) uint64 {
	return PageSize << uint(order)
}

// OrderForBytes returns the smallest buddy order whose block holds n bytes.
func OrderForBytes(n uint64) int {
	order := 0
	for BytesForOrder(order) < n {
		order++
	}
	return order
}
