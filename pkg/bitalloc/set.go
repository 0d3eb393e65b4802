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

package bitalloc

import (
	"math/bits"
)

// Set is a growable set of 16-bit identifiers, such as PCI requester ids.
//
// Set is not synchronized; callers serialize access.
type Set struct {
	// count is the number of members.
	count int

	// blocks holds the bits, 64 members per block.
	blocks []uint64
}

// Add adds id to the set and reports whether it was absent.
func (s *Set) Add(id uint16) bool {
	block, mask := int(id)/64, uint64(1)<<(id%64)
	if block >= len(s.blocks) {
		s.blocks = append(s.blocks, make([]uint64, block-len(s.blocks)+1)...)
	}
	if s.blocks[block]&mask != 0 {
		return false
	}
	s.blocks[block] |= mask
	s.count++
	return true
}

// Remove removes id from the set and reports whether it was present.
func (s *Set) Remove(id uint16) bool {
	block, mask := int(id)/64, uint64(1)<<(id%64)
	if block >= len(s.blocks) || s.blocks[block]&mask == 0 {
		return false
	}
	s.blocks[block] &^= mask
	s.count--
	return true
}

// Contains reports whether id is a member.
func (s *Set) Contains(id uint16) bool {
	block := int(id) / 64
	return block < len(s.blocks) && s.blocks[block]&(1<<(id%64)) != 0
}

// Len returns the number of members.
func (s *Set) Len() int {
	return s.count
}

// Slice returns the members in ascending order.
func (s *Set) Slice() []uint16 {
	out := make([]uint16, 0, s.count)
	for i, block := range s.blocks {
		for block != 0 {
			// Extract the lowest set bit.
			j := block & -block
			out = append(out, uint16(i*64+bits.TrailingZeros64(j)))
			block ^= j
		}
	}
	return out
}
