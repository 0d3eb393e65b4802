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

package physmem

import (
	"errors"
	"fmt"

	"gvisor.dev/iommu/pkg/atomicbitops"
)

// ErrQuotaExceeded is returned when a reservation would exceed the limit.
var ErrQuotaExceeded = errors.New("memory quota exceeded")

// Quota is a budget of pages. It is safe for concurrent use.
type Quota struct {
	limit uint64
	used  atomicbitops.Uint64
}

// NewQuota returns a quota of limit pages.
func NewQuota(limit uint64) *Quota {
	return &Quota{limit: limit}
}

// Reserve charges pages against the quota.
func (q *Quota) Reserve(pages uint64) error {
	for {
		used := q.used.Load()
		if used+pages > q.limit || used+pages < used {
			return fmt.Errorf("reserving %d pages with %d/%d used: %w", pages, used, q.limit, ErrQuotaExceeded)
		}
		if q.used.CompareAndSwap(used, used+pages) {
			return nil
		}
	}
}

// Return gives back pages previously reserved.
func (q *Quota) Return(pages uint64) {
	for {
		used := q.used.Load()
		if pages > used {
			panic(fmt.Sprintf("physmem: returning %d pages with only %d used", pages, used))
		}
		if q.used.CompareAndSwap(used, used-pages) {
			return
		}
	}
}

// Used returns the number of pages currently charged.
func (q *Quota) Used() uint64 {
	return q.used.Load()
}

// Limit returns the page budget.
func (q *Quota) Limit() uint64 {
	return q.limit
}
