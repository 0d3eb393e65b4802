// Copyright 2026 The gVisor Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

package sync

import (
	"runtime"
	"sync/atomic"
)

// spinsBeforeYield is the number of failed acquisitions after which a
// waiter yields the processor.
const spinsBeforeYield = 64

// SpinMutex is a mutual exclusion lock that never parks the caller. Waiters
// spin and periodically yield; there is no queueing and no priority
// inheritance.
//
// The zero value is unlocked.
type SpinMutex struct {
	_     NoCopy
	state uint32
}

// Lock acquires m.
func (m *SpinMutex) Lock() {
	for spins := 0; !atomic.CompareAndSwapUint32(&m.state, 0, 1); spins++ {
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

// TryLock attempts to acquire m without spinning.
func (m *SpinMutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(&m.state, 0, 1)
}

// Unlock releases m.
//
// Preconditions: m is locked.
func (m *SpinMutex) Unlock() {
	if atomic.SwapUint32(&m.state, 0) != 1 {
		panic("sync: unlock of unlocked SpinMutex")
	}
}
