// Package sync provides the synchronization primitives used by the memory
// management code: a bare spinlock and a named, owner-tracking lock whose
// behavior adapts to the current execution phase of the kernel.
package sync

import (
	"sync/atomic"

	"kmem/kernel/cpu"
)

var (
	// yieldFn is invoked by spinning tasks between acquisition attempts.
	// Until context switching exists the best we can do is hint the CPU
	// that we are busy-waiting.
	yieldFn = cpu.Pause
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	acquireSpinlock(&l.state, 64)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// acquireSpinlock spins on state until it can be atomically flipped from 0 to
// 1. After attemptsBeforeYielding failed attempts the spinner calls yieldFn.
func acquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for attempt := uint32(0); ; attempt++ {
		if atomic.LoadUint32(state) == 0 && atomic.CompareAndSwapUint32(state, 0, 1) {
			return
		}

		if attempt >= attemptsBeforeYielding {
			yieldFn()
			attempt = 0
		}
	}
}
