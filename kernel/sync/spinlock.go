// Package sync provides the kernel's synchronization primitives: spinlocks,
// thread blockers and semaphores.
package sync

import (
	"kestrel/kernel"
	"sync/atomic"
)

// attemptsBeforeYielding is the number of failed acquisition attempts after
// which a spinning task calls yieldFn (if set).
const attemptsBeforeYielding = 128

var (
	// yieldFn is invoked while spinning. The kernel leaves it unset as a
	// spinning core has nothing else to run; tests set it to
	// runtime.Gosched.
	yieldFn func()

	// ErrSpinlockDeadlock is raised by kdebug builds when a spinlock could
	// not be acquired within maxSpinAttempts attempts.
	ErrSpinlockDeadlock = &kernel.Error{Module: "sync", Message: "spinlock deadlock detected"}
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
	for attempt := uint32(1); !atomic.CompareAndSwapUint32(&l.state, 0, 1); attempt++ {
		checkSpinAttempts(attempt)

		if yieldFn != nil && attempt%attemptsBeforeYielding == 0 {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// RWSpinlock is a spinning reader/writer lock. Any number of readers may hold
// the lock at the same time; a writer holds it exclusively.
type RWSpinlock struct {
	// state is -1 while a writer holds the lock, otherwise the number of
	// active readers.
	state int32
}

// RLock acquires the lock for reading.
func (l *RWSpinlock) RLock() {
	for attempt := uint32(1); ; attempt++ {
		if s := atomic.LoadInt32(&l.state); s >= 0 && atomic.CompareAndSwapInt32(&l.state, s, s+1) {
			return
		}

		checkSpinAttempts(attempt)
		if yieldFn != nil && attempt%attemptsBeforeYielding == 0 {
			yieldFn()
		}
	}
}

// RUnlock releases a read lock.
func (l *RWSpinlock) RUnlock() {
	atomic.AddInt32(&l.state, -1)
}

// Lock acquires the lock for writing.
func (l *RWSpinlock) Lock() {
	for attempt := uint32(1); !atomic.CompareAndSwapInt32(&l.state, 0, -1); attempt++ {
		checkSpinAttempts(attempt)
		if yieldFn != nil && attempt%attemptsBeforeYielding == 0 {
			yieldFn()
		}
	}
}

// TryLock attempts to acquire the lock for writing without spinning.
func (l *RWSpinlock) TryLock() bool {
	return atomic.CompareAndSwapInt32(&l.state, 0, -1)
}

// Unlock releases a write lock.
func (l *RWSpinlock) Unlock() {
	atomic.StoreInt32(&l.state, 0)
}
