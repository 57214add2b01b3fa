package sync

import (
	"runtime"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestSpinlock(t *testing.T) {
	// Substitute the yieldFn with runtime.Gosched to avoid deadlocks while testing
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		sl         Spinlock
		eg         errgroup.Group
		numWorkers = 10
		counter    int
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	for i := 0; i < numWorkers; i++ {
		eg.Go(func() error {
			sl.Acquire()
			counter++
			sl.Release()
			return nil
		})
	}

	<-time.After(100 * time.Millisecond)
	sl.Release()
	_ = eg.Wait()

	if counter != numWorkers {
		t.Fatalf("expected counter to be %d; got %d", numWorkers, counter)
	}
}

func TestRWSpinlock(t *testing.T) {
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)
	yieldFn = runtime.Gosched

	var l RWSpinlock

	l.RLock()
	l.RLock()
	if l.TryLock() {
		t.Fatal("expected TryLock to fail while readers hold the lock")
	}
	l.RUnlock()
	l.RUnlock()

	if !l.TryLock() {
		t.Fatal("expected TryLock to succeed once all readers released the lock")
	}
	l.Unlock()

	var (
		eg      errgroup.Group
		shared  int
		readers = 8
	)

	l.Lock()
	for i := 0; i < readers; i++ {
		eg.Go(func() error {
			l.RLock()
			defer l.RUnlock()
			if shared != 42 {
				t.Errorf("reader observed shared value %d before writer released the lock", shared)
			}
			return nil
		})
	}

	<-time.After(50 * time.Millisecond)
	shared = 42
	l.Unlock()
	_ = eg.Wait()
}
