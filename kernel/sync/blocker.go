package sync

import "sync/atomic"

// WakeReason describes how a blocked thread was resumed.
type WakeReason uint32

const (
	// WakePending is reported while the blocker is still unresolved.
	WakePending WakeReason = iota

	// WakeNormal indicates that the condition the thread waited for was
	// signalled.
	WakeNormal

	// WakeInterrupted indicates that the wait was cancelled.
	WakeInterrupted

	// WakeTimedOut indicates that the wait timeout elapsed.
	WakeTimedOut
)

// String implements fmt.Stringer for WakeReason.
func (r WakeReason) String() string {
	switch r {
	case WakePending:
		return "pending"
	case WakeNormal:
		return "normal"
	case WakeInterrupted:
		return "interrupted"
	case WakeTimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// Waiter is implemented by anything that can be suspended on a Blocker.
type Waiter interface {
	// Park suspends the caller until b is resolved or, when timeout is
	// non-zero, until timeout ticks elapse. Park returns immediately if b
	// was resolved before the call.
	Park(b *Blocker, timeout uint64) WakeReason

	// Wake resumes a parked waiter. Calling Wake on a waiter that is not
	// parked has no effect.
	Wake()
}

// blockQueue is implemented by primitives that keep Blockers in a queue.
type blockQueue interface {
	// cancel removes b from the queue (if still queued) and resolves it
	// with the supplied reason while holding the queue lock.
	cancel(b *Blocker, reason WakeReason)
}

// Blocker describes a single suspension of a Waiter. A Blocker is resolved
// exactly once; whoever resolves it also learns the Waiter to wake so the
// reason is handed over to the waiting thread instead of being polled.
type Blocker struct {
	reason uint32
	waiter Waiter

	// queue is the primitive b is parked on or nil. It is set before b is
	// published and never changes afterwards.
	queue blockQueue

	next   *Blocker
	queued bool
}

// NewBlocker returns a Blocker for w that is not attached to any queue.
func NewBlocker(w Waiter) *Blocker {
	return &Blocker{waiter: w}
}

// ShouldBlock returns false if the blocker was resolved before the waiter
// reached its blocking point.
func (b *Blocker) ShouldBlock() bool {
	return WakeReason(atomic.LoadUint32(&b.reason)) == WakePending
}

// Reason returns how the blocker was resolved.
func (b *Blocker) Reason() WakeReason {
	return WakeReason(atomic.LoadUint32(&b.reason))
}

// Unblock performs a normal wakeup.
func (b *Blocker) Unblock() {
	b.finish(WakeNormal)
}

// Interrupt force-unblocks the waiter and flags the wait as interrupted.
func (b *Blocker) Interrupt() {
	b.finish(WakeInterrupted)
}

// Timeout force-unblocks the waiter and flags the wait as timed out. It is
// the callback attached to the timer event of a wait with a timeout.
func (b *Blocker) Timeout() {
	b.finish(WakeTimedOut)
}

func (b *Blocker) finish(reason WakeReason) {
	if b.queue != nil {
		b.queue.cancel(b, reason)
		return
	}

	b.resolve(reason)
}

// resolve records reason and wakes the waiter. It returns false if the
// blocker had already been resolved.
func (b *Blocker) resolve(reason WakeReason) bool {
	if !atomic.CompareAndSwapUint32(&b.reason, uint32(WakePending), uint32(reason)) {
		return false
	}

	if b.waiter != nil {
		b.waiter.Wake()
	}
	return true
}
