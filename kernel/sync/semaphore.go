package sync

// Semaphore is a counting semaphore with a FIFO queue of blocked waiters.
// A negative count is the number of queued waiters.
type Semaphore struct {
	lock  Spinlock
	count int64

	head, tail *Blocker
	waiting    int
}

// NewSemaphore returns a semaphore initialized to count.
func NewSemaphore(count int64) *Semaphore {
	return &Semaphore{count: count}
}

// Wait decrements the semaphore count. If the count becomes negative the
// waiter is queued and parked until a Signal reaches it, the wait is
// interrupted or, if timeout is non-zero, timeout ticks elapse. The lock is
// never held while the waiter is parked.
func (s *Semaphore) Wait(w Waiter, timeout uint64) WakeReason {
	s.lock.Acquire()
	s.count--
	if s.count >= 0 {
		s.lock.Release()
		return WakeNormal
	}

	b := &Blocker{waiter: w, queue: s}
	s.enqueue(b)
	s.lock.Release()

	return w.Park(b, timeout)
}

// TryWait decrements the count if that does not require blocking and
// reports whether it did.
func (s *Semaphore) TryWait() bool {
	s.lock.Acquire()
	defer s.lock.Release()

	if s.count <= 0 {
		return false
	}
	s.count--
	return true
}

// Signal increments the count and wakes the longest waiting waiter, if any.
func (s *Semaphore) Signal() {
	s.lock.Acquire()
	s.count++
	if b := s.dequeue(); b != nil {
		b.resolve(WakeNormal)
	}
	s.lock.Release()
}

// Count returns the current semaphore count.
func (s *Semaphore) Count() int64 {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.count
}

// Waiting returns the number of queued waiters.
func (s *Semaphore) Waiting() int {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.waiting
}

// cancel removes b from the wait queue and returns the unit it was waiting
// for. Blockers that a Signal already dequeued are left untouched.
func (s *Semaphore) cancel(b *Blocker, reason WakeReason) {
	s.lock.Acquire()
	defer s.lock.Release()

	if !b.queued {
		return
	}

	var prev *Blocker
	for cur := s.head; cur != nil; prev, cur = cur, cur.next {
		if cur != b {
			continue
		}

		if prev == nil {
			s.head = cur.next
		} else {
			prev.next = cur.next
		}
		if s.tail == cur {
			s.tail = prev
		}
		break
	}

	b.next, b.queued = nil, false
	s.waiting--
	s.count++
	b.resolve(reason)
}

func (s *Semaphore) enqueue(b *Blocker) {
	b.queued = true
	if s.tail == nil {
		s.head, s.tail = b, b
	} else {
		s.tail.next = b
		s.tail = b
	}
	s.waiting++
}

func (s *Semaphore) dequeue() *Blocker {
	b := s.head
	if b == nil {
		return nil
	}

	s.head = b.next
	if s.head == nil {
		s.tail = nil
	}
	b.next, b.queued = nil, false
	s.waiting--
	return b
}
