// Package timer implements the tick-driven queue of pending timeouts used by
// the scheduler and by blocking primitives.
//
// Events are kept in a single list sorted by deadline where each node stores
// the number of ticks between its own deadline and the deadline of its
// predecessor. Advancing time only touches the head of the list.
package timer

import "kestrel/kernel/sync"

// Event is a pending timeout returned by Queue.Register.
type Event struct {
	delta    uint64
	deadline uint64
	fn       func()

	prev, next *Event
	queued     bool
}

// Deadline returns the tick at which the event fires.
func (ev *Event) Deadline() uint64 {
	return ev.deadline
}

// Queue is a delta list of pending events.
type Queue struct {
	lock    sync.Spinlock
	head    *Event
	now     uint64
	pending int
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Register schedules fn to run ticks ticks from now and returns the event
// handle that can be passed to Destroy. A zero ticks value is treated as 1.
// Events with the same deadline fire in registration order.
func (q *Queue) Register(ticks uint64, fn func()) *Event {
	if ticks == 0 {
		ticks = 1
	}

	ev := &Event{fn: fn}

	q.lock.Acquire()
	defer q.lock.Release()

	ev.deadline = q.now + ticks

	var prev *Event
	cur := q.head
	for cur != nil && cur.delta <= ticks {
		ticks -= cur.delta
		prev, cur = cur, cur.next
	}

	ev.delta = ticks
	ev.prev, ev.next = prev, cur
	if cur != nil {
		cur.delta -= ticks
		cur.prev = ev
	}
	if prev != nil {
		prev.next = ev
	} else {
		q.head = ev
	}

	ev.queued = true
	q.pending++
	return ev
}

// Destroy cancels ev. Its remaining delta is handed to its successor so that
// no other event changes its firing tick. Destroy returns false if the event
// already fired or was destroyed before.
func (q *Queue) Destroy(ev *Event) bool {
	q.lock.Acquire()
	defer q.lock.Release()

	if !ev.queued {
		return false
	}

	if ev.next != nil {
		ev.next.delta += ev.delta
	}
	q.unlink(ev)
	return true
}

// Tick advances time by one tick and runs the callbacks of every event that
// became due, in deadline order. Callbacks run after the queue lock has been
// released so they may register or destroy events.
func (q *Queue) Tick() {
	q.lock.Acquire()

	q.now++

	var fired, last *Event
	if q.head != nil {
		q.head.delta--
		for q.head != nil && q.head.delta == 0 {
			ev := q.head
			q.unlink(ev)

			if last == nil {
				fired = ev
			} else {
				last.next = ev
			}
			last = ev
		}
	}

	q.lock.Release()

	for ev := fired; ev != nil; {
		next := ev.next
		ev.next = nil
		ev.fn()
		ev = next
	}
}

// Now returns the number of ticks processed so far.
func (q *Queue) Now() uint64 {
	q.lock.Acquire()
	defer q.lock.Release()
	return q.now
}

// Pending returns the number of queued events.
func (q *Queue) Pending() int {
	q.lock.Acquire()
	defer q.lock.Release()
	return q.pending
}

// unlink removes ev from the list. q.lock must be held.
func (q *Queue) unlink(ev *Event) {
	if ev.prev != nil {
		ev.prev.next = ev.next
	} else {
		q.head = ev.next
	}
	if ev.next != nil {
		ev.next.prev = ev.prev
	}

	ev.prev, ev.next = nil, nil
	ev.queued = false
	q.pending--
}
