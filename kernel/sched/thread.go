package sched

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/gate"
	"kestrel/kernel/mm/vm"
	"kestrel/kernel/sync"
	"kestrel/kernel/timer"
	"sync/atomic"
)

// State describes the lifecycle stage of a thread.
type State uint32

const (
	// StateRunning threads are eligible to run.
	StateRunning State = iota

	// StateBlocked threads are parked on a blocker and skipped by the
	// scheduler until woken.
	StateBlocked

	// StateZombie threads have exited but may still be executing on their
	// kernel stack.
	StateZombie

	// StateDying threads have been switched away from and are reaped the
	// next time the scheduler walks past them.
	StateDying
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateZombie:
		return "zombie"
	case StateDying:
		return "dying"
	default:
		return "unknown"
	}
}

var errThreadResumed = &kernel.Error{Module: "sched", Message: "exited thread was resumed"}

// Thread is a schedulable kernel or user thread.
type Thread struct {
	id    uint64
	sched *Scheduler
	state uint32
	core  int
	idle  bool

	regs   gate.Registers
	fpu    cpu.FPUState
	fsBase uint64
	as     *vm.AddressSpace

	// stack is the lowest address of the kernel stack.
	stack uintptr
	slice uint32

	entry func(uintptr)
	arg   uintptr

	blocker atomic.Pointer[sync.Blocker]
	timeout atomic.Pointer[timer.Event]

	exitHooks []func(*Thread)

	// run queue ring linkage, guarded by the owning core lock.
	next, prev *Thread
	inQueue    bool
}

// ID returns the thread id.
func (t *Thread) ID() uint64 { return t.id }

// State returns the current thread state.
func (t *Thread) State() State { return State(atomic.LoadUint32(&t.state)) }

// Core returns the index of the core the thread is queued on.
func (t *Thread) Core() int { return t.core }

// IsIdle returns true for per-core idle threads.
func (t *Thread) IsIdle() bool { return t.idle }

// AddressSpace returns the user address space of the thread or nil for
// kernel threads.
func (t *Thread) AddressSpace() *vm.AddressSpace { return t.as }

// Registers returns the register frame saved when the thread was last
// switched out.
func (t *Thread) Registers() *gate.Registers { return &t.regs }

// FPU returns the saved FPU/SSE state of the thread.
func (t *Thread) FPU() *cpu.FPUState { return &t.fpu }

// FSBase returns the thread local storage base.
func (t *Thread) FSBase() uint64 { return t.fsBase }

// StackTop returns the first address past the kernel stack.
func (t *Thread) StackTop() uintptr { return t.stack + t.sched.cfg.StackSize }

// OnExit registers fn to run after the thread has been reaped.
func (t *Thread) OnExit(fn func(*Thread)) {
	t.exitHooks = append(t.exitHooks, fn)
}

func (t *Thread) casState(from, to State) bool {
	return atomic.CompareAndSwapUint32(&t.state, uint32(from), uint32(to))
}

// Park implements sync.Waiter. The calling thread is flagged as blocked and
// yields until b is resolved. If timeout is non-zero a timer event resolves
// b as timed out after timeout ticks.
func (t *Thread) Park(b *sync.Blocker, timeout uint64) sync.WakeReason {
	t.blocker.Store(b)
	if timeout != 0 {
		t.timeout.Store(t.sched.cfg.Timers.Register(timeout, b.Timeout))
	}

	// An exited thread must not block again.
	if !t.casState(StateRunning, StateBlocked) {
		b.Interrupt()
	}

	for b.ShouldBlock() {
		t.sched.cfg.Yield()
	}

	// Resolved before the scheduler switched away.
	t.casState(StateBlocked, StateRunning)

	if ev := t.timeout.Swap(nil); ev != nil {
		t.sched.cfg.Timers.Destroy(ev)
	}
	t.blocker.Store(nil)

	return b.Reason()
}

// Wake implements sync.Waiter. It makes a blocked thread eligible to run;
// the thread resumes at the next scheduling decision of its core.
func (t *Thread) Wake() {
	t.casState(StateBlocked, StateRunning)
}
