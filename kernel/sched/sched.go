// Package sched implements the per-core preemptive round-robin scheduler.
//
// Every core owns a circular run queue. The timer interrupt on each core
// calls Tick, which keeps the current thread until its time slice is used up
// and then advances to the next thread that is not blocked, falling back to
// the core's idle thread. Threads stop running only through Tick, Yield or
// Park; no thread migrates between cores.
package sched

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/gate"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/vm"
	"kestrel/kernel/mm/vmm"
	"kestrel/kernel/sync"
	"kestrel/kernel/timer"
	"sort"
	"sync/atomic"
)

const (
	defaultTimeSlice = 5
	defaultStackSize = 16 * uintptr(mm.Kb)
)

var (
	errNoPaging      = &kernel.Error{Module: "sched", Message: "scheduler requires a paging instance"}
	errInvalidCore   = &kernel.Error{Module: "sched", Message: "core index out of range"}
	errExitIdle      = &kernel.Error{Module: "sched", Message: "idle threads cannot exit"}
	errUnknownThread = &kernel.Error{Module: "sched", Message: "unknown thread id"}
	errStartIdle     = &kernel.Error{Module: "sched", Message: "idle threads cannot be queued"}
	errAlreadyQueued = &kernel.Error{Module: "sched", Message: "thread is already queued"}
)

// Config holds the scheduler settings and the hardware hooks it drives.
// Hooks left nil default to the cpu package.
type Config struct {
	// Cores is the number of cores (and run queues). Defaults to 1.
	Cores int

	// TimeSlice is the number of ticks a thread runs before it is
	// preempted. Defaults to 5.
	TimeSlice uint32

	// StackSize is the kernel stack size of each thread. Defaults to 16K.
	StackSize uintptr

	// Timers is advanced by the ticks of core 0 and backs timed waits.
	Timers *timer.Queue

	// Paging supplies kernel stacks and the kernel page map.
	Paging *vmm.Paging

	SaveFPU           func(*cpu.FPUState)
	RestoreFPU        func(*cpu.FPUState)
	Yield             func()
	DisableInterrupts func()
	EnableInterrupts  func()
	InterruptsEnabled func() bool
	SetFSBase         func(uint64)

	// SetKernelStack installs the stack used when an interrupt arrives
	// while the next thread runs in user mode.
	SetKernelStack func(uintptr)

	// IdleEntry and ThreadEntry are the initial instruction pointers of
	// idle threads and kernel threads.
	IdleEntry   uintptr
	ThreadEntry uintptr
}

func (cfg *Config) setDefaults() {
	if cfg.Cores <= 0 {
		cfg.Cores = 1
	}
	if cfg.TimeSlice == 0 {
		cfg.TimeSlice = defaultTimeSlice
	}
	if cfg.StackSize == 0 {
		cfg.StackSize = defaultStackSize
	}
	if cfg.Timers == nil {
		cfg.Timers = timer.NewQueue()
	}
	if cfg.SaveFPU == nil {
		cfg.SaveFPU = cpu.SaveFPU
	}
	if cfg.RestoreFPU == nil {
		cfg.RestoreFPU = cpu.RestoreFPU
	}
	if cfg.Yield == nil {
		cfg.Yield = cpu.Yield
	}
	if cfg.DisableInterrupts == nil {
		cfg.DisableInterrupts = cpu.DisableInterrupts
	}
	if cfg.EnableInterrupts == nil {
		cfg.EnableInterrupts = cpu.EnableInterrupts
	}
	if cfg.InterruptsEnabled == nil {
		cfg.InterruptsEnabled = cpu.InterruptsEnabled
	}
	if cfg.SetFSBase == nil {
		cfg.SetFSBase = cpu.SetFSBase
	}
	if cfg.SetKernelStack == nil {
		cfg.SetKernelStack = func(uintptr) {}
	}
	if cfg.IdleEntry == 0 {
		cfg.IdleEntry = cpu.IdleLoopAddr()
	}
	if cfg.ThreadEntry == 0 {
		cfg.ThreadEntry = cpu.ThreadEntryAddr()
	}
}

// core is the per-core scheduler state. Its lock is only taken with
// interrupts disabled.
type core struct {
	lock    sync.Spinlock
	id      int
	current *Thread
	idle    *Thread

	head  *Thread
	count int

	// activeRoot is the page map root currently loaded on the core.
	activeRoot mm.Frame
}

// Scheduler owns the run queues of every core.
type Scheduler struct {
	cfg   Config
	cores []*core

	nextID uint64

	lock    sync.Spinlock
	threads map[uint64]*Thread
}

// New creates a scheduler and the idle thread of every core. Each core
// starts out running its idle thread.
func New(cfg Config) (*Scheduler, *kernel.Error) {
	if cfg.Paging == nil {
		return nil, errNoPaging
	}
	cfg.setDefaults()

	s := &Scheduler{
		cfg:     cfg,
		cores:   make([]*core, cfg.Cores),
		threads: make(map[uint64]*Thread),
	}

	for i := range s.cores {
		idle, err := s.newThread(nil)
		if err != nil {
			return nil, err
		}

		idle.idle = true
		idle.core = i
		idle.regs.RIP = uint64(cfg.IdleEntry)

		s.cores[i] = &core{
			id:         i,
			current:    idle,
			idle:       idle,
			activeRoot: cfg.Paging.Kernel().Root(),
		}
	}

	kfmt.Printf("[sched] %d core(s), time slice: %d ticks\n", cfg.Cores, cfg.TimeSlice)
	return s, nil
}

// Timers returns the timer queue driven by the scheduler.
func (s *Scheduler) Timers() *timer.Queue {
	return s.cfg.Timers
}

// NewKernelThread creates a kernel thread that runs entry(arg) and exits
// when entry returns. The thread must be started with Start or StartOn.
func (s *Scheduler) NewKernelThread(entry func(uintptr), arg uintptr) (*Thread, *kernel.Error) {
	t, err := s.newThread(nil)
	if err != nil {
		return nil, err
	}

	t.entry, t.arg = entry, arg
	t.regs.RIP = uint64(s.cfg.ThreadEntry)
	t.regs.RDI = t.id
	return t, nil
}

// NewUserThread creates a thread that starts executing in user mode with the
// supplied register frame inside as.
func (s *Scheduler) NewUserThread(as *vm.AddressSpace, regs gate.Registers) (*Thread, *kernel.Error) {
	t, err := s.newThread(as)
	if err != nil {
		return nil, err
	}

	t.regs = regs
	t.regs.CS = gate.UserCodeSelector
	t.regs.SS = gate.UserDataSelector
	t.regs.RFlags |= gate.DefaultRFlags
	return t, nil
}

func (s *Scheduler) newThread(as *vm.AddressSpace) (*Thread, *kernel.Error) {
	stack, err := s.cfg.Paging.AllocKernelStack(s.cfg.StackSize)
	if err != nil {
		return nil, err
	}

	t := &Thread{
		id:    atomic.AddUint64(&s.nextID, 1),
		sched: s,
		as:    as,
		stack: stack,
	}
	t.fpu.Reset()
	t.regs.CS = gate.KernelCodeSelector
	t.regs.SS = gate.KernelDataSelector
	t.regs.RFlags = gate.DefaultRFlags
	t.regs.RSP = uint64(t.StackTop())

	s.lock.Acquire()
	s.threads[t.id] = t
	s.lock.Release()

	return t, nil
}

// Start queues t on the core with the shortest run queue; ties go to the
// lowest core index. Starting an idle or already queued thread panics.
func (s *Scheduler) Start(t *Thread) {
	best := 0
	for i := 1; i < len(s.cores); i++ {
		if s.QueueLen(i) < s.QueueLen(best) {
			best = i
		}
	}

	if err := s.StartOn(t, best); err != nil {
		panic(err)
	}
}

// StartOn queues t on the run queue of the supplied core. A thread can only
// be queued once.
func (s *Scheduler) StartOn(t *Thread, coreID int) *kernel.Error {
	switch {
	case coreID < 0 || coreID >= len(s.cores):
		return errInvalidCore
	case t.idle:
		return errStartIdle
	}

	c := s.cores[coreID]
	enabled := s.lockCore(c)
	if t.inQueue {
		s.unlockCore(c, enabled)
		return errAlreadyQueued
	}
	t.core = coreID
	t.slice = s.cfg.TimeSlice
	c.enqueue(t)
	s.unlockCore(c, enabled)
	return nil
}

// Tick is invoked by the timer interrupt of coreID with the interrupted
// register frame. Core 0 also advances the timer queue. The current thread
// keeps running while its time slice lasts; otherwise the next runnable
// thread is loaded into regs.
func (s *Scheduler) Tick(coreID int, regs *gate.Registers) {
	if coreID == 0 {
		s.cfg.Timers.Tick()
	}

	c := s.cores[coreID]
	c.lock.Acquire()

	if cur := c.current; !cur.idle && cur.State() == StateRunning && cur.slice > 1 {
		cur.slice--
		c.lock.Release()
		return
	}

	reaped := s.switchThread(c, regs)
	c.lock.Release()

	s.reap(reaped)
}

// Yield ends the time slice of the current thread of coreID. It is invoked
// from the yield software interrupt and from system calls that block or exit
// the calling thread.
func (s *Scheduler) Yield(coreID int, regs *gate.Registers) {
	c := s.cores[coreID]
	c.lock.Acquire()
	reaped := s.switchThread(c, regs)
	c.lock.Release()

	s.reap(reaped)
}

// switchThread saves the state of the current thread and loads the next one.
// It returns the threads reaped while walking the run queue, linked through
// their next field. c.lock must be held.
func (s *Scheduler) switchThread(c *core, regs *gate.Registers) *Thread {
	prev := c.current
	prev.regs = *regs
	s.cfg.SaveFPU(&prev.fpu)

	// The exited thread still runs on its own stack; it is reaped by a
	// later walk.
	prev.casState(StateZombie, StateDying)

	next, reaped := c.pick(prev)
	if next == nil {
		next = c.idle
	}

	next.slice = s.cfg.TimeSlice
	c.current = next

	if next != prev {
		s.activate(c, next)
		s.cfg.RestoreFPU(&next.fpu)
		s.cfg.SetFSBase(next.fsBase)
		s.cfg.SetKernelStack(next.StackTop())
	}

	*regs = next.regs
	return reaped
}

// activate loads the page map of t unless it is already active. Threads
// without an address space run on the kernel page map.
func (s *Scheduler) activate(c *core, t *Thread) {
	pm := s.cfg.Paging.Kernel()
	if t.as != nil {
		pm = t.as.PageMap()
	}

	if pm.Root() != c.activeRoot {
		pm.Activate()
		c.activeRoot = pm.Root()
	}
}

// reap releases the kernel stacks of the supplied threads and runs their
// exit hooks.
func (s *Scheduler) reap(list *Thread) {
	for t := list; t != nil; {
		next := t.next
		t.next = nil

		_ = s.cfg.Paging.FreeKernelPages(t.stack, s.cfg.StackSize)

		s.lock.Acquire()
		delete(s.threads, t.id)
		s.lock.Release()

		for _, hook := range t.exitHooks {
			hook(t)
		}
		t = next
	}
}

// Sleep parks t for the supplied number of ticks. A zero tick count sleeps
// until the next tick; Park treats a zero timeout as no timeout at all.
func (s *Scheduler) Sleep(t *Thread, ticks uint64) sync.WakeReason {
	if ticks == 0 {
		ticks = 1
	}
	return t.Park(sync.NewBlocker(t), ticks)
}

// Exit turns t into a zombie. A thread blocked on a queue is removed from it
// and any pending timeout is cancelled. The thread is reaped by its core
// after it has been switched out; exiting the current thread therefore
// requires a subsequent Yield.
func (s *Scheduler) Exit(t *Thread) {
	if t.idle {
		panic(errExitIdle)
	}

	for {
		prevState := t.State()
		if prevState == StateZombie || prevState == StateDying {
			return
		}

		if t.casState(prevState, StateZombie) {
			if b := t.blocker.Load(); prevState == StateBlocked && b != nil {
				b.Interrupt()
			}
			break
		}
	}

	if ev := t.timeout.Swap(nil); ev != nil {
		s.cfg.Timers.Destroy(ev)
	}
}

// RunThread executes the body of the kernel thread with the supplied id. It
// is called on the thread's own stack by the kernel thread entry trampoline
// and never returns.
func (s *Scheduler) RunThread(id uint64) {
	t := s.Lookup(id)
	if t == nil {
		panic(errUnknownThread)
	}

	t.entry(t.arg)
	s.Exit(t)
	s.cfg.Yield()

	panic(errThreadResumed)
}

// SetFSBase updates the thread local storage base of t and loads it if t is
// running.
func (s *Scheduler) SetFSBase(t *Thread, base uint64) {
	t.fsBase = base
	if s.Current(t.core) == t {
		s.cfg.SetFSBase(base)
	}
}

// CaptureFPU stores the live FPU state of the calling core into t.
func (s *Scheduler) CaptureFPU(t *Thread) {
	s.cfg.SaveFPU(&t.fpu)
}

// Current returns the thread running on coreID.
func (s *Scheduler) Current(coreID int) *Thread {
	c := s.cores[coreID]
	enabled := s.lockCore(c)
	defer s.unlockCore(c, enabled)
	return c.current
}

// QueueLen returns the number of threads queued on coreID, excluding the
// idle thread.
func (s *Scheduler) QueueLen(coreID int) int {
	c := s.cores[coreID]
	enabled := s.lockCore(c)
	defer s.unlockCore(c, enabled)
	return c.count
}

// Lookup returns the thread with the supplied id or nil.
func (s *Scheduler) Lookup(id uint64) *Thread {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.threads[id]
}

// Threads returns every live thread ordered by id.
func (s *Scheduler) Threads() []*Thread {
	s.lock.Acquire()
	list := make([]*Thread, 0, len(s.threads))
	for _, t := range s.threads {
		list = append(list, t)
	}
	s.lock.Release()

	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

// Cores returns the number of cores.
func (s *Scheduler) Cores() int {
	return len(s.cores)
}

func (s *Scheduler) lockCore(c *core) bool {
	enabled := s.cfg.InterruptsEnabled()
	s.cfg.DisableInterrupts()
	c.lock.Acquire()
	return enabled
}

func (s *Scheduler) unlockCore(c *core, enabled bool) {
	c.lock.Release()
	if enabled {
		s.cfg.EnableInterrupts()
	}
}

// enqueue appends t to the tail of the ring.
func (c *core) enqueue(t *Thread) {
	if c.head == nil {
		t.next, t.prev = t, t
		c.head = t
	} else {
		tail := c.head.prev
		t.prev, t.next = tail, c.head
		tail.next = t
		c.head.prev = t
	}

	t.inQueue = true
	c.count++
}

func (c *core) remove(t *Thread) {
	if c.count == 1 {
		c.head = nil
	} else {
		t.prev.next = t.next
		t.next.prev = t.prev
		if c.head == t {
			c.head = t.next
		}
	}

	t.next, t.prev = nil, nil
	t.inQueue = false
	c.count--
}

// pick walks the ring starting after prev and returns the first running
// thread. Exited threads passed on the way are unlinked and returned as a
// list; prev itself is never reaped because its stack is still in use.
func (c *core) pick(prev *Thread) (next, reaped *Thread) {
	cur := c.head
	if prev.inQueue {
		cur = prev.next
	}

	for i, n := 0, c.count; i < n; i++ {
		t := cur
		cur = t.next

		switch t.State() {
		case StateRunning:
			return t, reaped
		case StateZombie, StateDying:
			if t == prev {
				continue
			}
			c.remove(t)
			t.next = reaped
			reaped = t
		}
	}

	return nil, reaped
}
