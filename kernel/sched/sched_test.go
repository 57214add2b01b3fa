//go:build linux

package sched

import (
	"bytes"
	"kestrel/kernel/cpu"
	"kestrel/kernel/gate"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/hostmem"
	"kestrel/kernel/mm/pmm"
	"kestrel/kernel/mm/vm"
	"kestrel/kernel/mm/vmm"
	"kestrel/kernel/sync"
	"math/rand"
	"runtime"
	"strings"
	gosync "sync"
	"testing"

	"golang.org/x/sync/errgroup"
)

const (
	testIdleEntry   = 0x1000
	testThreadEntry = 0x2000
)

type testEnv struct {
	ram    *hostmem.RAM
	alloc  *pmm.BitmapAllocator
	paging *vmm.Paging
	sched  *Scheduler

	mu          gosync.Mutex
	activated   []uintptr
	fsBase      uint64
	kernelStack uintptr
	fpuSaves    int
	irqEnabled  bool
}

func newTestEnv(t *testing.T, cores int, slice uint32) *testEnv {
	t.Helper()

	ram, err := hostmem.New(8 * mm.Mb)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ram.Close() })

	env := &testEnv{ram: ram, irqEnabled: true}
	env.alloc = pmm.NewBitmapAllocator(make([]uint64, (ram.FrameCount()+63)/64), ram.FrameCount())
	env.alloc.MarkRangeFree(mm.PageSize, uintptr(ram.Size())-mm.PageSize)

	paging, kErr := vmm.New(vmm.Config{
		Frames:          env.alloc,
		Phys:            ram,
		KernelSlotFirst: 508,
		FlushTLBEntry:   func(uintptr) {},
		SwitchPageMap: func(root uintptr) {
			env.mu.Lock()
			env.activated = append(env.activated, root)
			env.mu.Unlock()
		},
	})
	if kErr != nil {
		t.Fatal(kErr)
	}
	env.paging = paging

	origSink := kfmt.GetOutputSink()
	kfmt.SetOutputSink(&bytes.Buffer{})
	t.Cleanup(func() { kfmt.SetOutputSink(origSink) })

	env.sched, kErr = New(Config{
		Cores:      cores,
		TimeSlice:  slice,
		StackSize:  2 * mm.PageSize,
		Paging:     paging,
		SaveFPU:    func(*cpu.FPUState) { env.mu.Lock(); env.fpuSaves++; env.mu.Unlock() },
		RestoreFPU: func(*cpu.FPUState) {},
		Yield:      runtime.Gosched,
		DisableInterrupts: func() {
			env.mu.Lock()
			env.irqEnabled = false
			env.mu.Unlock()
		},
		EnableInterrupts: func() {
			env.mu.Lock()
			env.irqEnabled = true
			env.mu.Unlock()
		},
		InterruptsEnabled: func() bool {
			env.mu.Lock()
			defer env.mu.Unlock()
			return env.irqEnabled
		},
		SetFSBase:      func(base uint64) { env.fsBase = base },
		SetKernelStack: func(top uintptr) { env.kernelStack = top },
		IdleEntry:      testIdleEntry,
		ThreadEntry:    testThreadEntry,
	})
	if kErr != nil {
		t.Fatal(kErr)
	}

	return env
}

func (env *testEnv) kernelThread(t *testing.T) *Thread {
	t.Helper()
	th, err := env.sched.NewKernelThread(func(uintptr) {}, 0)
	if err != nil {
		t.Fatal(err)
	}
	return th
}

// tick runs a timer tick on coreID using a frame that mimics the registers
// of the interrupted thread.
func (env *testEnv) tick(coreID int) *Thread {
	regs := *env.sched.Current(coreID).Registers()
	env.sched.Tick(coreID, &regs)
	return env.sched.Current(coreID)
}

func TestNewCreatesIdleThreads(t *testing.T) {
	env := newTestEnv(t, 2, 3)

	for coreID := 0; coreID < 2; coreID++ {
		idle := env.sched.Current(coreID)
		if !idle.IsIdle() || idle.Core() != coreID {
			t.Fatalf("[core %d] expected the idle thread to be current", coreID)
		}

		regs := idle.Registers()
		if regs.RIP != testIdleEntry || regs.CS != gate.KernelCodeSelector || regs.RSP != uint64(idle.StackTop()) {
			t.Errorf("[core %d] unexpected idle frame: rip %x cs %x rsp %x", coreID, regs.RIP, regs.CS, regs.RSP)
		}
	}

	if _, err := New(Config{}); err != errNoPaging {
		t.Fatalf("expected errNoPaging; got %v", err)
	}
}

func TestStartPlacement(t *testing.T) {
	env := newTestEnv(t, 2, 3)

	specs := []struct {
		expCore int
	}{
		{0}, {1}, {0}, {1}, {0},
	}

	for specIndex, spec := range specs {
		th := env.kernelThread(t)
		env.sched.Start(th)
		if th.Core() != spec.expCore {
			t.Errorf("[spec %d] expected thread on core %d; got %d", specIndex, spec.expCore, th.Core())
		}
	}

	if env.sched.QueueLen(0) != 3 || env.sched.QueueLen(1) != 2 {
		t.Fatalf("expected queue lengths 3 and 2; got %d and %d", env.sched.QueueLen(0), env.sched.QueueLen(1))
	}

	if err := env.sched.StartOn(env.kernelThread(t), 2); err != errInvalidCore {
		t.Fatalf("expected errInvalidCore; got %v", err)
	}

	if !env.irqEnabled {
		t.Fatal("expected interrupts to be re-enabled after queue updates")
	}
}

func TestStartErrors(t *testing.T) {
	env := newTestEnv(t, 2, 3)
	th := env.kernelThread(t)

	if err := env.sched.StartOn(th, 1); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		thread *Thread
		coreID int
		expErr error
	}{
		{th, 0, errAlreadyQueued},
		{th, 1, errAlreadyQueued},
		{env.sched.Current(0), 0, errStartIdle},
		{env.kernelThread(t), -1, errInvalidCore},
	}

	for specIndex, spec := range specs {
		if err := env.sched.StartOn(spec.thread, spec.coreID); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	if env.sched.QueueLen(0) != 0 || env.sched.QueueLen(1) != 1 {
		t.Fatalf("expected rejected starts to leave the queues alone; got %d and %d", env.sched.QueueLen(0), env.sched.QueueLen(1))
	}
	if !env.irqEnabled {
		t.Fatal("expected interrupts to be re-enabled after a rejected start")
	}

	defer func() {
		if err := recover(); err != errAlreadyQueued {
			t.Fatalf("expected Start to panic with errAlreadyQueued; got %v", err)
		}
	}()
	env.sched.Start(th)
}

func TestKernelThreadFrame(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	th := env.kernelThread(t)

	regs := th.Registers()
	specs := []struct {
		name     string
		got, exp uint64
	}{
		{"rip", regs.RIP, testThreadEntry},
		{"rdi", regs.RDI, th.ID()},
		{"rsp", regs.RSP, uint64(th.StackTop())},
		{"cs", regs.CS, gate.KernelCodeSelector},
		{"ss", regs.SS, gate.KernelDataSelector},
		{"rflags", regs.RFlags, gate.DefaultRFlags},
	}

	for _, spec := range specs {
		if spec.got != spec.exp {
			t.Errorf("expected %s to be %x; got %x", spec.name, spec.exp, spec.got)
		}
	}

	if env.sched.Lookup(th.ID()) != th {
		t.Fatal("expected thread to be registered")
	}
}

func TestTickRoundRobin(t *testing.T) {
	env := newTestEnv(t, 1, 2)

	threads := []*Thread{env.kernelThread(t), env.kernelThread(t), env.kernelThread(t)}
	for _, th := range threads {
		env.sched.Start(th)
	}

	// the idle thread is left on the first tick
	exp := []*Thread{
		threads[0], threads[0],
		threads[1], threads[1],
		threads[2], threads[2],
		threads[0],
	}

	regs := *env.sched.Current(0).Registers()
	for i, want := range exp {
		if cur := env.sched.Current(0); cur == threads[0] {
			// the live frame diverges from the saved one while running
			regs.RAX = 0xfeed
		}

		env.sched.Tick(0, &regs)
		if got := env.sched.Current(0); got != want {
			t.Fatalf("[tick %d] expected thread %d; got %d", i, want.ID(), got.ID())
		}
		if regs.RDI != want.ID() {
			t.Fatalf("[tick %d] expected frame of thread %d to be loaded; got rdi %d", i, want.ID(), regs.RDI)
		}
	}

	if regs.RAX != 0xfeed {
		t.Fatalf("expected the saved frame of thread %d to be restored; rax %x", threads[0].ID(), regs.RAX)
	}
	if env.kernelStack != threads[0].StackTop() {
		t.Fatalf("expected kernel stack of the current thread to be installed")
	}
}

func TestYieldEndsSlice(t *testing.T) {
	env := newTestEnv(t, 1, 10)
	a, b := env.kernelThread(t), env.kernelThread(t)
	env.sched.Start(a)
	env.sched.Start(b)

	if got := env.tick(0); got != a {
		t.Fatalf("expected thread %d; got %d", a.ID(), got.ID())
	}

	regs := *a.Registers()
	env.sched.Yield(0, &regs)
	if got := env.sched.Current(0); got != b {
		t.Fatalf("expected yield to switch to thread %d; got %d", b.ID(), got.ID())
	}
}

func TestIdleWhenAllBlocked(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	a, b := env.kernelThread(t), env.kernelThread(t)
	env.sched.Start(a)
	env.sched.Start(b)

	a.casState(StateRunning, StateBlocked)
	b.casState(StateRunning, StateBlocked)

	if got := env.tick(0); !got.IsIdle() {
		t.Fatalf("expected idle thread when every thread is blocked; got %d", got.ID())
	}

	b.Wake()
	if got := env.tick(0); got != b {
		t.Fatalf("expected woken thread %d to run; got %d", b.ID(), got.ID())
	}

	// Wake on a running thread is a no-op
	b.Wake()
	if b.State() != StateRunning {
		t.Fatalf("expected running state; got %s", b.State())
	}
}

func TestIdleNeverPickedWhileRunnable(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		rng := rand.New(rand.NewSource(seed))
		env := newTestEnv(t, 2, uint32(1+rng.Intn(3)))

		var threads []*Thread
		for i := 0; i < 6; i++ {
			th := env.kernelThread(t)
			env.sched.Start(th)
			threads = append(threads, th)
		}

		for step := 0; step < 200; step++ {
			th := threads[rng.Intn(len(threads))]
			if rng.Intn(2) == 0 {
				th.casState(StateRunning, StateBlocked)
			} else {
				th.Wake()
			}

			coreID := rng.Intn(2)
			cur := env.tick(coreID)

			runnable := false
			for _, other := range threads {
				if other.Core() == coreID && other.State() == StateRunning {
					runnable = true
				}
			}

			if runnable && cur.IsIdle() {
				t.Fatalf("[seed %d, step %d] core %d picked its idle thread while a thread was runnable", seed, step, coreID)
			}
			if !cur.IsIdle() && cur.State() != StateRunning {
				t.Fatalf("[seed %d, step %d] core %d picked a %s thread", seed, step, coreID, cur.State())
			}
		}
	}
}

func TestExitAndReap(t *testing.T) {
	env := newTestEnv(t, 1, 1)

	baseline := env.alloc.UsedCount()
	a, b := env.kernelThread(t), env.kernelThread(t)
	env.sched.Start(a)
	env.sched.Start(b)

	var reaped []uint64
	hook := func(th *Thread) { reaped = append(reaped, th.ID()) }
	a.OnExit(hook)
	b.OnExit(hook)

	if got := env.tick(0); got != a {
		t.Fatalf("expected thread %d; got %d", a.ID(), got.ID())
	}

	// a exits while running and b exits while queued
	env.sched.Exit(a)
	env.sched.Exit(b)
	env.sched.Exit(b)
	if a.State() != StateZombie {
		t.Fatalf("expected zombie state; got %s", a.State())
	}

	if got := env.tick(0); !got.IsIdle() {
		t.Fatalf("expected idle thread; got %d", got.ID())
	}
	if a.State() != StateDying {
		t.Fatalf("expected the switched-out zombie to be dying; got %s", a.State())
	}
	if len(reaped) != 1 || reaped[0] != b.ID() {
		t.Fatalf("expected only the queued zombie to be reaped; got %v", reaped)
	}

	env.tick(0)
	if len(reaped) != 2 || reaped[1] != a.ID() {
		t.Fatalf("expected the dying thread to be reaped on the next walk; got %v", reaped)
	}

	if env.sched.QueueLen(0) != 0 || env.sched.Lookup(a.ID()) != nil {
		t.Fatal("expected reaped threads to leave the run queue and the registry")
	}

	// only the stack page tables remain
	if got := env.alloc.UsedCount(); got > baseline+2 {
		t.Fatalf("expected kernel stacks to be released; used %d -> %d", baseline, got)
	}

	defer func() {
		if err := recover(); err != errExitIdle {
			t.Fatalf("expected errExitIdle; got %v", err)
		}
	}()
	env.sched.Exit(env.sched.Current(0))
}

func TestUserThreadSwitchesPageMap(t *testing.T) {
	env := newTestEnv(t, 1, 1)

	as, err := vm.New(env.paging)
	if err != nil {
		t.Fatal(err)
	}

	user, err := env.sched.NewUserThread(as, gate.Registers{RIP: 0x400000, RSP: 0x7000})
	if err != nil {
		t.Fatal(err)
	}
	if regs := user.Registers(); regs.CS != gate.UserCodeSelector || regs.SS != gate.UserDataSelector || regs.RFlags&gate.DefaultRFlags != gate.DefaultRFlags {
		t.Fatalf("expected user mode frame; got cs %x ss %x rflags %x", regs.CS, regs.SS, regs.RFlags)
	}
	env.sched.SetFSBase(user, 0xdead000)

	k1, k2 := env.kernelThread(t), env.kernelThread(t)
	env.sched.Start(user)
	env.sched.Start(k1)
	env.sched.Start(k2)

	userRoot := as.PageMap().Root().Address()
	kernelRoot := env.paging.Kernel().Root().Address()

	env.tick(0)
	if env.fsBase != 0xdead000 || env.kernelStack != user.StackTop() {
		t.Fatalf("expected fs base and kernel stack of the user thread to be loaded")
	}

	env.tick(0)
	env.tick(0)

	exp := []uintptr{userRoot, kernelRoot}
	if len(env.activated) != len(exp) {
		t.Fatalf("expected page map switches %x; got %x", exp, env.activated)
	}
	for i := range exp {
		if env.activated[i] != exp[i] {
			t.Fatalf("expected page map switches %x; got %x", exp, env.activated)
		}
	}

	env.sched.SetFSBase(k2, 0x1234)
	if env.fsBase != 0x1234 {
		t.Fatalf("expected fs base of the running thread to be loaded immediately")
	}
}

func TestSleep(t *testing.T) {
	specs := []struct {
		ticks    uint64
		expTicks int
	}{
		{0, 1},
		{1, 1},
		{3, 3},
	}

	for specIndex, spec := range specs {
		env := newTestEnv(t, 1, 1)
		th := env.kernelThread(t)
		env.sched.Start(th)

		done := make(chan sync.WakeReason)
		go func() { done <- env.sched.Sleep(th, spec.ticks) }()

		for env.sched.Timers().Pending() == 0 {
			runtime.Gosched()
		}

		for i := 1; i < spec.expTicks; i++ {
			env.tick(0)
			select {
			case <-done:
				t.Fatalf("[spec %d] woke up after %d ticks", specIndex, i)
			default:
			}
		}

		env.tick(0)
		if reason := <-done; reason != sync.WakeTimedOut {
			t.Fatalf("[spec %d] expected %s; got %s", specIndex, sync.WakeTimedOut, reason)
		}
		if th.State() != StateRunning {
			t.Fatalf("[spec %d] expected running state after sleep; got %s", specIndex, th.State())
		}
	}
}

func TestParkResolvedBeforeBlocking(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	th := env.kernelThread(t)

	b := sync.NewBlocker(th)
	b.Unblock()

	if reason := th.Park(b, 5); reason != sync.WakeNormal {
		t.Fatalf("expected %s; got %s", sync.WakeNormal, reason)
	}
	if th.State() != StateRunning || env.sched.Timers().Pending() != 0 {
		t.Fatal("expected thread to keep running without a pending timeout")
	}
}

func TestSemaphoreWakeOrder(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	sem := sync.NewSemaphore(0)

	var (
		eg    errgroup.Group
		order = make(chan uint64, 3)
		ts    []*Thread
	)

	for i := 0; i < 3; i++ {
		th := env.kernelThread(t)
		env.sched.Start(th)
		ts = append(ts, th)

		eg.Go(func() error {
			if reason := sem.Wait(th, 0); reason != sync.WakeNormal {
				t.Errorf("expected %s; got %s", sync.WakeNormal, reason)
			}
			order <- th.ID()
			return nil
		})

		for sem.Waiting() != i+1 {
			runtime.Gosched()
		}
	}

	for _, th := range ts {
		sem.Signal()
		if got := <-order; got != th.ID() {
			t.Fatalf("expected thread %d to wake; got %d", th.ID(), got)
		}
	}

	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestSemaphoreWaitTimeout(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	sem := sync.NewSemaphore(0)
	th := env.kernelThread(t)
	env.sched.Start(th)

	done := make(chan sync.WakeReason)
	go func() { done <- sem.Wait(th, 2) }()

	for env.sched.Timers().Pending() == 0 {
		runtime.Gosched()
	}

	env.tick(0)
	env.tick(0)

	if reason := <-done; reason != sync.WakeTimedOut {
		t.Fatalf("expected %s; got %s", sync.WakeTimedOut, reason)
	}
	if sem.Count() != 0 || sem.Waiting() != 0 {
		t.Fatalf("expected the timed out waiter to return its unit; count %d waiting %d", sem.Count(), sem.Waiting())
	}
}

func TestExitInterruptsBlockedThread(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	sem := sync.NewSemaphore(0)
	th := env.kernelThread(t)
	env.sched.Start(th)

	done := make(chan sync.WakeReason)
	go func() { done <- sem.Wait(th, 50) }()

	for th.State() != StateBlocked {
		runtime.Gosched()
	}

	env.sched.Exit(th)
	if reason := <-done; reason != sync.WakeInterrupted {
		t.Fatalf("expected %s; got %s", sync.WakeInterrupted, reason)
	}

	if sem.Waiting() != 0 || env.sched.Timers().Pending() != 0 {
		t.Fatal("expected the exited thread to leave the semaphore queue and the timer queue")
	}
	if th.State() != StateZombie {
		t.Fatalf("expected zombie state; got %s", th.State())
	}
}

func TestRunThread(t *testing.T) {
	env := newTestEnv(t, 1, 1)

	var got uintptr
	th, err := env.sched.NewKernelThread(func(arg uintptr) { got = arg }, 42)
	if err != nil {
		t.Fatal(err)
	}

	defer func() {
		if err := recover(); err != errThreadResumed {
			t.Fatalf("expected errThreadResumed; got %v", err)
		}
		if got != 42 || th.State() != StateZombie {
			t.Fatalf("expected entry to run with its argument and the thread to exit")
		}
	}()

	// The test Yield hook returns immediately, which a real context
	// switch never does for an exited thread.
	env.sched.RunThread(th.ID())
}

func TestStateString(t *testing.T) {
	specs := []struct {
		state State
		exp   string
	}{
		{StateRunning, "running"},
		{StateBlocked, "blocked"},
		{StateZombie, "zombie"},
		{StateDying, "dying"},
		{State(99), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.state.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestDump(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	env.kernelThread(t)

	var buf bytes.Buffer
	env.sched.Dump(&buf)

	expLines := []string{
		"[sched] thread core kind   state                 rip\n",
		"[sched] 1      0    idle   running  0000000000001000\n",
		"[sched] 2      0    kernel running  0000000000002000\n",
	}
	if exp, got := strings.Join(expLines, ""), buf.String(); got != exp {
		t.Fatalf("expected dump:\n%s\ngot:\n%s", exp, got)
	}

	buf.Reset()
	env.sched.lock.Acquire()
	env.sched.Dump(&buf)
	env.sched.lock.Release()

	if exp, got := "[sched] thread table busy; dump skipped\n", buf.String(); got != exp {
		t.Fatalf("expected a locked table to skip the dump; got %q", got)
	}
}
