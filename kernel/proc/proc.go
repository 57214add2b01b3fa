// Package proc manages user processes: their address spaces, threads and
// the handling of user-mode faults.
package proc

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/gate"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/vm"
	"kestrel/kernel/mm/vmm"
	"kestrel/kernel/sched"
	"kestrel/kernel/sync"
	"sort"
)

const (
	defaultStackSize = 64 * uintptr(mm.Kb)

	// defaultStackTop leaves the topmost user page unmapped.
	defaultStackTop = vmm.UserSpaceTop - mm.PageSize

	// ExitCodeFault is the exit code of processes killed by an
	// unrecoverable fault.
	ExitCodeFault = 139
)

var (
	errNoScheduler   = &kernel.Error{Module: "proc", Message: "process table requires a scheduler and a paging instance"}
	errUnknownThread = &kernel.Error{Module: "proc", Message: "thread does not belong to a process"}
	errSegmentSize   = &kernel.Error{Module: "proc", Message: "image segment is larger in the file than in memory"}
)

// Config configures a process table.
type Config struct {
	Sched  *sched.Scheduler
	Paging *vmm.Paging

	// StackSize is the size of the main thread user stack. Defaults to 64K.
	StackSize uintptr

	// StackTop is the first address past the user stack.
	StackTop uintptr

	// ReadFaultAddress returns the address that caused the last page
	// fault. Defaults to reading CR2.
	ReadFaultAddress func() uintptr
}

// Process is a user program: an address space plus the threads running in
// it.
type Process struct {
	pid    uint64
	name   string
	parent uint64
	as     *vm.AddressSpace

	// guarded by the table lock
	threads  int
	exited   bool
	exitCode int
}

// PID returns the process id.
func (p *Process) PID() uint64 { return p.pid }

// Name returns the process name.
func (p *Process) Name() string { return p.name }

// Parent returns the pid of the parent or 0 for spawned processes.
func (p *Process) Parent() uint64 { return p.parent }

// AddressSpace returns the process address space.
func (p *Process) AddressSpace() *vm.AddressSpace { return p.as }

// Table tracks the live processes.
type Table struct {
	cfg Config

	lock     sync.Spinlock
	nextPID  uint64
	procs    map[uint64]*Process
	byThread map[uint64]*Process
	threads  map[uint64][]*sched.Thread

	exitHooks []func(*Process)
}

// NewTable creates an empty process table.
func NewTable(cfg Config) (*Table, *kernel.Error) {
	if cfg.Sched == nil || cfg.Paging == nil {
		return nil, errNoScheduler
	}
	if cfg.StackSize == 0 {
		cfg.StackSize = defaultStackSize
	}
	if cfg.StackTop == 0 {
		cfg.StackTop = defaultStackTop
	}
	if cfg.ReadFaultAddress == nil {
		cfg.ReadFaultAddress = func() uintptr { return uintptr(cpu.ReadCR2()) }
	}

	return &Table{
		cfg:      cfg,
		procs:    make(map[uint64]*Process),
		byThread: make(map[uint64]*Process),
		threads:  make(map[uint64][]*sched.Thread),
	}, nil
}

// OnExit registers fn to run once a process has been fully torn down.
func (tbl *Table) OnExit(fn func(*Process)) {
	tbl.exitHooks = append(tbl.exitHooks, fn)
}

// Spawn creates a process running img. Every segment is mapped as an image
// object with the segment rights; the main thread starts at the image entry
// point with the stack pointer at the top of a fresh anonymous stack and the
// program header address in RDI.
func (tbl *Table) Spawn(name string, img Image) (*Process, *kernel.Error) {
	as, err := vm.New(tbl.cfg.Paging)
	if err != nil {
		return nil, err
	}

	for _, seg := range img.Segments() {
		if err = mapSegment(as, seg); err != nil {
			as.Destroy()
			return nil, err
		}
	}

	stackBase := tbl.cfg.StackTop - tbl.cfg.StackSize
	if _, err = as.AllocateAnonymous(tbl.cfg.StackSize, vm.ProtRead|vm.ProtWrite, stackBase, true); err != nil {
		as.Destroy()
		return nil, err
	}

	th, err := tbl.cfg.Sched.NewUserThread(as, gate.Registers{
		RIP: uint64(img.Entry()),
		RSP: uint64(tbl.cfg.StackTop),
		RDI: uint64(img.ProgramHeaders()),
	})
	if err != nil {
		as.Destroy()
		return nil, err
	}

	p := tbl.register(name, 0, as, th)
	kfmt.Printf("[proc] spawned %s (pid %d) entry 0x%x\n", name, p.pid, img.Entry())

	tbl.cfg.Sched.Start(th)
	return p, nil
}

// mapSegment maps seg at its page-aligned virtual address. Segments without
// file contents are backed by anonymous memory.
func mapSegment(as *vm.AddressSpace, seg Segment) *kernel.Error {
	if seg.MemSize == 0 {
		return nil
	}
	if seg.FileSize > seg.MemSize {
		return errSegmentSize
	}

	var (
		pageOffset = seg.VirtAddr & (mm.PageSize - 1)
		base       = seg.VirtAddr - pageOffset
		size       = mm.Size(seg.MemSize + uint64(pageOffset))
		obj        *vm.Object
	)

	if seg.FileSize == 0 || seg.Data == nil {
		obj = vm.NewAnonymous(size)
	} else {
		obj = vm.NewImage(size, seg.Data, seg.Offset-int64(pageOffset), seg.FileSize+uint64(pageOffset))
	}

	_, err := as.MapObject(obj, seg.Flags.prot(), base, true)
	return err
}

// Fork duplicates the process of the calling thread t. The child address
// space is a copy-on-write fork; its single thread resumes from regs with RAX
// cleared and inherits the FPU state and TLS base of t.
func (tbl *Table) Fork(t *sched.Thread, regs *gate.Registers) (*Process, *kernel.Error) {
	parent := tbl.ProcessOf(t)
	if parent == nil {
		return nil, errUnknownThread
	}

	as, err := parent.as.Fork()
	if err != nil {
		return nil, err
	}

	childRegs := *regs
	childRegs.RAX = 0

	th, err := tbl.cfg.Sched.NewUserThread(as, childRegs)
	if err != nil {
		as.Destroy()
		return nil, err
	}
	tbl.cfg.Sched.CaptureFPU(th)
	tbl.cfg.Sched.SetFSBase(th, t.FSBase())

	child := tbl.register(parent.name, parent.pid, as, th)
	kfmt.Printf("[proc] forked pid %d from pid %d\n", child.pid, parent.pid)

	tbl.cfg.Sched.Start(th)
	return child, nil
}

func (tbl *Table) register(name string, parent uint64, as *vm.AddressSpace, th *sched.Thread) *Process {
	tbl.lock.Acquire()
	tbl.nextPID++
	p := &Process{
		pid:     tbl.nextPID,
		name:    name,
		parent:  parent,
		as:      as,
		threads: 1,
	}
	tbl.procs[p.pid] = p
	tbl.byThread[th.ID()] = p
	tbl.threads[p.pid] = append(tbl.threads[p.pid], th)
	tbl.lock.Release()

	th.OnExit(tbl.threadReaped)
	return p
}

// Exit terminates every thread of p. The address space is released once the
// last thread has been reaped. Exiting an exited process has no effect.
func (tbl *Table) Exit(p *Process, code int) {
	tbl.lock.Acquire()
	if p.exited {
		tbl.lock.Release()
		return
	}
	p.exited, p.exitCode = true, code
	threads := append([]*sched.Thread(nil), tbl.threads[p.pid]...)
	tbl.lock.Release()

	kfmt.Printf("[proc] pid %d (%s) exited with code %d\n", p.pid, p.name, code)
	for _, th := range threads {
		tbl.cfg.Sched.Exit(th)
	}
}

// threadReaped is the exit hook of every process thread.
func (tbl *Table) threadReaped(th *sched.Thread) {
	tbl.lock.Acquire()
	p := tbl.byThread[th.ID()]
	if p == nil {
		tbl.lock.Release()
		return
	}

	delete(tbl.byThread, th.ID())
	list := tbl.threads[p.pid]
	for i, other := range list {
		if other == th {
			tbl.threads[p.pid] = append(list[:i], list[i+1:]...)
			break
		}
	}

	p.threads--
	last := p.threads == 0
	if last {
		delete(tbl.procs, p.pid)
		delete(tbl.threads, p.pid)
	}
	tbl.lock.Release()

	if !last {
		return
	}

	p.as.Destroy()
	for _, hook := range tbl.exitHooks {
		hook(p)
	}
}

// Lookup returns the live process with the supplied pid.
func (tbl *Table) Lookup(pid uint64) (*Process, bool) {
	tbl.lock.Acquire()
	defer tbl.lock.Release()
	p, ok := tbl.procs[pid]
	return p, ok
}

// ProcessOf returns the process owning t or nil for kernel threads.
func (tbl *Table) ProcessOf(t *sched.Thread) *Process {
	tbl.lock.Acquire()
	defer tbl.lock.Release()
	return tbl.byThread[t.ID()]
}

// Current returns the thread running on coreID and its process. The process
// is nil when a kernel thread is running.
func (tbl *Table) Current(coreID int) (*sched.Thread, *Process) {
	t := tbl.cfg.Sched.Current(coreID)
	return t, tbl.ProcessOf(t)
}

// ExitStatus returns the exit code of p and whether it has exited.
func (tbl *Table) ExitStatus(p *Process) (int, bool) {
	tbl.lock.Acquire()
	defer tbl.lock.Release()
	return p.exitCode, p.exited
}

// Processes returns the live processes ordered by pid.
func (tbl *Table) Processes() []*Process {
	tbl.lock.Acquire()
	list := make([]*Process, 0, len(tbl.procs))
	for _, p := range tbl.procs {
		list = append(list, p)
	}
	tbl.lock.Release()

	sort.Slice(list, func(i, j int) bool { return list[i].pid < list[j].pid })
	return list
}
