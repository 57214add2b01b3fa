// Package kmain wires the kernel subsystems together.
package kmain

import (
	"io"
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/gate"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/pmm"
	"kestrel/kernel/mm/vmm"
	"kestrel/kernel/proc"
	"kestrel/kernel/sched"
	"kestrel/kernel/syscall"
	"kestrel/kernel/timer"
)

var (
	errNoPhysicalMemory = &kernel.Error{Module: "kmain", Message: "boot info does not provide physical memory access"}
)

// Platform holds the hardware hooks used by the kernel. Nil hooks default to
// the cpu package.
type Platform struct {
	FlushTLBEntry     func(uintptr)
	SwitchPageMap     func(uintptr)
	SaveFPU           func(*cpu.FPUState)
	RestoreFPU        func(*cpu.FPUState)
	Yield             func()
	DisableInterrupts func()
	EnableInterrupts  func()
	InterruptsEnabled func() bool
	SetFSBase         func(uint64)
	SetKernelStack    func(uintptr)
	ReadFaultAddress  func() uintptr
	IdleEntry         uintptr
	ThreadEntry       uintptr

	// CurrentCore returns the index of the core running the caller.
	// Defaults to 0.
	CurrentCore func() int

	// EOI acknowledges hardware interrupts.
	EOI func(gate.InterruptNumber)
}

// BootInfo is the decoded hand-off from the boot loader.
type BootInfo struct {
	// MemoryMap lists the physical memory regions.
	MemoryMap []pmm.MemoryMapEntry

	// Phys gives access to physical memory, normally through the direct
	// map set up by the boot loader.
	Phys mm.PhysicalMemory

	// BootPageMap is the root table installed by the boot loader.
	BootPageMap mm.Frame

	// KernelSlotFirst is the first PML4 slot of the kernel half.
	KernelSlotFirst int

	Cores     int
	TimeSlice uint32

	// Console receives the kernel log. Output stays in the early buffer
	// when nil.
	Console io.Writer

	Framebuffer *syscall.Framebuffer
	FileSystem  syscall.FileSystem

	// LoadInit returns the image of the first user process. No process is
	// started when nil.
	LoadInit func() (proc.Image, *kernel.Error)
	InitName string

	Platform Platform
}

// Kernel is the set of subsystems brought up by Init.
type Kernel struct {
	Frames   *pmm.BitmapAllocator
	Paging   *vmm.Paging
	Timers   *timer.Queue
	Sched    *sched.Scheduler
	Procs    *proc.Table
	Syscalls *syscall.Table
	Init     *proc.Process

	platform Platform
}

// Kmain is the kernel entry point. It is invoked by the boot code once the
// CPU runs in long mode with the boot page map loaded. The boot context
// becomes the idle thread of core 0, so Kmain never returns.
//
//go:noinline
func Kmain(info *BootInfo) {
	k, err := Init(info)
	if err != nil {
		panic(err)
	}

	k.platform.EnableInterrupts()
	for {
		cpu.Halt()
	}
}

// Init brings up every subsystem described by info, registers the interrupt
// handlers and starts the init process.
func Init(info *BootInfo) (*Kernel, *kernel.Error) {
	if info.Console != nil {
		kfmt.SetOutputSink(info.Console)
	}
	if info.Phys == nil {
		return nil, errNoPhysicalMemory
	}

	plat := info.Platform
	plat.setDefaults()

	k := &Kernel{Timers: timer.NewQueue(), platform: plat}

	var err *kernel.Error
	if k.Frames, err = pmm.Init(info.MemoryMap, info.Phys); err != nil {
		return nil, err
	}

	if k.Paging, err = vmm.New(vmm.Config{
		Frames:          k.Frames,
		Phys:            info.Phys,
		KernelSlotFirst: info.KernelSlotFirst,
		BootPageMap:     info.BootPageMap,
		FlushTLBEntry:   plat.FlushTLBEntry,
		SwitchPageMap:   plat.SwitchPageMap,
	}); err != nil {
		return nil, err
	}

	if k.Sched, err = sched.New(sched.Config{
		Cores:             info.Cores,
		TimeSlice:         info.TimeSlice,
		Timers:            k.Timers,
		Paging:            k.Paging,
		SaveFPU:           plat.SaveFPU,
		RestoreFPU:        plat.RestoreFPU,
		Yield:             plat.Yield,
		DisableInterrupts: plat.DisableInterrupts,
		EnableInterrupts:  plat.EnableInterrupts,
		InterruptsEnabled: plat.InterruptsEnabled,
		SetFSBase:         plat.SetFSBase,
		SetKernelStack:    plat.SetKernelStack,
		IdleEntry:         plat.IdleEntry,
		ThreadEntry:       plat.ThreadEntry,
	}); err != nil {
		return nil, err
	}
	cpu.ThreadStartFn = k.Sched.RunThread
	kfmt.OnPanic(k.Sched.Dump)

	if k.Procs, err = proc.NewTable(proc.Config{
		Sched:            k.Sched,
		Paging:           k.Paging,
		ReadFaultAddress: plat.ReadFaultAddress,
	}); err != nil {
		return nil, err
	}

	if k.Syscalls, err = syscall.NewTable(syscall.Config{
		Procs:       k.Procs,
		Sched:       k.Sched,
		FileSystem:  info.FileSystem,
		Framebuffer: info.Framebuffer,
	}); err != nil {
		return nil, err
	}

	k.installHandlers()

	if info.LoadInit != nil {
		img, err := info.LoadInit()
		if err != nil {
			return nil, err
		}

		name := info.InitName
		if name == "" {
			name = "init"
		}
		if k.Init, err = k.Procs.Spawn(name, img); err != nil {
			return nil, err
		}
	}

	kfmt.Printf("[kmain] kernel initialized\n")
	return k, nil
}

// installHandlers routes the fault, timer, yield and system call vectors to
// their subsystems.
func (k *Kernel) installHandlers() {
	coreID := k.platform.CurrentCore

	gate.SetEOIHandler(k.platform.EOI)
	gate.HandleInterrupt(gate.PageFaultException, func(regs *gate.Registers) {
		k.Procs.HandlePageFault(coreID(), regs)
	})
	gate.HandleInterrupt(gate.GPFException, func(regs *gate.Registers) {
		k.Procs.HandleGPF(coreID(), regs)
	})
	gate.HandleInterrupt(gate.TimerVector, func(regs *gate.Registers) {
		k.Sched.Tick(coreID(), regs)
	})
	gate.HandleInterrupt(gate.YieldVector, func(regs *gate.Registers) {
		k.Sched.Yield(coreID(), regs)
	})
	gate.HandleInterrupt(gate.SyscallVector, func(regs *gate.Registers) {
		k.Syscalls.Dispatch(coreID(), regs)
	})
}

func (p *Platform) setDefaults() {
	if p.EnableInterrupts == nil {
		p.EnableInterrupts = cpu.EnableInterrupts
	}
	if p.CurrentCore == nil {
		p.CurrentCore = func() int { return 0 }
	}
	if p.EOI == nil {
		p.EOI = func(gate.InterruptNumber) {}
	}
}
