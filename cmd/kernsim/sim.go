//go:build linux

package main

import (
	"context"
	"fmt"
	"io"
	"kestrel/kernel/cpu"
	"kestrel/kernel/gate"
	"kestrel/kernel/kmain"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/hostmem"
	"kestrel/kernel/mm/pmm"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// simConfig describes a simulator run.
type simConfig struct {
	MemMb     uint
	Cores     int
	Ticks     int
	TimeSlice uint32
	Procs     int
	Fork      bool
	Console   io.Writer
}

// simStats summarizes a simulator run.
type simStats struct {
	Ticks          int
	Spawned        int
	Forked         int
	Syscalls       int
	FailedSyscalls int
	Running        int
	FramesTotal    uint64
	FramesUsed     uint64
	FramesBoot     uint64
	FramesFreed    uint64
}

// Print writes the summary to w.
func (s *simStats) Print(w io.Writer) {
	fmt.Fprintf(w, "ticks per core:    %d\n", s.Ticks)
	fmt.Fprintf(w, "processes:         %d spawned, %d forked, %d still running\n", s.Spawned, s.Forked, s.Running)
	fmt.Fprintf(w, "system calls:      %d (%d failed)\n", s.Syscalls, s.FailedSyscalls)
	fmt.Fprintf(w, "frames:            %d total, %d used after boot, %d used at exit\n", s.FramesTotal, s.FramesBoot, s.FramesUsed)
	fmt.Fprintf(w, "host pages freed:  %d\n", s.FramesFreed)
}

// simPlatform returns hardware hooks that do nothing on the host.
func simPlatform() kmain.Platform {
	return kmain.Platform{
		FlushTLBEntry:     func(uintptr) {},
		SwitchPageMap:     func(uintptr) {},
		SaveFPU:           func(*cpu.FPUState) {},
		RestoreFPU:        func(*cpu.FPUState) {},
		Yield:             runtime.Gosched,
		DisableInterrupts: func() {},
		EnableInterrupts:  func() {},
		InterruptsEnabled: func() bool { return false },
		SetFSBase:         func(uint64) {},
		SetKernelStack:    func(uintptr) {},
		ReadFaultAddress:  func() uintptr { return 0 },
		IdleEntry:         0x1000,
		ThreadEntry:       0x2000,
	}
}

// maxDrainTicks bounds the ticks spent waiting for the remaining processes
// to exit once the configured number of ticks has elapsed.
const maxDrainTicks = 2000

// run boots the kernel, spawns the workload and ticks all cores in lockstep.
// After cfg.Ticks ticks it keeps ticking until every process has exited or
// maxDrainTicks more ticks have passed.
func run(ctx context.Context, cfg simConfig) (*simStats, error) {
	ram, err := hostmem.New(mm.Size(cfg.MemMb) * mm.Mb)
	if err != nil {
		return nil, err
	}
	defer ram.Close()

	origSink := kfmt.GetOutputSink()
	defer kfmt.SetOutputSink(origSink)

	k, kErr := kmain.Init(&kmain.BootInfo{
		MemoryMap: []pmm.MemoryMapEntry{
			{PhysAddress: 0, Length: 0x9f000, Type: pmm.MemAvailable},
			{PhysAddress: 0x9f000, Length: 0x61000, Type: pmm.MemReserved},
			{PhysAddress: 0x100000, Length: uint64(ram.Size()) - 0x100000, Type: pmm.MemAvailable},
		},
		Phys:      ram,
		Cores:     cfg.Cores,
		TimeSlice: cfg.TimeSlice,
		Console:   cfg.Console,
		Platform:  simPlatform(),
	})
	if kErr != nil {
		return nil, kErr
	}

	stats := &simStats{
		FramesTotal: k.Frames.FrameCount(),
		FramesBoot:  k.Frames.UsedCount(),
	}

	w := newWorkload(k, cfg.Fork)
	for i := 0; i < cfg.Procs; i++ {
		if _, kErr = k.Procs.Spawn(fmt.Sprintf("worker-%d", i), demoImage()); kErr != nil {
			return nil, kErr
		}
		stats.Spawned++
	}

	regs := make([]gate.Registers, k.Sched.Cores())
	for coreID := range regs {
		regs[coreID] = *k.Sched.Current(coreID).Registers()
	}

	for ; stats.Ticks < cfg.Ticks+maxDrainTicks; stats.Ticks++ {
		if stats.Ticks >= cfg.Ticks && len(k.Procs.Processes()) == 0 {
			break
		}
		if err = tickAll(ctx, k, w, regs); err != nil {
			return nil, err
		}
	}

	stats.Forked, stats.Syscalls, stats.FailedSyscalls = w.counters()
	stats.Running = len(k.Procs.Processes())
	stats.FramesUsed = k.Frames.UsedCount()

	// hand the contents of every free frame back to the host
	for f := mm.Frame(0); uint64(f) < stats.FramesTotal; f++ {
		if !k.Frames.IsFree(f) {
			continue
		}
		if err = ram.Discard(f); err != nil {
			return nil, err
		}
		stats.FramesFreed++
	}

	kfmt.Printf("[kernsim] finished after %d ticks per core\n", stats.Ticks)
	return stats, nil
}

// tickAll runs the workload and one timer tick on every core concurrently
// and returns once all cores are done. A thread placed on a core during a
// tick is therefore seen by that core on the next one.
func tickAll(ctx context.Context, k *kmain.Kernel, w *workload, regs []gate.Registers) error {
	g, gctx := errgroup.WithContext(ctx)
	for c := range regs {
		coreID := c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			w.step(coreID, &regs[coreID])
			k.Sched.Tick(coreID, &regs[coreID])
			return nil
		})
	}
	return g.Wait()
}
