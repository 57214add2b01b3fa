//go:build linux

package main

import (
	"bytes"
	"kestrel/kernel/gate"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/kmain"
	"kestrel/kernel/mm"
	"kestrel/kernel/proc"
	"kestrel/kernel/syscall"
	"sync"
)

const (
	codeAddr = 0x400000
	dataAddr = 0x600000

	heapPages = 4
)

var (
	demoCode    = []byte{0x48, 0x31, 0xc0, 0x0f, 0x05, 0xeb, 0xfe}
	demoMessage = []byte("hello from a simulated process")
)

type demoImg struct {
	file *bytes.Reader
}

func (img *demoImg) Entry() uintptr          { return codeAddr }
func (img *demoImg) ProgramHeaders() uintptr { return 0 }

func (img *demoImg) Segments() []proc.Segment {
	return []proc.Segment{
		{VirtAddr: codeAddr, MemSize: 0x1000, FileSize: uint64(len(demoCode)), Offset: 0, Data: img.file, Flags: proc.SegmentRead | proc.SegmentExec},
		{VirtAddr: dataAddr, MemSize: 0x2000, FileSize: uint64(len(demoMessage)), Offset: 0x1000, Data: img.file, Flags: proc.SegmentRead | proc.SegmentWrite},
	}
}

// demoImage returns a two segment image: a text page and a data segment
// holding demoMessage.
func demoImage() proc.Image {
	file := make([]byte, 0x1000+len(demoMessage))
	copy(file, demoCode)
	copy(file[0x1000:], demoMessage)
	return &demoImg{file: bytes.NewReader(file)}
}

// Program steps executed by every simulated process, one per tick while it
// is running.
const (
	stepLog = iota
	stepMmap
	stepTouchHeap
	stepFork
	stepWrite
	stepSetTLS
	stepExit
)

// workload plays the part of user code. Every tick it advances the program
// of the process running on the ticking core by one step.
type workload struct {
	k    *kmain.Kernel
	fork bool

	mu       sync.Mutex
	pc       map[uint64]int
	heap     map[uint64]uintptr
	forked   int
	syscalls int
	failed   int
}

func newWorkload(k *kmain.Kernel, fork bool) *workload {
	return &workload{
		k:    k,
		fork: fork,
		pc:   make(map[uint64]int),
		heap: make(map[uint64]uintptr),
	}
}

func (w *workload) counters() (forked, syscalls, failed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.forked, w.syscalls, w.failed
}

func (w *workload) step(coreID int, regs *gate.Registers) {
	t, p := w.k.Procs.Current(coreID)
	if p == nil {
		return
	}

	pid := p.PID()
	w.mu.Lock()
	pc := w.pc[pid]
	w.pc[pid] = pc + 1
	w.mu.Unlock()

	switch pc {
	case stepLog:
		w.syscall(coreID, p, regs, syscall.SysLog, dataAddr, uint64(len(demoMessage)))
	case stepMmap:
		if base := w.syscall(coreID, p, regs, syscall.SysMmap, 0, heapPages*uint64(mm.PageSize), syscall.ProtRead|syscall.ProtWrite, syscall.MapPrivate|syscall.MapAnonymous); base > 0 {
			w.mu.Lock()
			w.heap[pid] = uintptr(base)
			w.mu.Unlock()
		}
	case stepTouchHeap:
		w.touchHeap(p)
	case stepFork:
		if !w.fork || p.Parent() != 0 {
			return
		}
		child, err := w.k.Procs.Fork(t, regs)
		if err != nil {
			kfmt.Printf("[kernsim] fork of pid %d failed: %s\n", pid, err.Message)
			return
		}
		w.mu.Lock()
		w.forked++
		w.pc[child.PID()] = stepTouchHeap
		w.heap[child.PID()] = w.heap[pid]
		w.mu.Unlock()
	case stepWrite:
		w.syscall(coreID, p, regs, syscall.SysWrite, 1, dataAddr, uint64(len(demoMessage)))
	case stepSetTLS:
		w.mu.Lock()
		base := w.heap[pid]
		w.mu.Unlock()
		w.syscall(coreID, p, regs, syscall.SysSetTLS, uint64(base))
	case stepExit:
		w.syscall(coreID, p, regs, syscall.SysExit, pid)
	}
}

// touchHeap writes a pid-specific pattern to every heap page. Forked
// children share the heap of their parent copy-on-write until they write.
func (w *workload) touchHeap(p *proc.Process) {
	w.mu.Lock()
	base := w.heap[p.PID()]
	w.mu.Unlock()
	if base == 0 {
		return
	}

	pattern := bytes.Repeat([]byte{byte(p.PID())}, 64)
	for page := uintptr(0); page < heapPages; page++ {
		if err := p.AddressSpace().CopyOut(base+page*mm.PageSize, pattern); err != nil {
			kfmt.Printf("[kernsim] pid %d heap write failed: %s\n", p.PID(), err.Message)
			return
		}
	}
}

// syscall issues a system call on behalf of p the way the trap entry would.
// For exit the returned value is meaningless because regs then belong to the
// next thread.
func (w *workload) syscall(coreID int, p *proc.Process, regs *gate.Registers, num uint64, args ...uint64) int64 {
	regs.RAX = num
	for i, dst := range []*uint64{&regs.RDI, &regs.RSI, &regs.RDX, &regs.R10} {
		if i < len(args) {
			*dst = args[i]
		}
	}

	w.k.Syscalls.Dispatch(coreID, regs)
	if num == syscall.SysExit {
		w.record(false)
		return 0
	}

	ret := int64(regs.RAX)
	if ret < 0 {
		kfmt.Printf("[kernsim] pid %d: syscall %d failed with %s\n", p.PID(), num, syscall.Errno(-ret).String())
	}
	w.record(ret < 0)
	return ret
}

func (w *workload) record(failed bool) {
	w.mu.Lock()
	w.syscalls++
	if failed {
		w.failed++
	}
	w.mu.Unlock()
}
