// Package syscall implements the system call table exposed to user
// processes. The call number is passed in RAX and up to four arguments in
// RDI, RSI, RDX and R10. The result is returned in RAX; failed calls return
// a negated Errno.
package syscall

import (
	"encoding/binary"
	"kestrel/kernel"
	"kestrel/kernel/gate"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/vm"
	"kestrel/kernel/mm/vmm"
	"kestrel/kernel/proc"
	"kestrel/kernel/sched"
	"kestrel/kernel/sync"
)

// System call numbers.
const (
	SysLog = iota
	SysOpen
	SysRead
	SysWrite
	SysSeek
	SysClose
	SysExit
	SysMmap
	SysSetTLS
	SysMapFramebuffer

	numSyscalls
)

// Protection bits accepted by mmap.
const (
	ProtRead  = 1
	ProtWrite = 2
	ProtExec  = 4
)

// Flags accepted by mmap.
const (
	MapShared    = 0x01
	MapPrivate   = 0x02
	MapFixed     = 0x10
	MapAnonymous = 0x20
)

const (
	// maxLogLen caps the message length accepted by the log call.
	maxLogLen = 4096

	// maxPathLen caps the path length accepted by the open call.
	maxPathLen = 1024

	// maxIOLen caps the bytes transferred by a single read or write.
	maxIOLen = 1 << 20

	// FramebufferInfoSize is the size of the record written by
	// map_framebuffer.
	FramebufferInfoSize = 24
)

var errNoProcessTable = &kernel.Error{Module: "syscall", Message: "process table not specified"}

// Framebuffer describes the linear framebuffer reported by the boot loader.
type Framebuffer struct {
	PhysAddr uintptr
	Width    uint32
	Height   uint32
	Pitch    uint32
	BPP      uint32
}

func (fb *Framebuffer) size() uintptr {
	return uintptr(fb.Pitch) * uintptr(fb.Height)
}

// Config specifies the collaborators of the system call table.
type Config struct {
	Procs *proc.Table
	Sched *sched.Scheduler

	// FileSystem serves open. File calls fail with ENOSYS when nil.
	FileSystem FileSystem

	// Framebuffer is mapped by map_framebuffer. The call fails with
	// ENOENT when nil.
	Framebuffer *Framebuffer
}

// Table dispatches system calls.
type Table struct {
	cfg Config

	lock  sync.Spinlock
	files map[uint64]*fileTable

	handlers [numSyscalls]func(*proc.Process, *sched.Thread, *gate.Registers) int64
}

// NewTable returns a Table serving the processes of cfg.Procs.
func NewTable(cfg Config) (*Table, *kernel.Error) {
	if cfg.Procs == nil || cfg.Sched == nil {
		return nil, errNoProcessTable
	}

	tbl := &Table{
		cfg:   cfg,
		files: make(map[uint64]*fileTable),
	}
	tbl.handlers = [numSyscalls]func(*proc.Process, *sched.Thread, *gate.Registers) int64{
		SysLog:            tbl.sysLog,
		SysOpen:           tbl.sysOpen,
		SysRead:           tbl.sysRead,
		SysWrite:          tbl.sysWrite,
		SysSeek:           tbl.sysSeek,
		SysClose:          tbl.sysClose,
		SysMmap:           tbl.sysMmap,
		SysSetTLS:         tbl.sysSetTLS,
		SysMapFramebuffer: tbl.sysMapFramebuffer,
	}
	cfg.Procs.OnExit(tbl.processExited)

	return tbl, nil
}

// Dispatch runs the system call described by regs for the thread currently
// running on coreID.
func (tbl *Table) Dispatch(coreID int, regs *gate.Registers) {
	t, p := tbl.cfg.Procs.Current(coreID)
	if p == nil {
		regs.RAX = uint64(ENOSYS.result())
		return
	}

	num := regs.RAX
	if num == SysExit {
		// The thread never returns; regs now belong to the next thread.
		tbl.cfg.Procs.Exit(p, int(int32(regs.RDI)))
		tbl.cfg.Sched.Yield(coreID, regs)
		return
	}

	if num >= numSyscalls {
		regs.RAX = uint64(ENOSYS.result())
		return
	}

	regs.RAX = uint64(tbl.handlers[num](p, t, regs))
}

func (tbl *Table) sysLog(p *proc.Process, _ *sched.Thread, regs *gate.Registers) int64 {
	length := regs.RSI
	if length > maxLogLen {
		length = maxLogLen
	}

	buf := make([]byte, length)
	if err := p.AddressSpace().CopyIn(buf, uintptr(regs.RDI)); err != nil {
		return copyErrno(err).result()
	}

	kfmt.Printf("[user %d] %s\n", p.PID(), buf)
	return int64(length)
}

func (tbl *Table) sysOpen(p *proc.Process, _ *sched.Thread, regs *gate.Registers) int64 {
	if tbl.cfg.FileSystem == nil {
		return ENOSYS.result()
	}
	if regs.RSI == 0 || regs.RSI > maxPathLen {
		return EINVAL.result()
	}

	buf := make([]byte, regs.RSI)
	if err := p.AddressSpace().CopyIn(buf, uintptr(regs.RDI)); err != nil {
		return copyErrno(err).result()
	}

	f, err := tbl.cfg.FileSystem.Open(string(buf), regs.RDX)
	if err != nil {
		return errnoOf(err).result()
	}

	fd, ok := tbl.fileTableOf(p).install(f)
	if !ok {
		_ = f.Close()
		return EINVAL.result()
	}
	return int64(fd)
}

func (tbl *Table) sysRead(p *proc.Process, _ *sched.Thread, regs *gate.Registers) int64 {
	f := tbl.fileTableOf(p).get(regs.RDI)
	if f == nil {
		return EBADF.result()
	}

	buf := make([]byte, clampIO(regs.RDX))
	n, err := f.Read(buf)
	if err != nil {
		return errnoOf(err).result()
	}
	if err = p.AddressSpace().CopyOut(uintptr(regs.RSI), buf[:n]); err != nil {
		// Rewind so the data is not lost. Files that cannot seek, such as
		// the console, have nothing to rewind.
		_, _ = f.Seek(-int64(n), SeekCur)
		return copyErrno(err).result()
	}
	return int64(n)
}

func (tbl *Table) sysWrite(p *proc.Process, _ *sched.Thread, regs *gate.Registers) int64 {
	f := tbl.fileTableOf(p).get(regs.RDI)
	if f == nil {
		return EBADF.result()
	}

	buf := make([]byte, clampIO(regs.RDX))
	if err := p.AddressSpace().CopyIn(buf, uintptr(regs.RSI)); err != nil {
		return copyErrno(err).result()
	}

	n, err := f.Write(buf)
	if err != nil {
		return errnoOf(err).result()
	}
	return int64(n)
}

func (tbl *Table) sysSeek(p *proc.Process, _ *sched.Thread, regs *gate.Registers) int64 {
	f := tbl.fileTableOf(p).get(regs.RDI)
	if f == nil {
		return EBADF.result()
	}

	whence := int(regs.RDX)
	if whence != SeekSet && whence != SeekCur && whence != SeekEnd {
		return EINVAL.result()
	}

	off, err := f.Seek(int64(regs.RSI), whence)
	if err != nil {
		return errnoOf(err).result()
	}
	return off
}

func (tbl *Table) sysClose(p *proc.Process, _ *sched.Thread, regs *gate.Registers) int64 {
	f := tbl.fileTableOf(p).remove(regs.RDI)
	if f == nil {
		return EBADF.result()
	}
	if err := f.Close(); err != nil {
		return errnoOf(err).result()
	}
	return 0
}

func (tbl *Table) sysMmap(p *proc.Process, _ *sched.Thread, regs *gate.Registers) int64 {
	var (
		addr   = uintptr(regs.RDI)
		length = uintptr(regs.RSI)
		prot   = regs.RDX
		flags  = regs.R10
	)

	switch {
	case length == 0,
		prot&^(ProtRead|ProtWrite|ProtExec) != 0,
		flags&MapShared != 0,
		flags&(MapPrivate|MapAnonymous) != MapPrivate|MapAnonymous,
		flags&MapFixed != 0 && !mm.IsPageAligned(addr):
		return EINVAL.result()
	}

	var vmProt vm.Prot
	if prot&ProtRead != 0 {
		vmProt |= vm.ProtRead
	}
	if prot&ProtWrite != 0 {
		vmProt |= vm.ProtWrite
	}
	if prot&ProtExec != 0 {
		vmProt |= vm.ProtExec
	}

	base, err := p.AddressSpace().AllocateAnonymous(length, vmProt, addr, flags&MapFixed != 0)
	switch err {
	case nil:
	case vm.ErrOutOfRange:
		return EINVAL.result()
	default:
		return errnoOf(err).result()
	}
	return int64(base)
}

func (tbl *Table) sysSetTLS(_ *proc.Process, t *sched.Thread, regs *gate.Registers) int64 {
	if uintptr(regs.RDI) >= vmm.UserSpaceTop {
		return EFAULT.result()
	}

	tbl.cfg.Sched.SetFSBase(t, regs.RDI)
	return 0
}

func (tbl *Table) sysMapFramebuffer(p *proc.Process, _ *sched.Thread, regs *gate.Registers) int64 {
	fb := tbl.cfg.Framebuffer
	if fb == nil {
		return ENOENT.result()
	}

	as := p.AddressSpace()
	infoAddr := uintptr(regs.RDI)
	if !as.IsValidUserPointer(infoAddr, FramebufferInfoSize) {
		return EFAULT.result()
	}

	first := mm.FrameFromAddress(fb.PhysAddr)
	frames := make([]mm.Frame, mm.PageCount(mm.Size(fb.size()+(fb.PhysAddr&(mm.PageSize-1)))))
	for i := range frames {
		frames[i] = first + mm.Frame(i)
	}

	base, err := as.MapObject(vm.NewEager(frames, false), vm.ProtRead|vm.ProtWrite, 0, false)
	if err != nil {
		return errnoOf(err).result()
	}
	userAddr := base + fb.PhysAddr&(mm.PageSize-1)

	var info [FramebufferInfoSize]byte
	binary.LittleEndian.PutUint64(info[0:], uint64(userAddr))
	binary.LittleEndian.PutUint32(info[8:], fb.Width)
	binary.LittleEndian.PutUint32(info[12:], fb.Height)
	binary.LittleEndian.PutUint32(info[16:], fb.Pitch)
	binary.LittleEndian.PutUint32(info[20:], fb.BPP)
	if err = as.CopyOut(infoAddr, info[:]); err != nil {
		_ = as.Unmap(base, uintptr(len(frames))*mm.PageSize)
		return copyErrno(err).result()
	}

	return int64(userAddr)
}

// fileTableOf returns the descriptor table of p, creating it on first use.
func (tbl *Table) fileTableOf(p *proc.Process) *fileTable {
	tbl.lock.Acquire()
	defer tbl.lock.Release()

	ft, ok := tbl.files[p.PID()]
	if !ok {
		ft = newFileTable(p.PID())
		tbl.files[p.PID()] = ft
	}
	return ft
}

// processExited closes the files left open by p.
func (tbl *Table) processExited(p *proc.Process) {
	tbl.lock.Acquire()
	ft := tbl.files[p.PID()]
	delete(tbl.files, p.PID())
	tbl.lock.Release()

	if ft != nil {
		ft.closeAll()
	}
}

func clampIO(length uint64) uint64 {
	if length > maxIOLen {
		return maxIOLen
	}
	return length
}
