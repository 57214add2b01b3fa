package proc

import (
	"encoding/binary"
	"kestrel/kernel"
	"kestrel/kernel/gate"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm/vmm"
)

// maxStackFrames bounds the frame-pointer walk of a faulting process.
const maxStackFrames = 16

var (
	errKernelPageFault = &kernel.Error{Module: "proc", Message: "unrecoverable page fault in kernel mode"}
	errKernelGPF       = &kernel.Error{Module: "proc", Message: "general protection fault in kernel mode"}
)

// HandlePageFault resolves a page fault taken on coreID. Faults that the
// address space of the current process can resolve return silently. Any
// other user-mode fault kills the faulting process and switches regs to the
// next thread; kernel-mode faults are fatal.
func (tbl *Table) HandlePageFault(coreID int, regs *gate.Registers) {
	var (
		addr = tbl.cfg.ReadFaultAddress()
		code = vmm.FaultCode(regs.Info)
	)

	if !regs.FromUserMode() {
		vmm.PrintPageFault(addr, regs)
		panic(errKernelPageFault)
	}

	_, p := tbl.Current(coreID)
	if p == nil {
		vmm.PrintPageFault(addr, regs)
		panic(errUnknownThread)
	}

	// Present pages only fault on instruction fetches from non-executable
	// regions or on writes; the latter are resolvable.
	if !(code.IsPresent() && code&vmm.FaultInstructionFetch != 0) {
		if err := p.as.HandleFault(addr, code.IsWrite()); err == nil {
			return
		}
	}

	kfmt.Printf("[proc] killing pid %d (%s)\n", p.pid, p.name)
	vmm.PrintPageFault(addr, regs)
	tbl.kill(coreID, p, regs)
}

// HandleGPF handles general protection faults. User-mode faults kill the
// faulting process; kernel-mode faults are fatal.
func (tbl *Table) HandleGPF(coreID int, regs *gate.Registers) {
	if !regs.FromUserMode() {
		vmm.PrintGeneralProtectionFault(regs)
		panic(errKernelGPF)
	}

	_, p := tbl.Current(coreID)
	if p == nil {
		vmm.PrintGeneralProtectionFault(regs)
		panic(errUnknownThread)
	}

	kfmt.Printf("[proc] killing pid %d (%s)\n", p.pid, p.name)
	vmm.PrintGeneralProtectionFault(regs)
	tbl.kill(coreID, p, regs)
}

func (tbl *Table) kill(coreID int, p *Process, regs *gate.Registers) {
	tbl.printStackTrace(p, regs)
	tbl.Exit(p, ExitCodeFault)
	tbl.cfg.Sched.Yield(coreID, regs)
}

// printStackTrace follows the saved frame pointer chain of the faulting
// thread. Only frames that are already mapped are visited.
func (tbl *Table) printStackTrace(p *Process, regs *gate.Registers) {
	kfmt.Printf("\nStack trace:\n  0x%16x\n", regs.RIP)

	var (
		frame = uintptr(regs.RBP)
		buf   [16]byte
	)

	for i := 0; i < maxStackFrames && frame != 0; i++ {
		if !p.as.ReadMapped(buf[:], frame) {
			break
		}

		ret := binary.LittleEndian.Uint64(buf[8:])
		if ret == 0 {
			break
		}
		kfmt.Printf("  0x%16x\n", ret)

		next := uintptr(binary.LittleEndian.Uint64(buf[:8]))
		if next <= frame {
			break
		}
		frame = next
	}
}
