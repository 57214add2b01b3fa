package vmm

import (
	"kestrel/kernel/gate"
	"kestrel/kernel/kfmt"
)

// FaultCode is the error code pushed by the CPU for page faults.
type FaultCode uint64

const (
	// FaultPresent is set when the fault was caused by a protection
	// violation on a present page.
	FaultPresent FaultCode = 1 << iota

	// FaultWrite is set for write accesses.
	FaultWrite

	// FaultUser is set when the access originated in user mode.
	FaultUser

	// FaultReservedBit is set when a page table entry has a reserved bit set.
	FaultReservedBit

	// FaultInstructionFetch is set when the fault was caused by an
	// instruction fetch.
	FaultInstructionFetch
)

// IsWrite returns true if the faulting access was a write.
func (c FaultCode) IsWrite() bool { return c&FaultWrite != 0 }

// IsPresent returns true if the faulting page was present.
func (c FaultCode) IsPresent() bool { return c&FaultPresent != 0 }

// IsUser returns true if the faulting access originated in user mode.
func (c FaultCode) IsUser() bool { return c&FaultUser != 0 }

// String implements fmt.Stringer for FaultCode.
func (c FaultCode) String() string {
	switch {
	case c&FaultReservedBit != 0:
		return "page table has reserved bit set"
	case c&FaultInstructionFetch != 0:
		return "instruction fetch"
	case c&(FaultPresent|FaultWrite) == 0:
		return "read from non-present page"
	case c&(FaultPresent|FaultWrite) == FaultPresent:
		return "page protection violation (read)"
	case c&(FaultPresent|FaultWrite) == FaultWrite:
		return "write to non-present page"
	default:
		return "page protection violation (write)"
	}
}

// PrintPageFault outputs the details of a page fault that could not be
// resolved followed by a register dump.
func PrintPageFault(faultAddress uintptr, regs *gate.Registers) {
	var (
		code = FaultCode(regs.Info)
		mode = "kernel"
	)

	if code.IsUser() {
		mode = "user"
	}

	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: %s (%s-mode)\n", faultAddress, code.String(), mode)
	kfmt.Printf("\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())
}

// PrintGeneralProtectionFault outputs the details of a general protection
// fault followed by a register dump.
func PrintGeneralProtectionFault(regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault (selector index: 0x%x)\n", regs.Info)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())
}
