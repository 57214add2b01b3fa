package cpu

import "unsafe"

var (
	cpuidFn = ID

	// ThreadStartFn runs the body of the kernel thread with the supplied
	// id. It is installed by the scheduler.
	ThreadStartFn func(id uint64)
)

const (
	// msrFSBase is the model specific register holding the FS segment base
	// used by user-mode thread local storage.
	msrFSBase = 0xc0000100

	// cpuidFeatureFXSR is the EDX bit reported by CPUID leaf 1 when the
	// FXSAVE/FXRSTOR instructions are available.
	cpuidFeatureFXSR = 1 << 24
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// InterruptsEnabled returns true if the IF flag is set.
func InterruptsEnabled() bool

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// writeMSR stores value into the model specific register msr.
func writeMSR(msr uint32, value uint64)

// fxsave stores the FPU/SSE state into the 16-byte aligned area.
func fxsave(area unsafe.Pointer)

// fxrstor loads the FPU/SSE state from the 16-byte aligned area.
func fxrstor(area unsafe.Pointer)

// Yield raises the software interrupt that enters the scheduler.
func Yield()

// idleLoop enables interrupts and halts until the next one arrives, forever.
func idleLoop()

// IdleLoopAddr returns the entry point of the idle loop used by the
// per-core idle threads.
func IdleLoopAddr() uintptr

// threadEntry calls startThread with the id the scheduler stored in RDI.
func threadEntry()

// ThreadEntryAddr returns the entry point of new kernel threads.
func ThreadEntryAddr() uintptr

func startThread(id uint64) {
	ThreadStartFn(id)
}

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// HasFXSR returns true if the CPU supports FXSAVE/FXRSTOR.
func HasFXSR() bool {
	_, _, _, edx := cpuidFn(1)
	return edx&cpuidFeatureFXSR != 0
}

// SaveFPU stores the current FPU/SSE register state into s.
func SaveFPU(s *FPUState) {
	fxsave(unsafe.Pointer(&s.Area()[0]))
}

// RestoreFPU loads the FPU/SSE register state from s.
func RestoreFPU(s *FPUState) {
	fxrstor(unsafe.Pointer(&s.Area()[0]))
}

// SetFSBase updates the FS segment base used for thread local storage.
func SetFSBase(base uint64) {
	writeMSR(msrFSBase, base)
}
