// Package gate routes interrupts, exceptions and system calls delivered by
// the low-level entry trampolines to the registered kernel handlers.
package gate

import (
	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/sync"
)

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = InterruptNumber(2)

	// Breakpoint is raised by the INT3 instruction.
	Breakpoint = InterruptNumber(3)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available or while
	// FPU/MMX/SSE support has been disabled by manipulating the CR0
	// register.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1.
	SIMDFloatingPointException = InterruptNumber(19)

	// IRQBase is the first vector used by hardware interrupts.
	IRQBase = InterruptNumber(32)

	// TimerVector is raised by the periodic per-core timer.
	TimerVector = IRQBase

	// SyscallVector is the software interrupt used for system calls.
	SyscallVector = InterruptNumber(0x80)

	// YieldVector is the software interrupt raised by cpu.Yield to enter
	// the scheduler voluntarily.
	YieldVector = InterruptNumber(0x81)
)

var (
	handlersLock sync.RWSpinlock
	handlers     [256]func(*Registers)

	// eoiFn acknowledges hardware interrupts with the interrupt controller.
	eoiFn func(InterruptNumber)

	errUnhandledInterrupt = &kernel.Error{Module: "gate", Message: "unhandled interrupt"}
)

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. Passing a nil handler removes any
// previously registered handler.
func HandleInterrupt(intNumber InterruptNumber, handler func(*Registers)) {
	handlersLock.Lock()
	handlers[intNumber] = handler
	handlersLock.Unlock()
}

// SetEOIHandler registers the function that signals end-of-interrupt to the
// interrupt controller. It is invoked after the handler of every hardware
// interrupt vector returns.
func SetEOIHandler(fn func(InterruptNumber)) {
	handlersLock.Lock()
	eoiFn = fn
	handlersLock.Unlock()
}

// Dispatch is invoked by the entry trampolines with the vector number and the
// saved register frame. Handlers may modify regs; the trampoline restores the
// (possibly updated) frame when Dispatch returns. An interrupt without a
// handler is fatal.
func Dispatch(intNumber InterruptNumber, regs *Registers) {
	handlersLock.RLock()
	handler, eoi := handlers[intNumber], eoiFn
	handlersLock.RUnlock()

	if handler == nil {
		kfmt.Printf("\nUnhandled interrupt %d (info: 0x%x)\nRegisters:\n", uint8(intNumber), regs.Info)
		regs.DumpTo(kfmt.GetOutputSink())
		panic(errUnhandledInterrupt)
	}

	handler(regs)

	if eoi != nil && intNumber >= IRQBase && intNumber < SyscallVector {
		eoi(intNumber)
	}
}
