package kfmt

import (
	"io"
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"sync/atomic"
)

var (
	// cpuHaltFn and cpuDisableInterruptsFn are mocked by tests.
	cpuHaltFn              = cpu.Halt
	cpuDisableInterruptsFn = cpu.DisableInterrupts

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}

	// panicking is set while a panic message is being printed. A second
	// panic raised by the output path halts without printing anything.
	panicking uint32

	// panicDumpFn prints extra kernel state after the panic banner.
	panicDumpFn func(io.Writer)
)

// OnPanic registers fn to print additional state, such as the thread table,
// when the kernel panics. fn receives the active output sink. Only the most
// recently registered function is kept.
func OnPanic(fn func(io.Writer)) {
	panicDumpFn = fn
}

// Panic prints the supplied error (if not nil) followed by any registered
// state dump, then disables interrupts and halts the CPU. Calls to Panic never
// return. Panic is also the redirection target for runtime.gopanic so plain
// panic() calls end up here.
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	if !atomic.CompareAndSwapUint32(&panicking, 0, 1) {
		cpuHaltFn()
		return
	}
	defer atomic.StoreUint32(&panicking, 0)

	cpuDisableInterruptsFn()

	Printf("\n-----------------------------------\n")
	if err := asKernelError(e); err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	if panicDumpFn != nil {
		panicDumpFn(outputSink)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

// asKernelError maps a panic value to the error that gets reported. Values
// other than *kernel.Error, error and string report nothing.
func asKernelError(e interface{}) *kernel.Error {
	switch t := e.(type) {
	case *kernel.Error:
		return t
	case string:
		errRuntimePanic.Message = t
	case error:
		errRuntimePanic.Message = t.Error()
	default:
		return nil
	}
	return errRuntimePanic
}

// panicString serves as a redirect target for runtime.throw
//
//go:redirect-from runtime.throw
func panicString(msg string) {
	Panic(msg)
}
