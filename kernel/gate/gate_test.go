package gate

import (
	"bytes"
	"kestrel/kernel/kfmt"
	"strings"
	"testing"
)

func TestRegistersDumpTo(t *testing.T) {
	regs := Registers{
		RAX: 1, RBX: 2, RCX: 3, RDX: 4, RSI: 5, RDI: 6, RBP: 7,
		R8: 8, R9: 9, R10: 10, R11: 11, R12: 12, R13: 13, R14: 14, R15: 15,
		RIP: 16, CS: 17, RFlags: 18, RSP: 19, SS: 20,
	}

	exp := "RAX = 0000000000000001 RBX = 0000000000000002\n" +
		"RCX = 0000000000000003 RDX = 0000000000000004\n" +
		"RSI = 0000000000000005 RDI = 0000000000000006\n" +
		"RBP = 0000000000000007\n" +
		"R8  = 0000000000000008 R9  = 0000000000000009\n" +
		"R10 = 000000000000000a R11 = 000000000000000b\n" +
		"R12 = 000000000000000c R13 = 000000000000000d\n" +
		"R14 = 000000000000000e R15 = 000000000000000f\n" +
		"\n" +
		"RIP = 0000000000000010 CS  = 0000000000000011\n" +
		"RSP = 0000000000000013 SS  = 0000000000000014\n" +
		"RFL = 0000000000000012\n"

	var buf bytes.Buffer
	regs.DumpTo(&buf)

	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}

func TestFromUserMode(t *testing.T) {
	specs := []struct {
		cs  uint64
		exp bool
	}{
		{KernelCodeSelector, false},
		{UserCodeSelector, true},
		{UserDataSelector, true},
	}

	for specIndex, spec := range specs {
		regs := Registers{CS: spec.cs}
		if got := regs.FromUserMode(); got != spec.exp {
			t.Errorf("[spec %d] expected FromUserMode to return %t; got %t", specIndex, spec.exp, got)
		}
	}
}

func TestDispatch(t *testing.T) {
	defer func() {
		for i := range handlers {
			handlers[i] = nil
		}
		SetEOIHandler(nil)
	}()

	var (
		handled []InterruptNumber
		acked   []InterruptNumber
	)

	for _, num := range []InterruptNumber{PageFaultException, TimerVector, IRQBase + 1, SyscallVector, YieldVector} {
		HandleInterrupt(num, func(regs *Registers) {
			handled = append(handled, InterruptNumber(regs.Info))
			regs.RAX = 0xbadf00d
		})
	}
	SetEOIHandler(func(num InterruptNumber) { acked = append(acked, num) })

	specs := []struct {
		num    InterruptNumber
		expEOI bool
	}{
		{PageFaultException, false},
		{TimerVector, true},
		{IRQBase + 1, true},
		{SyscallVector, false},
		{YieldVector, false},
	}

	for specIndex, spec := range specs {
		handled, acked = nil, nil
		regs := Registers{Info: uint64(spec.num)}

		Dispatch(spec.num, &regs)

		if len(handled) != 1 || handled[0] != spec.num {
			t.Errorf("[spec %d] expected handler for vector %d to run once; got %v", specIndex, spec.num, handled)
		}

		if regs.RAX != 0xbadf00d {
			t.Errorf("[spec %d] expected handler changes to the register frame to be preserved", specIndex)
		}

		if gotEOI := len(acked) == 1 && acked[0] == spec.num; gotEOI != spec.expEOI {
			t.Errorf("[spec %d] expected EOI to be sent: %t; acked vectors: %v", specIndex, spec.expEOI, acked)
		}
	}
}

func TestDispatchUnhandled(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	HandleInterrupt(InvalidOpcode, nil)

	defer func() {
		if err := recover(); err != errUnhandledInterrupt {
			t.Fatalf("expected panic with errUnhandledInterrupt; got %v", err)
		}

		if out := buf.String(); !strings.Contains(out, "Unhandled interrupt 6") || !strings.Contains(out, "RIP = ") {
			t.Fatalf("expected a register dump for the unhandled interrupt; got:\n%s", out)
		}
	}()

	Dispatch(InvalidOpcode, &Registers{})
}
