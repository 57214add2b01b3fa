//go:build linux

package vmm

import (
	"bytes"
	"kestrel/kernel/gate"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"strings"
	"testing"
)

func TestMapTranslate(t *testing.T) {
	env := newTestEnv(t, nil)

	pm, err := env.paging.CreatePageMap()
	if err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		virt  uintptr
		count uint64
	}{
		{0x400000, 1},
		{0x7fffffe00000, 16},
		// crosses an L1 and an L2 table boundary
		{0x3ffff000, 4},
	}

	for specIndex, spec := range specs {
		env.flushed = env.flushed[:0]

		var firstFrame mm.Frame
		for i := uint64(0); i < spec.count; i++ {
			frame := env.allocFrame(t)
			if i == 0 {
				firstFrame = frame
			}
			// frames handed out by a fresh allocator are consecutive
			if frame != firstFrame+mm.Frame(i) {
				t.Fatalf("[spec %d] expected consecutive frames", specIndex)
			}
		}

		if err := pm.Map(firstFrame.Address(), spec.virt, spec.count, FlagRW|FlagUserAccessible); err != nil {
			t.Fatalf("[spec %d] map failed: %v", specIndex, err)
		}

		if exp, got := int(spec.count), len(env.flushed); got != exp {
			t.Errorf("[spec %d] expected %d TLB flushes; got %d", specIndex, exp, got)
		}

		for i := uint64(0); i < spec.count; i++ {
			virt := spec.virt + uintptr(i)<<mm.PageShift + 0x123
			phys, err := pm.Translate(virt)
			if err != nil {
				t.Fatalf("[spec %d] translate of 0x%x failed: %v", specIndex, virt, err)
			}

			if exp := (firstFrame+mm.Frame(i)).Address() + 0x123; phys != exp {
				t.Errorf("[spec %d] expected 0x%x to translate to 0x%x; got 0x%x", specIndex, virt, exp, phys)
			}

			frame, flags, ok := pm.Lookup(virt)
			if !ok || frame != firstFrame+mm.Frame(i) {
				t.Errorf("[spec %d] expected Lookup(0x%x) to return frame %d; got %d (%t)", specIndex, virt, firstFrame+mm.Frame(i), frame, ok)
			}

			if exp := FlagPresent | FlagRW | FlagUserAccessible; flags != exp {
				t.Errorf("[spec %d] expected leaf flags 0x%x; got 0x%x", specIndex, exp, flags)
			}
		}

		// Intermediate entries of user mappings must be user accessible
		pm.walk(spec.virt, func(pteLevel uint8, pte *pageTableEntry) bool {
			if !pte.HasFlags(FlagPresent | FlagUserAccessible) {
				t.Errorf("[spec %d] expected level %d entry to be present and user accessible", specIndex, pteLevel)
			}
			return true
		})
	}

	if _, err := pm.Translate(0x500000); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping for an unmapped address; got %v", err)
	}

	if _, _, ok := pm.Lookup(0x500000); ok {
		t.Fatal("expected Lookup to fail for an unmapped address")
	}
}

func TestMapKernelHalfIsShared(t *testing.T) {
	env := newTestEnv(t, nil)

	early, err := env.paging.CreatePageMap()
	if err != nil {
		t.Fatal(err)
	}

	virt, err := env.paging.ReserveKernelRegion(mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	frame := env.allocFrame(t)
	kernelTables := len(env.paging.Kernel().tables)

	// Mapping a kernel address through a process page map updates the
	// shared kernel tables.
	if err = early.Map(frame.Address(), virt, 1, FlagRW); err != nil {
		t.Fatal(err)
	}

	if len(early.tables) != 0 {
		t.Fatal("expected kernel tables not to be owned by the process page map")
	}

	if exp, got := kernelTables+2, len(env.paging.Kernel().tables); got != exp {
		t.Fatalf("expected the kernel page map to own %d tables; got %d", exp, got)
	}

	late, err := env.paging.CreatePageMap()
	if err != nil {
		t.Fatal(err)
	}

	for specIndex, pm := range []*PageMap{env.paging.Kernel(), early, late} {
		phys, err := pm.Translate(virt)
		if err != nil || phys != frame.Address() {
			t.Errorf("[spec %d] expected kernel mapping to be visible; got 0x%x, %v", specIndex, phys, err)
		}
	}
}

func TestMapErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	pm := env.paging.Kernel()

	specs := []struct {
		phys, virt uintptr
		count      uint64
		expErr     interface{}
	}{
		{0x1001, 0x400000, 1, errUnalignedAddress},
		{0x1000, 0x400001, 1, errUnalignedAddress},
		// straddles the end of the user half
		{0x1000, UserSpaceTop - mm.PageSize, 2, errInvalidRange},
		// higher half but below the kernel slots
		{0x1000, KernelSpaceBase, 1, errInvalidRange},
		// wraps around the top of the address space
		{0x1000, ^uintptr(0) &^ (mm.PageSize - 1), 2, errInvalidRange},
	}

	for specIndex, spec := range specs {
		if err := pm.Map(spec.phys, spec.virt, spec.count, FlagRW); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	if err := pm.Unmap(0x400001, 1); err != errUnalignedAddress {
		t.Errorf("expected Unmap to reject unaligned addresses; got %v", err)
	}

	if err := pm.Map(0x1000, 0x400000, 0, FlagRW); err != nil {
		t.Errorf("expected empty map request to succeed; got %v", err)
	}
}

func TestUnmapFreeProtect(t *testing.T) {
	env := newTestEnv(t, nil)

	pm, err := env.paging.CreatePageMap()
	if err != nil {
		t.Fatal(err)
	}

	frames := []mm.Frame{env.allocFrame(t), env.allocFrame(t), env.allocFrame(t)}
	for i, frame := range frames {
		flags := FlagRW | FlagUserAccessible
		if i == 2 {
			flags |= FlagBorrowed
		}
		if err = pm.Map(frame.Address(), 0x600000+uintptr(i)<<mm.PageShift, 1, flags); err != nil {
			t.Fatal(err)
		}
	}

	// Protect rewrites the flags of mapped pages and skips holes
	if err = pm.Protect(0x600000, 4, FlagUserAccessible|FlagCopyOnWrite); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		virt     uintptr
		expFlags PageTableEntryFlag
	}{
		{0x600000, FlagPresent | FlagUserAccessible | FlagCopyOnWrite},
		{0x601000, FlagPresent | FlagUserAccessible | FlagCopyOnWrite},
		{0x602000, FlagPresent | FlagUserAccessible | FlagCopyOnWrite | FlagBorrowed},
	}

	for specIndex, spec := range specs {
		frame, flags, ok := pm.Lookup(spec.virt)
		if !ok || frame != frames[specIndex] {
			t.Errorf("[spec %d] expected Protect to keep the mapped frame", specIndex)
		}
		if flags != spec.expFlags {
			t.Errorf("[spec %d] expected flags 0x%x; got 0x%x", specIndex, spec.expFlags, flags)
		}
	}

	if _, _, ok := pm.Lookup(0x603000); ok {
		t.Fatal("expected Protect not to create mappings for holes")
	}

	// Unmap keeps the frame allocated
	if err = pm.Unmap(0x600000, 1); err != nil {
		t.Fatal(err)
	}
	if env.alloc.IsFree(frames[0]) {
		t.Fatal("expected Unmap not to release the frame")
	}

	// Free releases owned frames only
	if err = pm.Free(0x600000, 3); err != nil {
		t.Fatal(err)
	}

	for i, exp := range []bool{false, true, false} {
		if got := env.alloc.IsFree(frames[i]); got != exp {
			t.Errorf("[frame %d] expected IsFree to return %t; got %t", i, exp, got)
		}
	}

	for i := uintptr(0); i < 3; i++ {
		if _, err := pm.Translate(0x600000 + i<<mm.PageShift); err != ErrInvalidMapping {
			t.Errorf("[page %d] expected page to be unmapped; got %v", i, err)
		}
	}
}

func TestActivate(t *testing.T) {
	env := newTestEnv(t, nil)

	pm, err := env.paging.CreatePageMap()
	if err != nil {
		t.Fatal(err)
	}

	pm.Activate()
	if exp := pm.Root().Address(); env.active != exp {
		t.Fatalf("expected root table 0x%x to be activated; got 0x%x", exp, env.active)
	}
}

func TestFaultCode(t *testing.T) {
	specs := []struct {
		code     FaultCode
		exp      string
		expWrite bool
		expUser  bool
	}{
		{0, "read from non-present page", false, false},
		{FaultPresent, "page protection violation (read)", false, false},
		{FaultWrite | FaultUser, "write to non-present page", true, true},
		{FaultPresent | FaultWrite, "page protection violation (write)", true, false},
		{FaultReservedBit | FaultPresent, "page table has reserved bit set", false, false},
		{FaultInstructionFetch | FaultUser, "instruction fetch", false, true},
	}

	for specIndex, spec := range specs {
		if got := spec.code.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
		if got := spec.code.IsWrite(); got != spec.expWrite {
			t.Errorf("[spec %d] expected IsWrite to return %t; got %t", specIndex, spec.expWrite, got)
		}
		if got := spec.code.IsUser(); got != spec.expUser {
			t.Errorf("[spec %d] expected IsUser to return %t; got %t", specIndex, spec.expUser, got)
		}
	}
}

func TestPrintFaults(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	regs := &gate.Registers{Info: uint64(FaultWrite | FaultUser), RIP: 0xdead}
	PrintPageFault(0xbadf00d, regs)

	out := buf.String()
	for _, exp := range []string{
		"Page fault while accessing address: 0x000000000badf00d",
		"Reason: write to non-present page (user-mode)",
		"RIP = 000000000000dead",
	} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out)
		}
	}

	buf.Reset()
	PrintGeneralProtectionFault(&gate.Registers{Info: 0x18})
	if out = buf.String(); !strings.Contains(out, "General protection fault (selector index: 0x18)") {
		t.Errorf("unexpected GPF output:\n%s", out)
	}
}
