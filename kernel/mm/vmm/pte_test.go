package vmm

import (
	"kestrel/kernel/mm"
	"testing"
)

func TestPageTableEntryFlags(t *testing.T) {
	var pte pageTableEntry

	pte.SetFrame(mm.Frame(0xabcde))
	pte.SetFlags(FlagPresent | FlagCopyOnWrite | FlagNoExecute)

	if !pte.HasFlags(FlagPresent | FlagNoExecute) {
		t.Fatal("expected HasFlags to return true")
	}

	if pte.HasFlags(FlagPresent | FlagRW) {
		t.Fatal("expected HasFlags to return false when a flag is missing")
	}

	if !pte.HasAnyFlag(FlagRW | FlagCopyOnWrite) {
		t.Fatal("expected HasAnyFlag to return true")
	}

	if exp, got := FlagPresent|FlagCopyOnWrite|FlagNoExecute, pte.Flags(); got != exp {
		t.Fatalf("expected Flags to return 0x%x; got 0x%x", exp, got)
	}

	pte.ClearFlags(FlagCopyOnWrite)
	pte.SetFlags(FlagRW)

	if pte.HasAnyFlag(FlagCopyOnWrite) || !pte.HasFlags(FlagRW) {
		t.Fatal("expected copy-on-write to be replaced by RW")
	}

	if exp, got := mm.Frame(0xabcde), pte.Frame(); got != exp {
		t.Fatalf("expected flag updates to preserve frame %d; got %d", exp, got)
	}

	pte.SetFrame(mm.Frame(1))
	if exp, got := mm.Frame(1), pte.Frame(); got != exp {
		t.Fatalf("expected frame %d; got %d", exp, got)
	}

	if !pte.HasFlags(FlagRW | FlagNoExecute) {
		t.Fatal("expected SetFrame to preserve the entry flags")
	}
}

func TestPageOffset(t *testing.T) {
	specs := []struct {
		virt, exp uintptr
	}{
		{0, 0},
		{0x1fff, 0xfff},
		{0xffff800000000123, 0x123},
	}

	for specIndex, spec := range specs {
		if got := PageOffset(spec.virt); got != spec.exp {
			t.Errorf("[spec %d] expected offset 0x%x; got 0x%x", specIndex, spec.exp, got)
		}
	}
}
