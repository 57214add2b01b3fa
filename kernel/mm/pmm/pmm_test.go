//go:build linux

package pmm

import (
	"bytes"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/hostmem"
	"strings"
	"testing"
)

func TestInit(t *testing.T) {
	ram, err := hostmem.New(4 * mm.Mb)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ram.Close() }()

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	memMap := []MemoryMapEntry{
		{PhysAddress: 0, Length: 0x9fc00, Type: MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x60400, Type: MemReserved},
		{PhysAddress: 0x100000, Length: 0x100000, Type: MemKernelAndModules},
		{PhysAddress: 0x200000, Length: 0x1ff800, Type: MemAvailable},
		{PhysAddress: 0x3ff800, Length: 0x800, Type: MemAcpiReclaimable},
	}

	alloc, kErr := Init(memMap, ram)
	if kErr != nil {
		t.Fatal(kErr)
	}

	// highest available frame ends at 0x3ff800 -> 0x3ff frames
	if exp, got := uint64(0x3ff), alloc.FrameCount(); got != exp {
		t.Fatalf("expected %d tracked frames; got %d", exp, got)
	}

	// 0x3ff frames need 16 bitmap words (one frame) stored at frame 1
	specs := []struct {
		frame   mm.Frame
		expFree bool
	}{
		{0, false},
		{1, false},
		{2, true},
		{0x9e, true},
		{0x9f, false},
		{0x100, false},
		{0x1ff, false},
		{0x200, true},
		{0x3fe, true},
	}

	for specIndex, spec := range specs {
		if got := alloc.IsFree(spec.frame); got != spec.expFree {
			t.Errorf("[spec %d] expected IsFree(0x%x) to return %t; got %t", specIndex, spec.frame, spec.expFree, got)
		}
	}

	// 0x9f - 2 frames in the low region and 0x1ff in the high region are free
	if exp, got := alloc.FrameCount()-(0x9d+0x1ff), alloc.UsedCount(); got != exp {
		t.Fatalf("expected used count %d; got %d", exp, got)
	}

	frame, kErr := alloc.AllocFrame()
	if kErr != nil || frame != mm.Frame(2) {
		t.Fatalf("expected first allocation to return frame 2; got %d, %v", frame, kErr)
	}

	out := buf.String()
	for _, exp := range []string{"[pmm] system memory map:", "type: kernel and modules", "[pmm] tracking 1023 frames"} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out)
		}
	}
}

func TestInitNoBitmapRegion(t *testing.T) {
	ram, err := hostmem.New(mm.Size(mm.PageSize))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ram.Close() }()

	memMap := []MemoryMapEntry{
		{PhysAddress: 0, Length: 0x1000, Type: MemAvailable},
		{PhysAddress: 0x1000, Length: 0x1000, Type: MemReserved},
	}

	if _, kErr := Init(memMap, ram); kErr != errNoBitmapRegion {
		t.Fatalf("expected errNoBitmapRegion; got %v", kErr)
	}
}

func TestMemoryEntryTypeString(t *testing.T) {
	specs := []struct {
		input MemoryEntryType
		exp   string
	}{
		{MemAvailable, "available"},
		{MemReserved, "reserved"},
		{MemAcpiReclaimable, "ACPI (reclaimable)"},
		{MemNvs, "NVS"},
		{MemBadMemory, "bad memory"},
		{MemBootloaderReclaimable, "bootloader (reclaimable)"},
		{MemKernelAndModules, "kernel and modules"},
		{MemFramebuffer, "framebuffer"},
		{MemoryEntryType(123), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.input.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
