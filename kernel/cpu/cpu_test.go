package cpu

import (
	"testing"
	"unsafe"
)

func TestFPUStateArea(t *testing.T) {
	var states [4]FPUState

	for i := range states {
		area := states[i].Area()
		if exp, got := fpuStateSize, len(area); got != exp {
			t.Fatalf("[state %d] expected area length %d; got %d", i, exp, got)
		}

		if addr := uintptr(unsafe.Pointer(&area[0])); addr%16 != 0 {
			t.Errorf("[state %d] expected 16-byte aligned area; got address 0x%x", i, addr)
		}
	}
}

func TestFPUStateReset(t *testing.T) {
	var s FPUState
	area := s.Area()
	for i := range area {
		area[i] = 0xaa
	}

	s.Reset()

	if got := uint16(area[fcwOffset]) | uint16(area[fcwOffset+1])<<8; got != defaultFCW {
		t.Errorf("expected FCW to be 0x%x; got 0x%x", defaultFCW, got)
	}

	if got := uint32(area[mxcsrOffset]) | uint32(area[mxcsrOffset+1])<<8; got != defaultMXCSR {
		t.Errorf("expected MXCSR to be 0x%x; got 0x%x", defaultMXCSR, got)
	}

	if area[100] != 0 {
		t.Errorf("expected the rest of the image to be cleared")
	}

	var other FPUState
	other.CopyFrom(&s)
	if got := other.Area()[mxcsrOffset]; got != area[mxcsrOffset] {
		t.Errorf("expected CopyFrom to copy the image contents")
	}
}
