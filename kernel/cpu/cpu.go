// Package cpu exposes the privileged amd64 instructions used by the kernel
// core. Everything in this package faults when executed outside ring 0, so
// callers reach it through function hooks that tests replace.
package cpu

import "unsafe"

const (
	// fpuStateSize is the size of an FXSAVE image.
	fpuStateSize = 512

	// defaultFCW masks all x87 exceptions and selects double-extended
	// precision (the value loaded by FNINIT).
	defaultFCW = 0x037f

	// defaultMXCSR masks all SSE exceptions (the power-on value).
	defaultMXCSR = 0x1f80

	fcwOffset   = 0
	mxcsrOffset = 24
)

// FPUState holds the x87/SSE register image saved by FXSAVE. The hardware
// requires a 16-byte aligned save area; the extra bytes allow Area to return
// an aligned view regardless of where the struct ends up in memory.
type FPUState struct {
	buf [fpuStateSize + 16]byte
}

// Area returns the 16-byte aligned FXSAVE image.
func (s *FPUState) Area() []byte {
	base := unsafe.Pointer(&s.buf[0])
	skew := (16 - uintptr(base)%16) % 16
	return s.buf[skew : skew+fpuStateSize]
}

// Reset loads the image with the register state of a freshly initialized
// FPU so that a thread that never touched the FPU can still be restored.
func (s *FPUState) Reset() {
	area := s.Area()
	for i := range area {
		area[i] = 0
	}

	area[fcwOffset] = byte(defaultFCW & 0xff)
	area[fcwOffset+1] = byte(defaultFCW >> 8)
	area[mxcsrOffset] = byte(defaultMXCSR & 0xff)
	area[mxcsrOffset+1] = byte(defaultMXCSR >> 8)
}

// CopyFrom replaces the contents of s with the contents of other.
func (s *FPUState) CopyFrom(other *FPUState) {
	copy(s.Area(), other.Area())
}
