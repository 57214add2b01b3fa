package proc

import (
	"io"
	"kestrel/kernel/mm/vm"
)

// SegmentFlag describes the access rights of a loadable segment.
type SegmentFlag uint8

const (
	// SegmentExec marks an executable segment.
	SegmentExec SegmentFlag = 1 << iota

	// SegmentWrite marks a writable segment.
	SegmentWrite

	// SegmentRead marks a readable segment.
	SegmentRead
)

// prot converts the segment flags to region access rights.
func (f SegmentFlag) prot() vm.Prot {
	var p vm.Prot
	if f&SegmentRead != 0 {
		p |= vm.ProtRead
	}
	if f&SegmentWrite != 0 {
		p |= vm.ProtWrite
	}
	if f&SegmentExec != 0 {
		p |= vm.ProtExec
	}
	return p
}

// Segment describes one loadable part of an executable image. The first
// FileSize bytes are read from Data starting at Offset; the remaining
// MemSize-FileSize bytes are zero-filled.
type Segment struct {
	VirtAddr uintptr
	MemSize  uint64
	FileSize uint64
	Offset   int64
	Data     io.ReaderAt
	Flags    SegmentFlag
}

// Image is implemented by the executable loader.
type Image interface {
	// Entry returns the address of the first user instruction.
	Entry() uintptr

	// ProgramHeaders returns the user address of the program header
	// table, passed to the entry point in RDI.
	ProgramHeaders() uintptr

	// Segments returns the loadable segments of the image.
	Segments() []Segment
}
