package mm

import (
	"kestrel/kernel"
	"math"
	"unsafe"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr &^ PageOffsetMask) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (f Page) Address() uintptr {
	return uintptr(f << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr &^ PageOffsetMask) >> PageShift)
}

// IsPageAligned returns true if addr is a multiple of PageSize.
func IsPageAligned(addr uintptr) bool {
	return addr&PageOffsetMask == 0
}

// PageCount returns the number of pages needed to hold size bytes.
func PageCount(size Size) uint64 {
	return uint64((size + Size(PageSize-1)) >> PageShift)
}

// FrameAllocator is implemented by physical frame allocators. Allocators are
// handed to their consumers explicitly; there is no global allocator.
type FrameAllocator interface {
	// AllocFrame reserves a free frame.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame returns a frame previously obtained by AllocFrame.
	FreeFrame(Frame) *kernel.Error
}

// PhysicalMemory provides access to the contents of physical frames.
type PhysicalMemory interface {
	// FrameBytes returns a PageSize-long slice aliasing the contents of f.
	FrameBytes(f Frame) []byte
}

// DirectMap implements PhysicalMemory for a kernel that maps all physical
// memory at a fixed virtual offset (the higher-half direct map set up by the
// bootloader).
type DirectMap struct {
	Offset uintptr
}

// FrameBytes implements PhysicalMemory.
func (m DirectMap) FrameBytes(f Frame) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(m.Offset+f.Address())), PageSize)
}

// ZeroFrame clears the contents of f.
func ZeroFrame(phys PhysicalMemory, f Frame) {
	kernel.Memset(phys.FrameBytes(f), 0)
}

// CopyFrame copies the contents of frame src into frame dst.
func CopyFrame(phys PhysicalMemory, dst, src Frame) {
	kernel.Memcopy(phys.FrameBytes(src), phys.FrameBytes(dst))
}
