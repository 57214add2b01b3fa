//go:build linux

// Package hostmem simulates physical RAM inside a host process. It backs
// frame allocator, paging and address space tests as well as the kernsim
// simulator; the kernel image itself accesses RAM through mm.DirectMap.
package hostmem

import (
	"kestrel/kernel"
	"kestrel/kernel/mm"

	"golang.org/x/sys/unix"
)

var errFrameOutOfRange = &kernel.Error{Module: "hostmem", Message: "frame outside simulated RAM"}

// RAM is a block of anonymous host memory addressed by frame number.
type RAM struct {
	mem    []byte
	frames uint64
}

// New maps size bytes (rounded up to a page multiple) of zeroed memory.
func New(size mm.Size) (*RAM, error) {
	frames := mm.PageCount(size)
	mem, err := unix.Mmap(-1, 0, int(frames<<mm.PageShift), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}

	return &RAM{mem: mem, frames: frames}, nil
}

// FrameCount returns the number of simulated frames.
func (r *RAM) FrameCount() uint64 {
	return r.frames
}

// Size returns the size of the simulated RAM in bytes.
func (r *RAM) Size() mm.Size {
	return mm.Size(len(r.mem))
}

// FrameBytes implements mm.PhysicalMemory. Accessing a frame outside the
// simulated RAM is a fatal error just like touching a non-existent physical
// address would be.
func (r *RAM) FrameBytes(f mm.Frame) []byte {
	if uint64(f) >= r.frames {
		panic(errFrameOutOfRange)
	}

	start := f.Address()
	return r.mem[start : start+mm.PageSize : start+mm.PageSize]
}

// Discard tells the host that the contents of f are no longer needed. The
// next access observes a zeroed frame.
func (r *RAM) Discard(f mm.Frame) error {
	if uint64(f) >= r.frames {
		return errFrameOutOfRange
	}

	start := f.Address()
	return unix.Madvise(r.mem[start:start+mm.PageSize], unix.MADV_DONTNEED)
}

// Close releases the host memory backing r.
func (r *RAM) Close() error {
	if r.mem == nil {
		return nil
	}

	err := unix.Munmap(r.mem)
	r.mem, r.frames = nil, 0
	return err
}
