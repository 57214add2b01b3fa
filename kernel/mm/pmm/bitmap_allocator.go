// Package pmm implements the physical frame allocator.
package pmm

import (
	"kestrel/kernel"
	"kestrel/kernel/mm"
	"kestrel/kernel/sync"
	"math/bits"
)

var (
	// ErrOutOfMemory is returned by AllocFrame when every frame is in use.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errBitmapTooSmall  = &kernel.Error{Module: "pmm", Message: "bitmap cannot track the requested number of frames"}
	errDoubleFree      = &kernel.Error{Module: "pmm", Message: "attempted to free a frame that is not allocated"}
	errFrameOutOfRange = &kernel.Error{Module: "pmm", Message: "attempted to free a frame outside the tracked range"}
)

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations using a bitmap with one bit per frame. A set bit marks a
// frame as in use.
type BitmapAllocator struct {
	mutex sync.Spinlock

	bitmap     []uint64
	frameCount uint64
	usedCount  uint64

	// cursor is the frame index where the next search starts. It only moves
	// forward on allocations and is rewound when a lower frame gets freed.
	cursor uint64
}

// NewBitmapAllocator returns an allocator that tracks frameCount frames using
// the supplied bitmap storage. All frames start out as used; callers seed the
// free ranges via MarkRangeFree.
func NewBitmapAllocator(bitmap []uint64, frameCount uint64) *BitmapAllocator {
	if uint64(len(bitmap))*64 < frameCount {
		panic(errBitmapTooSmall)
	}

	for i := range bitmap {
		bitmap[i] = ^uint64(0)
	}

	return &BitmapAllocator{
		bitmap:     bitmap,
		frameCount: frameCount,
		usedCount:  frameCount,
	}
}

// AllocFrame reserves the first free frame at or after the cursor, wrapping
// around once. It returns ErrOutOfMemory if no free frame exists.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if alloc.usedCount == alloc.frameCount {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	var (
		wordCount = (alloc.frameCount + 63) >> 6
		startWord = alloc.cursor >> 6
	)

	for i := uint64(0); i <= wordCount; i++ {
		wordIndex := (startWord + i) % wordCount
		word := alloc.bitmap[wordIndex]
		if word == ^uint64(0) {
			continue
		}

		// Skip free bits preceding the cursor in the first word; the
		// final wrapped iteration revisits them.
		if i == 0 {
			word |= (uint64(1) << (alloc.cursor & 63)) - 1
			if word == ^uint64(0) {
				continue
			}
		}

		frameIndex := wordIndex<<6 + uint64(bits.TrailingZeros64(^word))
		if frameIndex >= alloc.frameCount {
			continue
		}

		alloc.bitmap[wordIndex] |= 1 << (frameIndex & 63)
		alloc.usedCount++
		alloc.cursor = frameIndex + 1
		if alloc.cursor == alloc.frameCount {
			alloc.cursor = 0
		}
		return mm.Frame(frameIndex), nil
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame releases a frame previously obtained via AllocFrame. Freeing a
// frame that is not allocated or that the allocator does not track is an
// invariant violation that halts the system.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	frameIndex := uint64(frame)
	if !frame.Valid() || frameIndex >= alloc.frameCount {
		panic(errFrameOutOfRange)
	}

	mask := uint64(1) << (frameIndex & 63)
	if alloc.bitmap[frameIndex>>6]&mask == 0 {
		panic(errDoubleFree)
	}

	alloc.bitmap[frameIndex>>6] &^= mask
	alloc.usedCount--
	if frameIndex < alloc.cursor {
		alloc.cursor = frameIndex
	}

	return nil
}

// MarkRangeFree flags the frames fully contained in [base, base+size) as
// free. Partial frames at either edge of the range stay used.
func (alloc *BitmapAllocator) MarkRangeFree(base, size uintptr) {
	pageSizeMinus1 := mm.PageSize - 1
	start := uint64((base + pageSizeMinus1) >> mm.PageShift)
	end := uint64((base + size) >> mm.PageShift)

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if end > alloc.frameCount {
		end = alloc.frameCount
	}

	for frameIndex := start; frameIndex < end; frameIndex++ {
		mask := uint64(1) << (frameIndex & 63)
		if alloc.bitmap[frameIndex>>6]&mask != 0 {
			alloc.bitmap[frameIndex>>6] &^= mask
			alloc.usedCount--
		}
	}

	if start < end && start < alloc.cursor {
		alloc.cursor = start
	}
}

// MarkRangeUsed flags every frame that overlaps [base, base+size) as used.
func (alloc *BitmapAllocator) MarkRangeUsed(base, size uintptr) {
	pageSizeMinus1 := mm.PageSize - 1
	start := uint64(base >> mm.PageShift)
	end := uint64((base + size + pageSizeMinus1) >> mm.PageShift)

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if end > alloc.frameCount {
		end = alloc.frameCount
	}

	for frameIndex := start; frameIndex < end; frameIndex++ {
		mask := uint64(1) << (frameIndex & 63)
		if alloc.bitmap[frameIndex>>6]&mask == 0 {
			alloc.bitmap[frameIndex>>6] |= mask
			alloc.usedCount++
		}
	}
}

// IsFree returns true if frame is tracked by the allocator and not in use.
func (alloc *BitmapAllocator) IsFree(frame mm.Frame) bool {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	frameIndex := uint64(frame)
	if frameIndex >= alloc.frameCount {
		return false
	}
	return alloc.bitmap[frameIndex>>6]&(1<<(frameIndex&63)) == 0
}

// UsedCount returns the number of frames currently in use.
func (alloc *BitmapAllocator) UsedCount() uint64 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.usedCount
}

// FrameCount returns the number of frames tracked by the allocator.
func (alloc *BitmapAllocator) FrameCount() uint64 {
	return alloc.frameCount
}
