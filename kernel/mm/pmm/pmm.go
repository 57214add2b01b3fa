package pmm

import (
	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"unsafe"
)

var errNoBitmapRegion = &kernel.Error{Module: "pmm", Message: "no available memory region can hold the frame bitmap"}

// Init sets up the physical frame allocator from the memory map supplied by
// the bootloader. The bitmap is stored in the first available region that is
// large enough to hold it; phys provides access to that region. Frames that
// are adjacent in physical memory must also be adjacent in the views returned
// by phys.
func Init(memMap []MemoryMapEntry, phys mm.PhysicalMemory) (*BitmapAllocator, *kernel.Error) {
	printMemoryMap(memMap)

	var (
		pageSizeMinus1 = uint64(mm.PageSize - 1)
		highestFrame   uint64
	)

	for _, region := range memMap {
		if region.Type != MemAvailable {
			continue
		}

		if endFrame := (region.PhysAddress + region.Length) >> mm.PageShift; endFrame > highestFrame {
			highestFrame = endFrame
		}
	}

	var (
		frameCount   = highestFrame
		bitmapWords  = (frameCount + 63) >> 6
		bitmapFrames = mm.PageCount(mm.Size(bitmapWords << 3))
		bitmapFrame  = mm.InvalidFrame
	)

	// Reported addresses may not be page-aligned; round up to get the start
	// frame and round down to get the end frame. Frame 0 is never used.
	for _, region := range memMap {
		if region.Type != MemAvailable {
			continue
		}

		startFrame := (region.PhysAddress + pageSizeMinus1) >> mm.PageShift
		if startFrame == 0 {
			startFrame = 1
		}
		endFrame := (region.PhysAddress + region.Length) >> mm.PageShift

		if endFrame > startFrame && endFrame-startFrame >= bitmapFrames {
			bitmapFrame = mm.Frame(startFrame)
			break
		}
	}

	if !bitmapFrame.Valid() {
		return nil, errNoBitmapRegion
	}

	for i := uint64(0); i < bitmapFrames; i++ {
		mm.ZeroFrame(phys, bitmapFrame+mm.Frame(i))
	}

	bitmap := unsafe.Slice((*uint64)(unsafe.Pointer(&phys.FrameBytes(bitmapFrame)[0])), bitmapWords)
	alloc := NewBitmapAllocator(bitmap, frameCount)

	for _, region := range memMap {
		if region.Type == MemAvailable {
			alloc.MarkRangeFree(uintptr(region.PhysAddress), uintptr(region.Length))
		}
	}

	alloc.MarkRangeUsed(0, mm.PageSize)
	alloc.MarkRangeUsed(bitmapFrame.Address(), uintptr(bitmapFrames)<<mm.PageShift)

	kfmt.Printf("[pmm] tracking %d frames; bitmap uses %d frame(s) at 0x%x\n", frameCount, bitmapFrames, bitmapFrame.Address())
	kfmt.Printf("[pmm] free memory: %dKb\n", (frameCount-alloc.UsedCount())<<mm.PageShift/uint64(mm.Kb))

	return alloc, nil
}

// printMemoryMap prints out the system's memory map.
func printMemoryMap(memMap []MemoryMapEntry) {
	kfmt.Printf("[pmm] system memory map:\n")
	var totalFree mm.Size
	for _, region := range memMap {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == MemAvailable {
			totalFree += mm.Size(region.Length)
		}
	}
	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(totalFree/mm.Kb))
}
