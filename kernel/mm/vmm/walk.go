package vmm

import (
	"kestrel/kernel/mm"
	"unsafe"
)

// pageTable is the in-memory layout of a table at any paging level.
type pageTable [entriesPerTable]pageTableEntry

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// table returns the page table stored in frame f.
func (p *Paging) table(f mm.Frame) *pageTable {
	return (*pageTable)(unsafe.Pointer(&p.phys.FrameBytes(f)[0]))
}

// walk performs a page table walk for the given virtual address starting at
// the root table of pm. It calls the suppplied walkFn with the page table
// entry that corresponds to each page table level and then descends into the
// table that entry points to. The walker may populate a non-present entry to
// let the walk continue; if it returns false the walk is aborted.
func (pm *PageMap) walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := pm.root
	for level := uint8(0); level < pageLevels; level++ {
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte := &pm.paging.table(tableFrame)[entryIndex]

		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}

// slot returns the index of the top-level table entry covering virtAddr.
func slot(virtAddr uintptr) int {
	return int((virtAddr >> pageLevelShifts[0]) & ((1 << pageLevelBits[0]) - 1))
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
