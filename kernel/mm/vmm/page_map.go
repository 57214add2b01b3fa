package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/mm"
	"kestrel/kernel/sync"
)

var (
	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errUnalignedAddress  = &kernel.Error{Module: "vmm", Message: "address is not page-aligned"}
	errInvalidRange      = &kernel.Error{Module: "vmm", Message: "range is not contained in the user half or the kernel slots"}
)

// PageMap is the paging structure of one address space together with a
// shadow list of the directory frames it owns.
type PageMap struct {
	paging   *Paging
	root     mm.Frame
	isKernel bool

	// mutex serializes table allocation and leaf updates. Kernel-half
	// operations are always performed through the kernel page map and
	// hence under its mutex.
	mutex sync.Spinlock

	// tables lists every directory frame allocated for this page map
	// (excluding the root) so that teardown never re-derives them from
	// the table contents.
	tables []mm.Frame
}

// Root returns the frame holding the top-level table.
func (pm *PageMap) Root() mm.Frame {
	return pm.root
}

// Activate loads pm into the MMU.
func (pm *PageMap) Activate() {
	pm.paging.switchPDTFn(pm.root.Address())
}

// Map establishes count consecutive mappings from virt to phys. Missing
// intermediate tables are allocated and cleared on demand; each written leaf
// has its TLB entry invalidated. Existing leaves are overwritten.
func (pm *PageMap) Map(phys, virt uintptr, count uint64, flags PageTableEntryFlag) *kernel.Error {
	if phys&(mm.PageSize-1) != 0 {
		return errUnalignedAddress
	}

	owner, err := pm.owner(virt, count)
	if err != nil {
		return err
	}

	owner.mutex.Acquire()
	defer owner.mutex.Release()

	for i := uint64(0); i < count; i++ {
		pageAddr := virt + uintptr(i)<<mm.PageShift
		if err = owner.mapPage(mm.FrameFromAddress(phys+uintptr(i)<<mm.PageShift), pageAddr, flags); err != nil {
			return err
		}
	}

	return nil
}

func (pm *PageMap) mapPage(frame mm.Frame, pageAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	var (
		err           *kernel.Error
		isUser        = pageAddr < UserSpaceTop
		intermediates = FlagPresent | FlagRW
	)

	if isUser {
		intermediates |= FlagUserAccessible
	}

	pm.walk(pageAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			pm.paging.flushTLBEntryFn(pageAddr)
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if pte.HasFlags(FlagPresent) {
			return true
		}

		// Kernel L3 tables are preallocated so that the top-level
		// entries copied into every page map stay valid.
		if pteLevel == 0 && !isUser {
			err = errKernelSlotMissing
			return false
		}

		var newTableFrame mm.Frame
		if newTableFrame, err = pm.paging.allocTable(); err != nil {
			return false
		}

		*pte = 0
		pte.SetFrame(newTableFrame)
		pte.SetFlags(intermediates)
		pm.tables = append(pm.tables, newTableFrame)
		return true
	})

	return err
}

// Unmap clears count leaves starting at virt without releasing the frames
// they point to. Pages that are not mapped are skipped.
func (pm *PageMap) Unmap(virt uintptr, count uint64) *kernel.Error {
	return pm.clear(virt, count, false)
}

// Free clears count leaves starting at virt and returns every frame that is
// not tagged FlagBorrowed to the frame allocator.
func (pm *PageMap) Free(virt uintptr, count uint64) *kernel.Error {
	return pm.clear(virt, count, true)
}

func (pm *PageMap) clear(virt uintptr, count uint64, freeFrames bool) *kernel.Error {
	owner, err := pm.owner(virt, count)
	if err != nil {
		return err
	}

	owner.mutex.Acquire()
	defer owner.mutex.Release()

	for i := uint64(0); i < count; i++ {
		pageAddr := virt + uintptr(i)<<mm.PageShift
		if pte := owner.leaf(pageAddr); pte != nil {
			if freeFrames && !pte.HasFlags(FlagBorrowed) {
				_ = pm.paging.frames.FreeFrame(pte.Frame())
			}
			*pte = 0
			pm.paging.flushTLBEntryFn(pageAddr)
		}
	}

	return nil
}

// Protect replaces the flags of every present leaf in the range with flags.
// FlagBorrowed is preserved. Pages that are not mapped are skipped.
func (pm *PageMap) Protect(virt uintptr, count uint64, flags PageTableEntryFlag) *kernel.Error {
	owner, err := pm.owner(virt, count)
	if err != nil {
		return err
	}

	owner.mutex.Acquire()
	defer owner.mutex.Release()

	for i := uint64(0); i < count; i++ {
		pageAddr := virt + uintptr(i)<<mm.PageShift
		if pte := owner.leaf(pageAddr); pte != nil {
			borrowed := pte.Flags() & FlagBorrowed
			frame := pte.Frame()
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | borrowed | FlagPresent)
			pm.paging.flushTLBEntryFn(pageAddr)
		}
	}

	return nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pm *PageMap) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      = ErrInvalidMapping
	)

	owner := pm
	if pm.paging.IsKernelAddress(virtAddr) {
		owner = pm.paging.kernel
	}

	owner.mutex.Acquire()
	defer owner.mutex.Release()

	owner.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		// Huge pages (installed by the bootloader for the direct map)
		// terminate the walk early.
		if pteLevel == pageLevels-1 || (pteLevel > 0 && pte.HasFlags(FlagHugePage)) {
			offsetMask := uintptr(1)<<pageLevelShifts[pteLevel] - 1
			physAddr = (uintptr(*pte) & ptePhysPageMask &^ offsetMask) + (virtAddr & offsetMask)
			err = nil
			return false
		}

		return true
	})

	return physAddr, err
}

// Lookup returns the frame and flags of the leaf mapping virt.
func (pm *PageMap) Lookup(virt uintptr) (mm.Frame, PageTableEntryFlag, bool) {
	owner := pm
	if pm.paging.IsKernelAddress(virt) {
		owner = pm.paging.kernel
	}

	owner.mutex.Acquire()
	defer owner.mutex.Release()

	pte := owner.leaf(virt)
	if pte == nil {
		return mm.InvalidFrame, 0, false
	}

	return pte.Frame(), pte.Flags(), true
}

// leaf returns the present 4K leaf entry for virtAddr or nil.
func (pm *PageMap) leaf(virtAddr uintptr) *pageTableEntry {
	var entry *pageTableEntry

	pm.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) || (pteLevel < pageLevels-1 && pte.HasFlags(FlagHugePage)) {
			return false
		}

		if pteLevel == pageLevels-1 {
			entry = pte
		}
		return true
	})

	return entry
}

// owner validates [virt, virt+count pages) and returns the page map whose
// tables (and mutex) cover it.
func (pm *PageMap) owner(virt uintptr, count uint64) (*PageMap, *kernel.Error) {
	if virt&(mm.PageSize-1) != 0 {
		return nil, errUnalignedAddress
	}

	if count == 0 {
		return pm, nil
	}

	last := virt + uintptr(count-1)<<mm.PageShift
	switch {
	case last < virt:
		return nil, errInvalidRange
	case last < UserSpaceTop:
		return pm, nil
	case pm.paging.IsKernelAddress(virt) && pm.paging.IsKernelAddress(last):
		return pm.paging.kernel, nil
	default:
		return nil, errInvalidRange
	}
}
