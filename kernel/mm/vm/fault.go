package vm

import (
	"kestrel/kernel"
	"kestrel/kernel/mm"
)

// HandleFault resolves a page fault at addr. Faults outside any region fail
// with ErrNoRegion and writes to read-only regions with ErrProtection; the
// caller decides what happens to the faulting thread.
//
// A write to a copy-on-write object that is referenced by a single region
// drops the flag in place. Otherwise the region switches to a private clone
// of the object and its old leaves are discarded before the faulting page is
// populated.
func (as *AddressSpace) HandleFault(addr uintptr, write bool) *kernel.Error {
	r := as.lockRegion(addr)
	if r == nil {
		return ErrNoRegion
	}
	defer r.lock.Unlock()

	if write && r.prot&ProtWrite == 0 {
		return ErrProtection
	}

	if write && r.object.IsCopyOnWrite() && !r.object.clearCopyOnWrite() {
		dup, err := r.object.clone(as.frames, as.phys)
		if err != nil {
			return err
		}

		_ = as.pageMap.Unmap(r.base, r.pageCount())
		dup.acquire()
		r.object.release(as.frames)
		r.object = dup
	}

	pageAddr := addr &^ (mm.PageSize - 1)
	frame, err := r.object.hit(uint64((pageAddr-r.base)>>mm.PageShift), as.frames, as.phys)
	if err != nil {
		return err
	}

	return as.pageMap.Map(frame.Address(), pageAddr, 1, r.leafFlags())
}
