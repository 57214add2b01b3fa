package vm

import (
	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/vmm"
	"kestrel/kernel/sync"
	"sort"
)

var (
	// ErrRegionOverlap is returned when a fixed mapping collides with an
	// existing region.
	ErrRegionOverlap = &kernel.Error{Module: "vm", Message: "region overlaps an existing mapping"}

	// ErrOutOfRange is returned for ranges outside the user half.
	ErrOutOfRange = &kernel.Error{Module: "vm", Message: "range is outside the user address space"}

	// ErrNoRegion is returned when no region covers an address or when no
	// gap is large enough for a new region.
	ErrNoRegion = &kernel.Error{Module: "vm", Message: "no region covers the address"}

	// ErrProtection is returned when an access violates the region rights.
	ErrProtection = &kernel.Error{Module: "vm", Message: "access violates region protection"}

	// ErrPartialUnmap is returned when an unmap request splits a region.
	ErrPartialUnmap = &kernel.Error{Module: "vm", Message: "unmap range does not cover whole regions"}

	// ErrInvalidSize is returned for empty or unaligned region sizes.
	ErrInvalidSize = &kernel.Error{Module: "vm", Message: "invalid region size"}
)

// AddressSpace is the user half of a process: a page map plus the ordered
// list of regions mapped into it.
//
// Lock order: the region list mutex is taken before any region lock, and a
// region lock before the page map and object locks.
type AddressSpace struct {
	paging  *vmm.Paging
	pageMap *vmm.PageMap
	frames  mm.FrameAllocator
	phys    mm.PhysicalMemory

	mutex   sync.Spinlock
	regions []*Region
}

// New creates an empty address space sharing the kernel half of paging.
func New(paging *vmm.Paging) (*AddressSpace, *kernel.Error) {
	pageMap, err := paging.CreatePageMap()
	if err != nil {
		return nil, err
	}

	return &AddressSpace{
		paging:  paging,
		pageMap: pageMap,
		frames:  paging.Frames(),
		phys:    paging.Phys(),
	}, nil
}

// PageMap returns the page map backing the address space.
func (as *AddressSpace) PageMap() *vmm.PageMap {
	return as.pageMap
}

// Activate loads the address space into the MMU.
func (as *AddressSpace) Activate() {
	as.pageMap.Activate()
}

// MapObject inserts a region covering obj. For fixed mappings hint is used
// as-is; otherwise the lowest free gap at or above hint (or above the start of
// user space if nothing fits above hint) is chosen. Eagerly populated objects
// are mapped immediately; everything else is populated on fault.
func (as *AddressSpace) MapObject(obj *Object, prot Prot, hint uintptr, fixed bool) (uintptr, *kernel.Error) {
	size := uintptr(obj.Size())
	if size == 0 {
		return 0, ErrInvalidSize
	}

	as.mutex.Acquire()
	defer as.mutex.Release()

	var base uintptr
	if fixed {
		if !mm.IsPageAligned(hint) || !inUserSpace(hint, size) {
			return 0, ErrOutOfRange
		}
		if as.overlaps(hint, size) {
			return 0, ErrRegionOverlap
		}
		base = hint
	} else {
		var ok bool
		if base, ok = as.findGap(hint, size); !ok {
			return 0, ErrNoRegion
		}
	}

	r := &Region{base: base, size: size, prot: prot, object: obj}
	obj.acquire()

	if obj.kind == KindEager {
		if err := as.mapEager(r); err != nil {
			obj.release(as.frames)
			return 0, err
		}
	}

	as.insert(r)
	return base, nil
}

// AllocateAnonymous maps a fresh zero-filled object of size bytes.
func (as *AddressSpace) AllocateAnonymous(size uintptr, prot Prot, hint uintptr, fixed bool) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}
	return as.MapObject(NewAnonymous(mm.Size(size)), prot, hint, fixed)
}

// FindRegion returns the region containing addr, read-locked. Callers must
// call RUnlock on the returned region.
func (as *AddressSpace) FindRegion(addr uintptr) (*Region, bool) {
	as.mutex.Acquire()
	defer as.mutex.Release()

	r := as.lookup(addr)
	if r == nil {
		return nil, false
	}

	r.lock.RLock()
	return r, true
}

// lockRegion returns the region containing addr, write-locked.
func (as *AddressSpace) lockRegion(addr uintptr) *Region {
	as.mutex.Acquire()
	defer as.mutex.Release()

	r := as.lookup(addr)
	if r != nil {
		r.lock.Lock()
	}
	return r
}

// Unmap removes every region inside [base, base+size). Requests that would
// split a region fail with ErrPartialUnmap and leave the address space
// untouched.
func (as *AddressSpace) Unmap(base, size uintptr) *kernel.Error {
	if !mm.IsPageAligned(base) || size == 0 {
		return ErrInvalidSize
	}
	size = (size + mm.PageSize - 1) &^ (mm.PageSize - 1)
	if !inUserSpace(base, size) {
		return ErrOutOfRange
	}

	as.mutex.Acquire()
	defer as.mutex.Release()

	end := base + size
	for _, r := range as.regions {
		if r.base < end && r.End() > base && (r.base < base || r.End() > end) {
			return ErrPartialUnmap
		}
	}

	kept := as.regions[:0]
	for _, r := range as.regions {
		if r.base >= base && r.End() <= end {
			as.dropRegion(r)
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(as.regions); i++ {
		as.regions[i] = nil
	}
	as.regions = kept

	return nil
}

// dropRegion clears the leaves of r and releases its object. It waits for
// any in-flight population of r to finish.
func (as *AddressSpace) dropRegion(r *Region) {
	r.lock.Lock()
	_ = as.pageMap.Unmap(r.base, r.pageCount())
	r.object.release(as.frames)
	r.object = nil
	r.lock.Unlock()
}

// IsValidUserPointer returns true if [addr, addr+length) lies within user
// space and every page in it belongs to a region. Pages do not need to be
// populated.
func (as *AddressSpace) IsValidUserPointer(addr, length uintptr) bool {
	if !inUserSpace(addr, length) {
		return false
	}
	if length == 0 {
		return true
	}

	as.mutex.Acquire()
	defer as.mutex.Release()

	end := addr + length
	for cur := addr; cur < end; {
		r := as.lookup(cur)
		if r == nil {
			return false
		}
		cur = r.End()
	}

	return true
}

// Regions returns a snapshot of the mapped regions ordered by address.
func (as *AddressSpace) Regions() []RegionInfo {
	as.mutex.Acquire()
	defer as.mutex.Release()

	list := make([]RegionInfo, 0, len(as.regions))
	for _, r := range as.regions {
		list = append(list, RegionInfo{Base: r.base, Size: r.size, Prot: r.prot, Kind: r.object.kind})
	}
	return list
}

// Destroy releases every region and the page map. The address space must
// not be active on any core.
func (as *AddressSpace) Destroy() {
	as.mutex.Acquire()
	for _, r := range as.regions {
		as.dropRegion(r)
	}
	as.regions = nil
	as.mutex.Release()

	as.paging.DestroyPageMap(as.pageMap)
	as.pageMap = nil
}

// Dump prints the region list.
func (as *AddressSpace) Dump() {
	for _, r := range as.Regions() {
		kfmt.Printf("[vm] %16x-%16x %s %s\n", r.Base, r.Base+r.Size, r.Prot.String(), r.Kind.String())
	}
}

func (as *AddressSpace) mapEager(r *Region) *kernel.Error {
	flags := r.leafFlags()
	for index := uint64(0); index < r.pageCount(); index++ {
		frame, ok := r.object.FrameAt(index)
		if !ok {
			panic(errEagerObjectFault)
		}

		if err := as.pageMap.Map(frame.Address(), r.base+uintptr(index)<<mm.PageShift, 1, flags); err != nil {
			_ = as.pageMap.Unmap(r.base, index)
			return err
		}
	}
	return nil
}

// lookup returns the region containing addr. as.mutex must be held.
func (as *AddressSpace) lookup(addr uintptr) *Region {
	i := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].End() > addr })
	if i < len(as.regions) && as.regions[i].contains(addr) {
		return as.regions[i]
	}
	return nil
}

func (as *AddressSpace) overlaps(base, size uintptr) bool {
	end := base + size
	for _, r := range as.regions {
		if r.base < end && r.End() > base {
			return true
		}
	}
	return false
}

// findGap returns the lowest free range of size bytes starting at or above
// hint, retrying from the start of user space if nothing fits.
func (as *AddressSpace) findGap(hint, size uintptr) (uintptr, bool) {
	hint &^= mm.PageSize - 1
	if hint < vmm.UserSpaceBase || hint >= vmm.UserSpaceTop {
		hint = vmm.UserSpaceBase
	}

	if base, ok := as.gapFrom(hint, size); ok {
		return base, true
	}
	return as.gapFrom(vmm.UserSpaceBase, size)
}

func (as *AddressSpace) gapFrom(start, size uintptr) (uintptr, bool) {
	cur := start
	for _, r := range as.regions {
		if r.End() <= cur {
			continue
		}
		if r.base >= cur && r.base-cur >= size {
			return cur, true
		}
		cur = r.End()
	}

	if inUserSpace(cur, size) {
		return cur, true
	}
	return 0, false
}

func (as *AddressSpace) insert(r *Region) {
	i := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].base > r.base })
	as.regions = append(as.regions, nil)
	copy(as.regions[i+1:], as.regions[i:])
	as.regions[i] = r
}

func inUserSpace(addr, length uintptr) bool {
	end := addr + length
	return end >= addr && addr >= vmm.UserSpaceBase && end <= vmm.UserSpaceTop
}
