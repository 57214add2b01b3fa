package vm

import (
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/vmm"
	"kestrel/kernel/sync"
)

// Prot describes the access rights of a region.
type Prot uint8

const (
	// ProtRead allows reads from the region.
	ProtRead Prot = 1 << iota

	// ProtWrite allows writes to the region.
	ProtWrite

	// ProtExec allows instruction fetches from the region.
	ProtExec
)

// String implements fmt.Stringer for Prot.
func (p Prot) String() string {
	var buf = []byte("---")
	if p&ProtRead != 0 {
		buf[0] = 'r'
	}
	if p&ProtWrite != 0 {
		buf[1] = 'w'
	}
	if p&ProtExec != 0 {
		buf[2] = 'x'
	}
	return string(buf)
}

// Region is a contiguous page-aligned range of an address space that is
// backed by a single Object.
type Region struct {
	base uintptr
	size uintptr
	prot Prot

	// lock serializes population of the region against its removal. The
	// object pointer may only change while lock is held for writing.
	lock   sync.RWSpinlock
	object *Object
}

// Base returns the first address of the region.
func (r *Region) Base() uintptr { return r.base }

// End returns the first address past the region.
func (r *Region) End() uintptr { return r.base + r.size }

// Size returns the region length in bytes.
func (r *Region) Size() uintptr { return r.size }

// Prot returns the region access rights.
func (r *Region) Prot() Prot { return r.prot }

// Object returns the object currently backing the region.
func (r *Region) Object() *Object { return r.object }

// RUnlock releases the read lock acquired by AddressSpace.FindRegion.
func (r *Region) RUnlock() { r.lock.RUnlock() }

func (r *Region) contains(addr uintptr) bool {
	return addr >= r.base && addr < r.base+r.size
}

func (r *Region) pageCount() uint64 {
	return uint64(r.size >> mm.PageShift)
}

// leafFlags returns the page table flags for pages of r. Leaves never own
// their frames; objects do. Copy-on-write objects are always mapped
// read-only so that the first write faults.
func (r *Region) leafFlags() vmm.PageTableEntryFlag {
	flags := vmm.FlagPresent | vmm.FlagUserAccessible | vmm.FlagBorrowed
	if r.prot&ProtWrite != 0 {
		if r.object.IsCopyOnWrite() {
			flags |= vmm.FlagCopyOnWrite
		} else {
			flags |= vmm.FlagRW
		}
	}
	if r.prot&ProtExec == 0 {
		flags |= vmm.FlagNoExecute
	}
	return flags
}

// RegionInfo is a snapshot of a region returned by AddressSpace.Regions.
type RegionInfo struct {
	Base uintptr
	Size uintptr
	Prot Prot
	Kind Kind
}
