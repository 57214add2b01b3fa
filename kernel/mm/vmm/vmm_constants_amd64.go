package vmm

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// entriesPerTable is the number of entries in each page table level.
	entriesPerTable = 512

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// defaultKernelSlotFirst is the first top-level (PML4) slot shared by
	// every page map; slots [256, 512) cover the higher half.
	defaultKernelSlotFirst = 256

	// UserSpaceBase is the lowest address handed out to user regions. The
	// pages below it stay unmapped so that nil dereferences fault.
	UserSpaceBase = uintptr(0x10000)

	// UserSpaceTop is the first address past the user half of the address
	// space (the lower canonical half).
	UserSpaceTop = uintptr(0x0000800000000000)

	// KernelSpaceBase is the first address of the upper canonical half.
	KernelSpaceBase = uintptr(0xffff800000000000)

	// kernelHeapBase and kernelHeapTop delimit the window used for kernel
	// stacks and device mappings (PML4 slot 510). Reservations start at
	// the top and grow downwards.
	kernelHeapBase = uintptr(0xffffff0000000000)
	kernelHeapTop  = uintptr(0xffffff8000000000)
)

var (
	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level. For the amd64 architecture each PageLevel uses 9 bits which amounts to
	// 512 entries for each page level.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 2Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagCopyOnWrite marks a read-only leaf whose contents are shared with
	// another address space until the next write.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 9

	// FlagBorrowed marks a leaf whose frame is not owned by the page map
	// (device memory or frames owned by a shared object). Freeing or
	// destroying the page map leaves such frames untouched.
	FlagBorrowed PageTableEntryFlag = 1 << 10

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)
