// Package vmm builds and maintains the amd64 hardware page tables. Every page
// map shares the kernel half of the address space and privately owns its
// user half.
package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/sync"
)

var (
	errDestroyKernelPageMap = &kernel.Error{Module: "vmm", Message: "attempted to destroy the kernel page map"}
	errKernelSlotMissing    = &kernel.Error{Module: "vmm", Message: "kernel page map slot is not present"}
	errKernelHeapExhausted  = &kernel.Error{Module: "vmm", Message: "kernel heap window exhausted"}
	errInvalidKernelSlot    = &kernel.Error{Module: "vmm", Message: "kernel slot range must be within the higher half"}
)

// Config holds the collaborators used by Paging. Zero-valued hardware hooks
// are replaced by the cpu package implementations.
type Config struct {
	// Frames supplies the frames used for page tables and kernel pages.
	Frames mm.FrameAllocator

	// Phys provides access to page table contents.
	Phys mm.PhysicalMemory

	// KernelSlotFirst is the first PML4 slot shared by all page maps.
	// Defaults to 256 (the whole higher half).
	KernelSlotFirst int

	// BootPageMap is the root table installed by the bootloader. When set,
	// its kernel-half entries (direct map, kernel image) are inherited by
	// the kernel page map. Frame 0 never holds page tables so the zero
	// value means "none".
	BootPageMap mm.Frame

	// FlushTLBEntry invalidates the TLB entry for a virtual address.
	FlushTLBEntry func(uintptr)

	// SwitchPageMap loads a new root table.
	SwitchPageMap func(uintptr)
}

// Paging owns the kernel page map and creates the per-process page maps that
// share its kernel half.
type Paging struct {
	frames          mm.FrameAllocator
	phys            mm.PhysicalMemory
	kernelSlotFirst int
	flushTLBEntryFn func(uintptr)
	switchPDTFn     func(uintptr)

	kernel *PageMap

	heapLock sync.Spinlock
	heapNext uintptr
}

// New builds the kernel page map. Kernel slots inherited from the boot page
// map are copied; every remaining kernel slot gets a zeroed L3 table right
// away so that later kernel mappings never have to touch the top-level table
// of any page map.
func New(cfg Config) (*Paging, *kernel.Error) {
	if cfg.KernelSlotFirst == 0 {
		cfg.KernelSlotFirst = defaultKernelSlotFirst
	}
	if cfg.KernelSlotFirst < defaultKernelSlotFirst || cfg.KernelSlotFirst > slot(kernelHeapBase) {
		return nil, errInvalidKernelSlot
	}
	if cfg.FlushTLBEntry == nil {
		cfg.FlushTLBEntry = cpu.FlushTLBEntry
	}
	if cfg.SwitchPageMap == nil {
		cfg.SwitchPageMap = cpu.SwitchPDT
	}

	p := &Paging{
		frames:          cfg.Frames,
		phys:            cfg.Phys,
		kernelSlotFirst: cfg.KernelSlotFirst,
		flushTLBEntryFn: cfg.FlushTLBEntry,
		switchPDTFn:     cfg.SwitchPageMap,
		heapNext:        kernelHeapTop,
	}

	root, err := p.allocTable()
	if err != nil {
		return nil, err
	}
	p.kernel = &PageMap{paging: p, root: root, isKernel: true}

	var (
		rootTable = p.table(root)
		inherited int
	)

	if cfg.BootPageMap != 0 {
		bootTable := p.table(cfg.BootPageMap)
		for i := p.kernelSlotFirst; i < entriesPerTable; i++ {
			if bootTable[i].HasFlags(FlagPresent) {
				rootTable[i] = bootTable[i]
				inherited++
			}
		}
	}

	for i := p.kernelSlotFirst; i < entriesPerTable; i++ {
		if rootTable[i].HasFlags(FlagPresent) {
			continue
		}

		tableFrame, err := p.allocTable()
		if err != nil {
			return nil, err
		}

		rootTable[i] = 0
		rootTable[i].SetFrame(tableFrame)
		rootTable[i].SetFlags(FlagPresent | FlagRW)
		p.kernel.tables = append(p.kernel.tables, tableFrame)
	}

	kfmt.Printf("[vmm] kernel page map at 0x%x; %d kernel slots (%d inherited)\n", root.Address(), entriesPerTable-p.kernelSlotFirst, inherited)
	return p, nil
}

// Kernel returns the kernel page map.
func (p *Paging) Kernel() *PageMap {
	return p.kernel
}

// Frames returns the frame allocator used by p.
func (p *Paging) Frames() mm.FrameAllocator {
	return p.frames
}

// Phys returns the physical memory accessor used by p.
func (p *Paging) Phys() mm.PhysicalMemory {
	return p.phys
}

// CreatePageMap allocates a new page map with a private, empty user half and
// the shared kernel half.
func (p *Paging) CreatePageMap() (*PageMap, *kernel.Error) {
	root, err := p.allocTable()
	if err != nil {
		return nil, err
	}

	var (
		src = p.table(p.kernel.root)
		dst = p.table(root)
	)
	copy(dst[p.kernelSlotFirst:], src[p.kernelSlotFirst:])

	return &PageMap{paging: p, root: root}, nil
}

// DestroyPageMap releases the user half of pm: every present leaf that is
// not tagged FlagBorrowed is returned to the frame allocator followed by the
// directory frames pm allocated. Frames that are still referenced by a shared
// object must have been unmapped (or mapped as borrowed) before this call.
func (p *Paging) DestroyPageMap(pm *PageMap) {
	if pm.isKernel {
		panic(errDestroyKernelPageMap)
	}

	pm.mutex.Acquire()
	defer pm.mutex.Release()

	rootTable := p.table(pm.root)
	for l4 := 0; l4 < p.kernelSlotFirst; l4++ {
		if !rootTable[l4].HasFlags(FlagPresent) {
			continue
		}

		l3Table := p.table(rootTable[l4].Frame())
		for l3 := range l3Table {
			if !l3Table[l3].HasFlags(FlagPresent) {
				continue
			}

			l2Table := p.table(l3Table[l3].Frame())
			for l2 := range l2Table {
				if !l2Table[l2].HasFlags(FlagPresent) {
					continue
				}

				for _, leaf := range p.table(l2Table[l2].Frame()) {
					if leaf.HasFlags(FlagPresent) && !leaf.HasFlags(FlagBorrowed) {
						_ = p.frames.FreeFrame(leaf.Frame())
					}
				}
			}
		}
	}

	for _, tableFrame := range pm.tables {
		_ = p.frames.FreeFrame(tableFrame)
	}
	_ = p.frames.FreeFrame(pm.root)

	pm.tables = nil
	pm.root = mm.InvalidFrame
}

// IsValidKernelPointer returns true if [addr, addr+length) lies within the
// kernel half and every page in it is mapped in the kernel page map.
func (p *Paging) IsValidKernelPointer(addr, length uintptr) bool {
	end := addr + length
	if end < addr || !p.IsKernelAddress(addr) || (length != 0 && !p.IsKernelAddress(end-1)) {
		return false
	}

	for page := addr &^ (mm.PageSize - 1); page < end; page += mm.PageSize {
		if _, err := p.kernel.Translate(page); err != nil {
			return false
		}

		// the last page of the address space
		if page+mm.PageSize < page {
			break
		}
	}

	return true
}

// IsKernelAddress returns true if addr is covered by one of the shared kernel
// slots.
func (p *Paging) IsKernelAddress(addr uintptr) bool {
	return addr >= KernelSpaceBase && slot(addr) >= p.kernelSlotFirst
}

// ReserveKernelRegion reserves a page-aligned range of size bytes (rounded up)
// in the kernel heap window without mapping it. Reservations are carved from
// the top of the window downwards.
func (p *Paging) ReserveKernelRegion(size uintptr) (uintptr, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)

	p.heapLock.Acquire()
	defer p.heapLock.Release()

	if size > p.heapNext-kernelHeapBase {
		return 0, errKernelHeapExhausted
	}

	p.heapNext -= size
	return p.heapNext, nil
}

// AllocKernelPages reserves a kernel range and backs every page with a fresh
// zeroed frame.
func (p *Paging) AllocKernelPages(size uintptr) (uintptr, *kernel.Error) {
	start, err := p.ReserveKernelRegion(size)
	if err != nil {
		return 0, err
	}

	if err = p.backKernelPages(start, pageCountOf(size)); err != nil {
		return 0, err
	}
	return start, nil
}

// AllocKernelStack allocates a kernel stack of size bytes and returns its
// lowest address. The page below the stack is reserved but left unmapped so
// that an overflow faults instead of corrupting the neighbouring range.
func (p *Paging) AllocKernelStack(size uintptr) (uintptr, *kernel.Error) {
	guard, err := p.ReserveKernelRegion(size + mm.PageSize)
	if err != nil {
		return 0, err
	}

	start := guard + mm.PageSize
	if err = p.backKernelPages(start, pageCountOf(size)); err != nil {
		return 0, err
	}
	return start, nil
}

func (p *Paging) backKernelPages(start uintptr, pageCount uint64) *kernel.Error {
	for i := uint64(0); i < pageCount; i++ {
		frame, err := p.frames.AllocFrame()
		if err == nil {
			mm.ZeroFrame(p.phys, frame)
			err = p.kernel.Map(frame.Address(), start+uintptr(i)<<mm.PageShift, 1, FlagPresent|FlagRW|FlagNoExecute)
			if err != nil {
				_ = p.frames.FreeFrame(frame)
			}
		}

		if err != nil {
			_ = p.kernel.Free(start, i)
			return err
		}
	}

	return nil
}

// FreeKernelPages releases a range obtained via AllocKernelPages.
func (p *Paging) FreeKernelPages(addr, size uintptr) *kernel.Error {
	return p.kernel.Free(addr, pageCountOf(size))
}

// MapDeviceRegion maps size bytes of device memory starting at the physical
// address phys into the kernel heap window and returns the virtual address
// that corresponds to phys. The frames are borrowed and never freed.
func (p *Paging) MapDeviceRegion(phys, size uintptr, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	var (
		offset    = phys & (mm.PageSize - 1)
		base      = phys - offset
		pageCount = uint64(((size + offset + mm.PageSize - 1) & ^(mm.PageSize - 1)) >> mm.PageShift)
	)

	start, err := p.ReserveKernelRegion(uintptr(pageCount) << mm.PageShift)
	if err != nil {
		return 0, err
	}

	if err = p.kernel.Map(base, start, pageCount, flags|FlagPresent|FlagBorrowed); err != nil {
		return 0, err
	}

	return start + offset, nil
}

// allocTable allocates and clears a frame for a page table.
func (p *Paging) allocTable() (mm.Frame, *kernel.Error) {
	frame, err := p.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	mm.ZeroFrame(p.phys, frame)
	return frame, nil
}

func pageCountOf(size uintptr) uint64 {
	return mm.PageCount(mm.Size(size))
}
