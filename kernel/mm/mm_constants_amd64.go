package mm

const (
	// PageShift converts between addresses and frame or page numbers.
	PageShift = uintptr(12)

	// PageSize is the size of a 4K page, the only page size the kernel maps.
	PageSize = uintptr(1 << PageShift)

	// PageOffsetMask selects the offset of an address within its page.
	PageOffsetMask = PageSize - 1
)
