package vm

import (
	"bytes"
	"kestrel/kernel"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/vmm"
)

// CopyIn copies len(dst) bytes from the user address addr into dst,
// populating pages as needed.
func (as *AddressSpace) CopyIn(dst []byte, addr uintptr) *kernel.Error {
	return as.copyUser(addr, uintptr(len(dst)), false, func(frameBytes []byte, done int) int {
		return copy(dst[done:], frameBytes)
	})
}

// CopyOut copies src to the user address addr. Pages that are missing or
// shared copy-on-write are resolved through the fault path first, so the
// write never leaks into another address space.
func (as *AddressSpace) CopyOut(addr uintptr, src []byte) *kernel.Error {
	return as.copyUser(addr, uintptr(len(src)), true, func(frameBytes []byte, done int) int {
		return copy(frameBytes, src[done:])
	})
}

// CopyInString reads a NUL-terminated string of at most maxLen bytes from
// addr. The string is copied one page at a time so bytes past the page that
// holds the terminator are never touched.
func (as *AddressSpace) CopyInString(addr uintptr, maxLen int) (string, *kernel.Error) {
	var buf []byte

	for cur, left := addr, uintptr(maxLen); left != 0; {
		chunk := mm.PageSize - cur&mm.PageOffsetMask
		if chunk > left {
			chunk = left
		}

		start := len(buf)
		buf = append(buf, make([]byte, chunk)...)
		if err := as.CopyIn(buf[start:], cur); err != nil {
			return "", err
		}

		if end := bytes.IndexByte(buf[start:], 0); end >= 0 {
			return string(buf[:start+end]), nil
		}

		cur += chunk
		left -= chunk
	}

	return "", ErrOutOfRange
}

func (as *AddressSpace) copyUser(addr, length uintptr, write bool, copyFn func([]byte, int) int) *kernel.Error {
	if !as.IsValidUserPointer(addr, length) {
		return ErrOutOfRange
	}

	for done := uintptr(0); done < length; {
		var (
			cur      = addr + done
			pageAddr = cur &^ (mm.PageSize - 1)
		)

		frame, err := as.resolve(pageAddr, write)
		if err != nil {
			return err
		}

		frameBytes := as.phys.FrameBytes(frame)[cur-pageAddr:]
		if rem := length - done; uintptr(len(frameBytes)) > rem {
			frameBytes = frameBytes[:rem]
		}
		done += uintptr(copyFn(frameBytes, int(done)))
	}

	return nil
}

// resolve returns the frame mapped at pageAddr, taking the fault path when
// the page is missing or (for writes) not writable.
func (as *AddressSpace) resolve(pageAddr uintptr, write bool) (mm.Frame, *kernel.Error) {
	for attempt := 0; attempt < 2; attempt++ {
		frame, flags, ok := as.pageMap.Lookup(pageAddr)
		if ok && (!write || flags&vmm.FlagRW != 0) {
			return frame, nil
		}

		if err := as.HandleFault(pageAddr, write); err != nil {
			return mm.InvalidFrame, err
		}
	}

	return mm.InvalidFrame, ErrNoRegion
}

// ReadMapped copies len(dst) bytes from addr into dst only if every page in
// the range is already mapped. Unlike CopyIn it never populates pages, so it
// is safe to use while reporting a fault.
func (as *AddressSpace) ReadMapped(dst []byte, addr uintptr) bool {
	if !inUserSpace(addr, uintptr(len(dst))) {
		return false
	}

	for done := uintptr(0); done < uintptr(len(dst)); {
		var (
			cur      = addr + done
			pageAddr = cur &^ (mm.PageSize - 1)
		)

		frame, _, ok := as.pageMap.Lookup(pageAddr)
		if !ok {
			return false
		}
		done += uintptr(copy(dst[done:], as.phys.FrameBytes(frame)[cur-pageAddr:]))
	}

	return true
}
