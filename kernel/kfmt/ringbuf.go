package kfmt

import "io"

// ringBufferSize is the capacity of the buffer that holds kernel output
// emitted before an output sink is attached. It is large enough for the boot
// memory map dump plus the allocator and paging banners. It must be a power
// of 2.
const ringBufferSize = 4096

// ringBuffer keeps the most recent ringBufferSize bytes written to it. Once
// full, each new byte evicts the oldest unread one.
type ringBuffer struct {
	data [ringBufferSize]byte

	// head indexes the oldest unread byte and size counts unread bytes.
	head, size int
}

// Len returns the number of unread bytes.
func (rb *ringBuffer) Len() int {
	return rb.size
}

// Write appends p to the buffer, dropping the oldest bytes on overflow. It
// never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.data[(rb.head+rb.size)&(ringBufferSize-1)] = b
		if rb.size == ringBufferSize {
			rb.head = (rb.head + 1) & (ringBufferSize - 1)
			continue
		}
		rb.size++
	}

	return len(p), nil
}

// Read drains up to len(p) unread bytes into p. Reads stop at the end of the
// backing array so a wrapped buffer needs two calls to drain. It returns
// io.EOF once the buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.size == 0 {
		return 0, io.EOF
	}

	n := rb.size
	if tail := ringBufferSize - rb.head; tail < n {
		n = tail
	}
	if len(p) < n {
		n = len(p)
	}

	copy(p, rb.data[rb.head:rb.head+n])
	rb.head = (rb.head + n) & (ringBufferSize - 1)
	rb.size -= n

	return n, nil
}
