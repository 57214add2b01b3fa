// Package vm implements per-process address spaces. Each mapped region is
// backed by a VM object that supplies physical frames lazily and clones itself
// when a copy-on-write share is broken.
package vm

import (
	"io"
	"kestrel/kernel"
	"kestrel/kernel/mm"
	"kestrel/kernel/sync"
)

// Kind selects how an Object obtains physical backing.
type Kind uint8

const (
	// KindAnonymous objects allocate zeroed frames on first access.
	KindAnonymous Kind = iota

	// KindEager objects are fully populated when created (for example a
	// framebuffer window). Their pages are mapped when the object is.
	KindEager

	// KindImage objects fill frames on first access from a segment of an
	// executable image; bytes past the file-backed part are zeroed.
	KindImage
)

// String implements fmt.Stringer for Kind.
func (k Kind) String() string {
	switch k {
	case KindAnonymous:
		return "anonymous"
	case KindEager:
		return "eager"
	case KindImage:
		return "image"
	default:
		return "unknown"
	}
}

// ObjectFlag describes the sharing attributes of an Object.
type ObjectFlag uint8

const (
	// FlagFileBacked is set for objects whose contents come from an image.
	FlagFileBacked ObjectFlag = 1 << iota

	// FlagShared is set for objects whose frames are shared (not copied)
	// between every address space referencing them.
	FlagShared

	// FlagCopyOnWrite is set while the object is shared read-only between
	// address spaces after a fork. A write breaks the share.
	FlagCopyOnWrite
)

var (
	// ErrImageRead is returned when an image object fails to read its
	// backing data.
	ErrImageRead = &kernel.Error{Module: "vm", Message: "failed to read image data"}

	errEagerObjectFault = &kernel.Error{Module: "vm", Message: "fault on an unpopulated page of an eagerly populated object"}
	errPageOutOfObject  = &kernel.Error{Module: "vm", Message: "page index is outside the object"}
)

// Object describes how a virtual range obtains physical backing. Objects are
// reference counted by the regions that map them.
type Object struct {
	mutex sync.Spinlock

	kind     Kind
	size     mm.Size
	flags    ObjectFlag
	useCount int

	// frames maps page indices to populated frames.
	frames map[uint64]mm.Frame

	// owned is set when the frames belong to the object and are released
	// together with it.
	owned bool

	src       io.ReaderAt
	srcOffset int64
	fileSize  uint64
}

// NewAnonymous returns an object of size bytes (rounded up to a page
// multiple) backed by zeroed frames allocated on first access.
func NewAnonymous(size mm.Size) *Object {
	return &Object{
		kind:   KindAnonymous,
		size:   pageAlign(size),
		frames: make(map[uint64]mm.Frame),
		owned:  true,
	}
}

// NewEager returns an object backed by the supplied frames. If owned is set
// the frames are returned to the allocator when the object is released;
// otherwise (device memory) they are never freed.
func NewEager(frames []mm.Frame, owned bool) *Object {
	obj := &Object{
		kind:   KindEager,
		size:   mm.Size(uint64(len(frames)) << mm.PageShift),
		frames: make(map[uint64]mm.Frame, len(frames)),
		owned:  owned,
	}

	for i, frame := range frames {
		obj.frames[uint64(i)] = frame
	}
	return obj
}

// NewImage returns an object of size bytes whose first fileSize bytes are read
// from src starting at offset. The remaining bytes read as zero.
func NewImage(size mm.Size, src io.ReaderAt, offset int64, fileSize uint64) *Object {
	return &Object{
		kind:      KindImage,
		size:      pageAlign(size),
		flags:     FlagFileBacked,
		frames:    make(map[uint64]mm.Frame),
		owned:     true,
		src:       src,
		srcOffset: offset,
		fileSize:  fileSize,
	}
}

// Kind returns the object variant.
func (obj *Object) Kind() Kind { return obj.kind }

// Size returns the page-aligned object size.
func (obj *Object) Size() mm.Size { return obj.size }

// Flags returns the object flags.
func (obj *Object) Flags() ObjectFlag {
	obj.mutex.Acquire()
	defer obj.mutex.Release()
	return obj.flags
}

// UseCount returns the number of regions referencing the object.
func (obj *Object) UseCount() int {
	obj.mutex.Acquire()
	defer obj.mutex.Release()
	return obj.useCount
}

// SetShared flags the object as shared. Shared objects are never copied; a
// fork lets both address spaces map the same frames.
func (obj *Object) SetShared() {
	obj.mutex.Acquire()
	obj.flags |= FlagShared
	obj.mutex.Release()
}

// MarkCopyOnWrite flags the object as copy-on-write.
func (obj *Object) MarkCopyOnWrite() {
	obj.mutex.Acquire()
	obj.flags |= FlagCopyOnWrite
	obj.mutex.Release()
}

// IsCopyOnWrite returns true if the object is flagged copy-on-write.
func (obj *Object) IsCopyOnWrite() bool {
	return obj.Flags()&FlagCopyOnWrite != 0
}

// PopulatedPages returns the number of pages that currently have a frame.
func (obj *Object) PopulatedPages() int {
	obj.mutex.Acquire()
	defer obj.mutex.Release()
	return len(obj.frames)
}

// FrameAt returns the frame backing page index, if populated.
func (obj *Object) FrameAt(index uint64) (mm.Frame, bool) {
	obj.mutex.Acquire()
	defer obj.mutex.Release()
	frame, ok := obj.frames[index]
	return frame, ok
}

func (obj *Object) pageCount() uint64 {
	return uint64(obj.size >> mm.PageShift)
}

// hit returns the frame backing page index, populating it if required.
func (obj *Object) hit(index uint64, frames mm.FrameAllocator, phys mm.PhysicalMemory) (mm.Frame, *kernel.Error) {
	if index >= obj.pageCount() {
		return mm.InvalidFrame, errPageOutOfObject
	}

	obj.mutex.Acquire()
	defer obj.mutex.Release()

	if frame, ok := obj.frames[index]; ok {
		return frame, nil
	}

	switch obj.kind {
	case KindEager:
		panic(errEagerObjectFault)
	case KindAnonymous, KindImage:
		frame, err := frames.AllocFrame()
		if err != nil {
			return mm.InvalidFrame, err
		}

		mm.ZeroFrame(phys, frame)
		if obj.kind == KindImage {
			if err = obj.load(index, phys.FrameBytes(frame)); err != nil {
				_ = frames.FreeFrame(frame)
				return mm.InvalidFrame, err
			}
		}

		obj.frames[index] = frame
		return frame, nil
	}

	return mm.InvalidFrame, errPageOutOfObject
}

// load copies the file-backed part of page index into buf.
func (obj *Object) load(index uint64, buf []byte) *kernel.Error {
	start := index << mm.PageShift
	if start >= obj.fileSize {
		return nil
	}

	count := obj.fileSize - start
	if count > uint64(len(buf)) {
		count = uint64(len(buf))
	}

	n, err := obj.src.ReadAt(buf[:count], obj.srcOffset+int64(start))
	if uint64(n) != count && err != nil {
		return ErrImageRead
	}
	return nil
}

// clone returns a private deep copy of obj: populated frames are copied,
// unpopulated pages stay unpopulated. Image clones keep their source so that
// unpopulated pages still load from the image.
func (obj *Object) clone(frames mm.FrameAllocator, phys mm.PhysicalMemory) (*Object, *kernel.Error) {
	obj.mutex.Acquire()
	defer obj.mutex.Release()

	dup := &Object{
		kind:      obj.kind,
		size:      obj.size,
		flags:     obj.flags &^ (FlagCopyOnWrite | FlagShared),
		frames:    make(map[uint64]mm.Frame, len(obj.frames)),
		owned:     true,
		src:       obj.src,
		srcOffset: obj.srcOffset,
		fileSize:  obj.fileSize,
	}

	for index, src := range obj.frames {
		frame, err := frames.AllocFrame()
		if err != nil {
			dup.freeFrames(frames)
			return nil, err
		}

		mm.CopyFrame(phys, frame, src)
		dup.frames[index] = frame
	}

	return dup, nil
}

// clearCopyOnWrite drops the copy-on-write flag if obj is referenced by at
// most one region and reports whether it did.
func (obj *Object) clearCopyOnWrite() bool {
	obj.mutex.Acquire()
	defer obj.mutex.Release()

	if obj.useCount > 1 {
		return false
	}

	obj.flags &^= FlagCopyOnWrite
	return true
}

// acquire records a new region referencing obj.
func (obj *Object) acquire() {
	obj.mutex.Acquire()
	obj.useCount++
	obj.mutex.Release()
}

// release drops a region reference. Once no region references the object its
// owned frames are returned to the allocator.
func (obj *Object) release(frames mm.FrameAllocator) {
	obj.mutex.Acquire()
	defer obj.mutex.Release()

	obj.useCount--
	if obj.useCount > 0 {
		return
	}

	if obj.owned {
		obj.freeFrames(frames)
	}
	obj.frames = make(map[uint64]mm.Frame)
}

func (obj *Object) freeFrames(frames mm.FrameAllocator) {
	for index, frame := range obj.frames {
		_ = frames.FreeFrame(frame)
		delete(obj.frames, index)
	}
}

func pageAlign(size mm.Size) mm.Size {
	return mm.Size(mm.PageCount(size) << mm.PageShift)
}
