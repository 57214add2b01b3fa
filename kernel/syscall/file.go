package syscall

import (
	"bytes"
	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/sync"
)

// Seek whence values.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// maxFiles is the size of each per-process descriptor table.
const maxFiles = 64

// FileSystem is implemented by the file system layer.
type FileSystem interface {
	// Open returns the file at path.
	Open(path string, flags uint64) (File, *kernel.Error)
}

// File is an open file.
type File interface {
	Read(buf []byte) (int, *kernel.Error)
	Write(buf []byte) (int, *kernel.Error)
	Seek(offset int64, whence int) (int64, *kernel.Error)
	Close() *kernel.Error
}

// consoleFile sends writes to the kernel console, prefixing every line with
// the pid of the writer.
type consoleFile struct {
	w *kfmt.PrefixWriter
}

func newConsoleFile(pid uint64) *consoleFile {
	var prefix bytes.Buffer
	kfmt.Fprintf(&prefix, "[user %d] ", pid)
	return &consoleFile{w: &kfmt.PrefixWriter{Prefix: prefix.Bytes()}}
}

func (c *consoleFile) Read([]byte) (int, *kernel.Error) { return 0, nil }

func (c *consoleFile) Write(buf []byte) (int, *kernel.Error) {
	kfmt.Fprintf(c.w, "%s", buf)
	return len(buf), nil
}

func (c *consoleFile) Seek(int64, int) (int64, *kernel.Error) { return 0, ErrInvalidArgument }

func (c *consoleFile) Close() *kernel.Error { return nil }

// fileTable is the descriptor table of a process. Descriptors 0, 1 and 2
// refer to the console of the process.
type fileTable struct {
	lock  sync.Spinlock
	files [maxFiles]File
}

func newFileTable(pid uint64) *fileTable {
	ft := &fileTable{}
	console := newConsoleFile(pid)
	for fd := 0; fd < 3; fd++ {
		ft.files[fd] = console
	}
	return ft
}

// install stores f in the lowest free descriptor.
func (ft *fileTable) install(f File) (int, bool) {
	ft.lock.Acquire()
	defer ft.lock.Release()

	for fd := range ft.files {
		if ft.files[fd] == nil {
			ft.files[fd] = f
			return fd, true
		}
	}
	return -1, false
}

func (ft *fileTable) get(fd uint64) File {
	if fd >= maxFiles {
		return nil
	}

	ft.lock.Acquire()
	defer ft.lock.Release()
	return ft.files[fd]
}

func (ft *fileTable) remove(fd uint64) File {
	if fd >= maxFiles {
		return nil
	}

	ft.lock.Acquire()
	defer ft.lock.Release()
	f := ft.files[fd]
	ft.files[fd] = nil
	return f
}

// closeAll closes every open descriptor.
func (ft *fileTable) closeAll() {
	for fd := range ft.files {
		if f := ft.remove(uint64(fd)); f != nil {
			_ = f.Close()
		}
	}
}
