package syscall

import (
	"kestrel/kernel"
	"kestrel/kernel/mm/pmm"
	"kestrel/kernel/mm/vm"
)

// Errno is a system call error number. Failed calls return its negated
// value in RAX.
type Errno int64

const (
	ENOENT Errno = 2
	EBADF  Errno = 9
	ENOMEM Errno = 12
	EFAULT Errno = 14
	EEXIST Errno = 17
	EINVAL Errno = 22
	ENOSYS Errno = 38
)

// String implements fmt.Stringer for Errno.
func (e Errno) String() string {
	switch e {
	case ENOENT:
		return "ENOENT"
	case EBADF:
		return "EBADF"
	case ENOMEM:
		return "ENOMEM"
	case EFAULT:
		return "EFAULT"
	case EEXIST:
		return "EEXIST"
	case EINVAL:
		return "EINVAL"
	case ENOSYS:
		return "ENOSYS"
	default:
		return "EUNKNOWN"
	}
}

// result returns the value placed in RAX for a call failing with e.
func (e Errno) result() int64 {
	return -int64(e)
}

var (
	// ErrNotFound is returned by file systems for missing paths.
	ErrNotFound = &kernel.Error{Module: "fs", Message: "file not found"}

	// ErrInvalidArgument is returned by file systems for unsupported
	// flags, offsets or whence values.
	ErrInvalidArgument = &kernel.Error{Module: "fs", Message: "invalid argument"}

	// ErrBadFile is returned for operations a file does not support.
	ErrBadFile = &kernel.Error{Module: "fs", Message: "operation not supported by file"}
)

// errnoOf maps kernel errors to the error number reported to user space.
func errnoOf(err *kernel.Error) Errno {
	switch err {
	case ErrNotFound:
		return ENOENT
	case ErrBadFile:
		return EBADF
	case vm.ErrRegionOverlap:
		return EEXIST
	case vm.ErrNoRegion, pmm.ErrOutOfMemory:
		return ENOMEM
	case vm.ErrOutOfRange, vm.ErrProtection:
		return EFAULT
	default:
		return EINVAL
	}
}

// copyErrno maps errors raised while copying to or from user memory.
func copyErrno(err *kernel.Error) Errno {
	if err == pmm.ErrOutOfMemory {
		return ENOMEM
	}
	return EFAULT
}
