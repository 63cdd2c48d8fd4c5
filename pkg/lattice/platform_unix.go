//go:build !windows

package lattice

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

// platform layer: the five primitives the rest of the package is allowed to
// depend on for file/mmap access. See doc.go and spec §4.1.

func platformOpenRWCreate(path string, initialSize int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}

	if fi.Size() < initialSize {
		if err := platformExtend(f, initialSize); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	return f, nil
}

// platformExtend grows the file to newSize. The caller must not hold an
// active mapping of f; growth while mapped is forbidden (spec §4.1, §9) —
// callers unmap, extend, remap.
func platformExtend(f *os.File, newSize int64) error {
	if err := f.Truncate(newSize); err != nil {
		return fmt.Errorf("%w: extend: %v", ErrIO, err)
	}
	return nil
}

// platformMapRegion maps the first length bytes of f.
func platformMapRegion(f *os.File, length int, writable bool) ([]byte, error) {
	prot := syscall.PROT_READ
	if writable {
		prot |= syscall.PROT_WRITE
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, length, prot, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap: %v", ErrIO, err)
	}

	return data, nil
}

func platformUnmapRegion(data []byte) error {
	if data == nil {
		return nil
	}
	if err := syscall.Munmap(data); err != nil {
		return fmt.Errorf("%w: munmap: %v", ErrIO, err)
	}
	return nil
}

// platformDurableSync flushes the mapped view's dirty pages and the
// underlying file's buffers. On POSIX a single msync(MS_SYNC) plus fsync is
// used; Windows needs the two-step FlushViewOfFile + FlushFileBuffers (see
// platform_windows.go).
func platformDurableSync(data []byte, f *os.File) error {
	if data != nil {
		if err := msync(data); err != nil {
			return fmt.Errorf("%w: msync: %v", ErrIO, err)
		}
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync: %v", ErrIO, err)
	}
	return nil
}

// platformTruncateAndFinalize shrinks the logical length of f and commits
// that length to stable storage. Both steps are required: a logical-only
// truncate is not durable and the WAL checkpoint protocol depends on that
// durability.
func platformTruncateAndFinalize(f *os.File, newSize int64) error {
	if err := f.Truncate(newSize); err != nil {
		return fmt.Errorf("%w: truncate: %v", ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync after truncate: %v", ErrIO, err)
	}
	return nil
}

func msync(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	_, _, errno := syscall.Syscall(syscall.SYS_MSYNC, uintptr(unsafe.Pointer(&data[0])), uintptr(len(data)), uintptr(syscall.MS_SYNC))
	if errno != 0 {
		return errno
	}
	return nil
}
