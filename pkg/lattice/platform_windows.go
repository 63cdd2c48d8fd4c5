//go:build windows

package lattice

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// platform layer for Windows. Windows has no fsync-does-everything shortcut:
// durability requires flushing the mapped view AND the file's buffers, in
// that order (spec §4.1, §9).

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

func platformExtend(f *os.File, newSize int64) error {
	if err := f.Truncate(newSize); err != nil {
		return fmt.Errorf("%w: extend: %v", ErrIO, err)
	}
	if err := windows.FlushFileBuffers(windows.Handle(f.Fd())); err != nil {
		return fmt.Errorf("%w: flush after extend: %v", ErrIO, err)
	}
	return nil
}

func platformMapRegion(f *os.File, length int, writable bool) ([]byte, error) {
	prot := uint32(windows.PAGE_READONLY)
	access := uint32(windows.FILE_MAP_READ)
	if writable {
		prot = windows.PAGE_READWRITE
		access = windows.FILE_MAP_WRITE
	}

	h, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, prot, 0, uint32(length), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: CreateFileMapping: %v", ErrIO, err)
	}
	defer windows.CloseHandle(h)

	addr, err := windows.MapViewOfFile(h, access, 0, 0, uintptr(length))
	if err != nil {
		return nil, fmt.Errorf("%w: MapViewOfFile: %v", ErrIO, err)
	}

	var data []byte
	sh := (*struct {
		data uintptr
		len  int
		cap  int
	})(unsafe.Pointer(&data))
	sh.data = addr
	sh.len = length
	sh.cap = length

	return data, nil
}

func platformUnmapRegion(data []byte) error {
	if data == nil {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&data[0]))
	if err := windows.UnmapViewOfFile(addr); err != nil {
		return fmt.Errorf("%w: UnmapViewOfFile: %v", ErrIO, err)
	}
	return nil
}

// platformDurableSync issues, in order, a view flush (FlushViewOfFile) and a
// file-buffer flush (FlushFileBuffers). A view flush alone is insufficient:
// it only guarantees the data has left the process's mapped pages, not that
// it has reached the underlying device.
func platformDurableSync(data []byte, f *os.File) error {
	if len(data) > 0 {
		addr := uintptr(unsafe.Pointer(&data[0]))
		if err := windows.FlushViewOfFile(addr, uintptr(len(data))); err != nil {
			return fmt.Errorf("%w: FlushViewOfFile: %v", ErrIO, err)
		}
	}
	if err := windows.FlushFileBuffers(windows.Handle(f.Fd())); err != nil {
		return fmt.Errorf("%w: FlushFileBuffers: %v", ErrIO, err)
	}
	return nil
}

// platformTruncateAndFinalize issues SetEndOfFile followed by
// FlushFileBuffers; a bare SetEndOfFile only moves the logical end of file
// and is not by itself durable.
func platformTruncateAndFinalize(f *os.File, newSize int64) error {
	if err := f.Truncate(newSize); err != nil {
		return fmt.Errorf("%w: SetEndOfFile: %v", ErrIO, err)
	}
	if err := windows.FlushFileBuffers(windows.Handle(f.Fd())); err != nil {
		return fmt.Errorf("%w: FlushFileBuffers after truncate: %v", ErrIO, err)
	}
	return nil
}
