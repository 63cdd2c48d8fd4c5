//go:build !windows

package lattice

import (
	"fmt"
	"syscall"
)

func getFileIdentity(fd int) (fileIdentity, error) {
	var stat syscall.Stat_t
	if err := syscall.Fstat(fd, &stat); err != nil {
		return fileIdentity{}, fmt.Errorf("%w: stat: %v", ErrIO, err)
	}
	return fileIdentity{dev: uint64(stat.Dev), ino: stat.Ino}, nil
}
