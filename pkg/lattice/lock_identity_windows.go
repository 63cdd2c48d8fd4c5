//go:build windows

package lattice

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func getFileIdentity(fd int) (fileIdentity, error) {
	var info windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(windows.Handle(fd), &info); err != nil {
		return fileIdentity{}, fmt.Errorf("%w: GetFileInformationByHandle: %v", ErrIO, err)
	}
	return fileIdentity{
		dev: uint64(info.VolumeSerialNumber),
		ino: uint64(info.FileIndexHigh)<<32 | uint64(info.FileIndexLow),
	}, nil
}
