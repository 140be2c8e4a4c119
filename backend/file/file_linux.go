package file

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// BLKGETSIZE64, see linux/fs.h
const blkGetSize64 = 0x80081272

// blockDeviceSize asks the kernel for the byte size of a block device.
func blockDeviceSize(f *os.File) (int64, error) {
	size, err := unix.IoctlGetInt(int(f.Fd()), blkGetSize64)
	if err != nil {
		return 0, fmt.Errorf("unable to get device size: %w", err)
	}
	return int64(size), nil
}
