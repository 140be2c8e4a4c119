//go:build !linux

package file

import (
	"errors"
	"os"
)

// blockDeviceSize is only implemented on linux; use an image file elsewhere.
func blockDeviceSize(f *os.File) (int64, error) {
	return 0, errors.New("raw block devices are not supported on this platform")
}
