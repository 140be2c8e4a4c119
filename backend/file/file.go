// Package file implements backend.Storage over a disk image file or a raw
// block device.
package file

import (
	"errors"
	"fmt"
	"os"

	"github.com/solidfs/go-solidfs/backend"
)

type fileBackend struct {
	storage   *os.File
	blockSize uint64
	count     uint64
	readOnly  bool
}

// New creates a backend.Storage from an already opened file. The device
// capacity is derived from the file size (or the kernel-reported size for
// block devices), truncated to whole blocks.
func New(f *os.File, blockSize uint64, readOnly bool) (backend.Storage, error) {
	if blockSize == 0 {
		return nil, errors.New("must pass a non-zero block size")
	}
	size, err := deviceSize(f)
	if err != nil {
		return nil, fmt.Errorf("could not get size of device %s: %w", f.Name(), err)
	}
	return &fileBackend{
		storage:   f,
		blockSize: blockSize,
		count:     uint64(size) / blockSize,
		readOnly:  readOnly,
	}, nil
}

// OpenFromPath creates a backend.Storage from a path to a device.
// Should pass a path to a block device e.g. /dev/sda or a path to a file
// /tmp/foo.img. The provided device/file must exist at the time you call
// OpenFromPath().
func OpenFromPath(pathName string, blockSize uint64, readOnly bool) (backend.Storage, error) {
	if pathName == "" {
		return nil, errors.New("must pass device or file name")
	}
	if _, err := os.Stat(pathName); os.IsNotExist(err) {
		return nil, fmt.Errorf("provided device/file %s does not exist", pathName)
	}

	openMode := os.O_RDONLY
	if !readOnly {
		openMode = os.O_RDWR
	}
	f, err := os.OpenFile(pathName, openMode, 0o600)
	if err != nil {
		return nil, fmt.Errorf("could not open device %s with mode %v: %w", pathName, openMode, err)
	}
	return New(f, blockSize, readOnly)
}

// CreateFromPath creates a backend.Storage from a path to an image file of
// count blocks. The provided file must not exist at the time you call
// CreateFromPath().
func CreateFromPath(pathName string, blockSize, count uint64) (backend.Storage, error) {
	if pathName == "" {
		return nil, errors.New("must pass device name")
	}
	if blockSize == 0 || count == 0 {
		return nil, errors.New("must pass valid device geometry to create")
	}
	f, err := os.OpenFile(pathName, os.O_RDWR|os.O_EXCL|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("could not create device %s: %w", pathName, err)
	}
	if err := os.Truncate(pathName, int64(blockSize*count)); err != nil {
		return nil, fmt.Errorf("could not expand device %s to size %d: %w", pathName, blockSize*count, err)
	}
	return &fileBackend{
		storage:   f,
		blockSize: blockSize,
		count:     count,
	}, nil
}

// backend.Storage interface guard
var _ backend.Storage = (*fileBackend)(nil)

func (f *fileBackend) BlockSize() uint64 {
	return f.blockSize
}

func (f *fileBackend) BlockCount() uint64 {
	return f.count
}

func (f *fileBackend) ReadBlock(id uint64, buf []byte) error {
	if id >= f.count {
		return backend.ErrOutOfRange
	}
	if uint64(len(buf)) != f.blockSize {
		return backend.ErrBufferSize
	}
	if _, err := f.storage.ReadAt(buf, int64(id*f.blockSize)); err != nil {
		return fmt.Errorf("could not read block %d: %w", id, err)
	}
	return nil
}

func (f *fileBackend) WriteBlock(id uint64, buf []byte) error {
	if id >= f.count {
		return backend.ErrOutOfRange
	}
	if uint64(len(buf)) != f.blockSize {
		return backend.ErrBufferSize
	}
	if f.readOnly {
		return backend.ErrIncorrectOpenMode
	}
	if _, err := f.storage.WriteAt(buf, int64(id*f.blockSize)); err != nil {
		return fmt.Errorf("could not write block %d: %w", id, err)
	}
	return nil
}

func (f *fileBackend) Close() error {
	return f.storage.Close()
}

// deviceSize returns the usable byte size of f: the stat size for a regular
// file, the kernel-reported device size for a block device.
func deviceSize(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	mode := info.Mode()
	switch {
	case mode.IsRegular():
		return info.Size(), nil
	case mode&os.ModeDevice != 0:
		return blockDeviceSize(f)
	default:
		return 0, fmt.Errorf("%s is neither a block device nor a regular file", f.Name())
	}
}
