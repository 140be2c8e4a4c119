// Package backend provides the block-device abstraction the filesystem engine
// runs on: a fixed-capacity array of equally sized blocks addressed by id.
// Implementations are in subpackages, e.g.
// github.com/solidfs/go-solidfs/backend/file for disk images and raw devices,
// and github.com/solidfs/go-solidfs/backend/mem for in-memory devices.
package backend

import "errors"

var (
	ErrIncorrectOpenMode = errors.New("device not open for write")
	ErrOutOfRange        = errors.New("block id out of range")
	ErrBufferSize        = errors.New("buffer length does not match device block size")
)

// Storage is a synchronous store of fixed-size blocks. ReadBlock and
// WriteBlock fail with ErrOutOfRange when id is at or beyond BlockCount, and
// with ErrBufferSize when the buffer is not exactly one block long. No
// caching semantics are implied.
type Storage interface {
	// BlockSize returns the size of every block on the device, in bytes.
	BlockSize() uint64
	// BlockCount returns the number of addressable blocks.
	BlockCount() uint64
	// ReadBlock fills buf with the contents of block id.
	ReadBlock(id uint64, buf []byte) error
	// WriteBlock replaces the contents of block id with buf.
	WriteBlock(id uint64, buf []byte) error
	// Close releases the underlying resource, if any.
	Close() error
}
