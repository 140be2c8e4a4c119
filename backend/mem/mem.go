// Package mem implements backend.Storage over a byte slice. It is the
// storage used by tests and by RAM-disk mounts.
package mem

import (
	"github.com/solidfs/go-solidfs/backend"
)

type memBackend struct {
	blockSize uint64
	count     uint64
	data      []byte
}

// New creates an in-memory device of count blocks of blockSize bytes each,
// all zeroed.
func New(blockSize, count uint64) backend.Storage {
	return &memBackend{
		blockSize: blockSize,
		count:     count,
		data:      make([]byte, blockSize*count),
	}
}

// backend.Storage interface guard
var _ backend.Storage = (*memBackend)(nil)

func (m *memBackend) BlockSize() uint64 {
	return m.blockSize
}

func (m *memBackend) BlockCount() uint64 {
	return m.count
}

func (m *memBackend) ReadBlock(id uint64, buf []byte) error {
	if id >= m.count {
		return backend.ErrOutOfRange
	}
	if uint64(len(buf)) != m.blockSize {
		return backend.ErrBufferSize
	}
	copy(buf, m.data[id*m.blockSize:(id+1)*m.blockSize])
	return nil
}

func (m *memBackend) WriteBlock(id uint64, buf []byte) error {
	if id >= m.count {
		return backend.ErrOutOfRange
	}
	if uint64(len(buf)) != m.blockSize {
		return backend.ErrBufferSize
	}
	copy(m.data[id*m.blockSize:(id+1)*m.blockSize], buf)
	return nil
}

func (m *memBackend) Close() error {
	m.data = nil
	return nil
}
