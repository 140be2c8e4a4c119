package testhelper

import "fmt"

type reader func(id uint64, buf []byte) error
type writer func(id uint64, buf []byte) error

// StorageImpl implements github.com/solidfs/go-solidfs/backend.Storage,
// used for testing to stub out block devices and inject failures.
type StorageImpl struct {
	BSize  uint64
	Count  uint64
	Reader reader
	Writer writer
}

func (s *StorageImpl) BlockSize() uint64 {
	return s.BSize
}

func (s *StorageImpl) BlockCount() uint64 {
	return s.Count
}

func (s *StorageImpl) ReadBlock(id uint64, buf []byte) error {
	if s.Reader == nil {
		return fmt.Errorf("StorageImpl has no Reader")
	}
	return s.Reader(id, buf)
}

func (s *StorageImpl) WriteBlock(id uint64, buf []byte) error {
	if s.Writer == nil {
		return fmt.Errorf("StorageImpl has no Writer")
	}
	return s.Writer(id, buf)
}

func (s *StorageImpl) Close() error {
	return nil
}
