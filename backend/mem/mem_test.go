package mem_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/solidfs/go-solidfs/backend"
	"github.com/solidfs/go-solidfs/backend/mem"
)

func TestMemBackend(t *testing.T) {
	m := mem.New(512, 4)
	if m.BlockSize() != 512 || m.BlockCount() != 4 {
		t.Fatalf("geometry %d/%d, expected 512/4", m.BlockSize(), m.BlockCount())
	}

	data := bytes.Repeat([]byte{0xab}, 512)
	if err := m.WriteBlock(2, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := make([]byte, 512)
	if err := m.ReadBlock(2, out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(data, out) {
		t.Errorf("read back different bytes")
	}

	// neighbors stay zero
	if err := m.ReadBlock(1, out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(out, make([]byte, 512)) {
		t.Errorf("neighbor block is not zero")
	}
}

func TestMemBackendErrors(t *testing.T) {
	m := mem.New(512, 4)
	buf := make([]byte, 512)
	if err := m.ReadBlock(4, buf); !errors.Is(err, backend.ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
	if err := m.WriteBlock(99, buf); !errors.Is(err, backend.ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
	if err := m.ReadBlock(0, make([]byte, 100)); !errors.Is(err, backend.ErrBufferSize) {
		t.Errorf("expected ErrBufferSize, got %v", err)
	}
	if err := m.WriteBlock(0, make([]byte, 1024)); !errors.Is(err, backend.ErrBufferSize) {
		t.Errorf("expected ErrBufferSize, got %v", err)
	}
}
