package solid

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func getValidDirectory() *Directory {
	d := newDirectory(3, 0)
	_ = d.AddEntry("passwd", 7)
	_ = d.AddEntry("group", 9)
	return d
}

func TestNewDirectory(t *testing.T) {
	d := newDirectory(3, 0)
	expected := []DirEntry{
		{Name: ".", INode: 3},
		{Name: "..", INode: 0},
	}
	if diff := cmp.Diff(expected, d.Entries()); diff != "" {
		t.Errorf("fresh directory mismatch (-want +got):\n%s", diff)
	}
}

func TestDirectoryToBytes(t *testing.T) {
	d := newDirectory(0, 0)
	b := d.toBytes()
	// "." entry: u16 len 1, one name byte, u32 id; "..": u16 len 2, two
	// name bytes, u32 id
	expected := []byte{
		1, 0, '.', 0, 0, 0, 0,
		2, 0, '.', '.', 0, 0, 0, 0,
	}
	if diff := cmp.Diff(expected, b); diff != "" {
		t.Errorf("root directory encoding mismatch (-want +got):\n%s", diff)
	}
}

func TestDirectoryRoundTrip(t *testing.T) {
	d := getValidDirectory()
	parsed, err := directoryFromBytes(d.toBytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(d.Entries(), parsed.Entries()); diff != "" {
		t.Errorf("directory mismatch (-want +got):\n%s", diff)
	}
}

func TestDirectoryFromBytesTruncated(t *testing.T) {
	b := getValidDirectory().toBytes()
	tests := []struct {
		name string
		b    []byte
	}{
		{"cut header", b[:len(b)-10]},
		{"cut id", b[:len(b)-2]},
		{"lone byte", []byte{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := directoryFromBytes(tt.b); err == nil {
				t.Errorf("expected decode error")
			}
		})
	}
}

func TestDirectoryEntryOps(t *testing.T) {
	d := getValidDirectory()

	id, err := d.GetEntry("passwd")
	if err != nil || id != 7 {
		t.Errorf("GetEntry(passwd) = %d, %v; expected 7, nil", id, err)
	}
	if _, err := d.GetEntry("shadow"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := d.AddEntry("passwd", 8); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists on duplicate, got %v", err)
	}
	if err := d.AddEntry(".", 8); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists on dot, got %v", err)
	}

	if err := d.RemoveEntry("group"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.RemoveEntry("group"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second remove, got %v", err)
	}

	// insertion order survives mutation, dot entries stay first
	_ = d.AddEntry("shadow", 11)
	names := make([]string, 0, d.Len())
	for _, e := range d.Entries() {
		names = append(names, e.Name)
	}
	if diff := cmp.Diff([]string{".", "..", "passwd", "shadow"}, names); diff != "" {
		t.Errorf("entry order mismatch (-want +got):\n%s", diff)
	}
}
