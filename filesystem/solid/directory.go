package solid

import (
	"encoding/binary"
	"fmt"
)

// DirEntry is a single (name, inode) pair in a directory.
type DirEntry struct {
	Name  string
	INode INodeID
}

// Directory is the decoded form of a directory inode's contents: an ordered
// mapping from name to inode id. Entries keep insertion order, with "." and
// ".." always first.
type Directory struct {
	entries []DirEntry
}

// newDirectory seeds a fresh directory with its two auto-maintained entries.
// For the root directory both point to the root itself.
func newDirectory(self, parent INodeID) *Directory {
	return &Directory{entries: []DirEntry{
		{Name: ".", INode: self},
		{Name: "..", INode: parent},
	}}
}

/*
 Serialized form: a tight concatenation of

   u16 name_len
   u8  name[name_len]
   u32 inode_id

 tuples, packed across block boundaries up to the directory inode's size.
*/

// directoryFromBytes decodes the entry stream
func directoryFromBytes(b []byte) (*Directory, error) {
	d := Directory{}
	for off := 0; off < len(b); {
		if off+2 > len(b) {
			return nil, fmt.Errorf("truncated directory entry header at offset %d", off)
		}
		nameLen := int(binary.LittleEndian.Uint16(b[off : off+2]))
		off += 2
		if off+nameLen+4 > len(b) {
			return nil, fmt.Errorf("truncated directory entry at offset %d", off)
		}
		name := string(b[off : off+nameLen])
		off += nameLen
		id := INodeID(binary.LittleEndian.Uint32(b[off : off+4]))
		off += 4
		d.entries = append(d.entries, DirEntry{Name: name, INode: id})
	}
	return &d, nil
}

// toBytes encodes the entry stream
func (d *Directory) toBytes() []byte {
	var size int
	for _, e := range d.entries {
		size += 2 + len(e.Name) + 4
	}
	b := make([]byte, size)
	off := 0
	for _, e := range d.entries {
		binary.LittleEndian.PutUint16(b[off:off+2], uint16(len(e.Name)))
		off += 2
		copy(b[off:off+len(e.Name)], e.Name)
		off += len(e.Name)
		binary.LittleEndian.PutUint32(b[off:off+4], uint32(e.INode))
		off += 4
	}
	return b
}

// GetEntry looks up a name
func (d *Directory) GetEntry(name string) (INodeID, error) {
	for _, e := range d.entries {
		if e.Name == name {
			return e.INode, nil
		}
	}
	return 0, fmt.Errorf("no entry %q: %w", name, ErrNotFound)
}

// AddEntry appends a (name, id) pair, refusing duplicates
func (d *Directory) AddEntry(name string, id INodeID) error {
	for _, e := range d.entries {
		if e.Name == name {
			return fmt.Errorf("entry %q: %w", name, ErrExists)
		}
	}
	d.entries = append(d.entries, DirEntry{Name: name, INode: id})
	return nil
}

// RemoveEntry deletes a name
func (d *Directory) RemoveEntry(name string) error {
	for i, e := range d.entries {
		if e.Name == name {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no entry %q: %w", name, ErrNotFound)
}

// Entries returns a copy of the entry list in serialization order
func (d *Directory) Entries() []DirEntry {
	out := make([]DirEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Len the number of entries, including . and ..
func (d *Directory) Len() int {
	return len(d.entries)
}
