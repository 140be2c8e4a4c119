package solid

import (
	"encoding/binary"
	"fmt"
	"time"
)

// INodeID is a 32-bit index into the inode table. The root directory is
// always inode 0.
type INodeID uint32

// BlockID is a 64-bit identifier of a block on the device. Within index
// blocks and p_block entries, 0 means "unset": block 0 is the superblock and
// can never be addressed by a file.
type BlockID uint64

// RootInode the inode id of the root directory
const RootInode INodeID = 0

type inodeType uint8

// FREE must be the zero value so that a zeroed inode region reads as a table
// of free slots.
const (
	typeFree inodeType = iota
	typeRegular
	typeDirectory
)

const (
	// numDirect direct block pointers per inode
	numDirect = 10
	// slots of the three indirect pointers
	singleIndirect = 10
	doubleIndirect = 11
	tripleIndirect = 12
	numPtrs        = 13
)

// inode is the in-memory form of one 256-byte on-disk record. Times are
// nanoseconds since the Unix epoch.
type inode struct {
	itype inodeType
	mode  uint32
	uid   uint32
	gid   uint32
	links uint32
	// size of the file in bytes
	size uint64
	// block count of blocks charged to this inode, leaves and index blocks
	block  uint64
	atime  uint64
	ctime  uint64
	mtime  uint64
	pBlock [numPtrs]BlockID
}

// newInode returns a fresh allocated record with a single link and all
// timestamps set to now.
func newInode(t inodeType, mode uint32, now time.Time) *inode {
	ns := uint64(now.UnixNano())
	return &inode{
		itype: t,
		mode:  mode,
		links: 1,
		atime: ns,
		ctime: ns,
		mtime: ns,
	}
}

/*
 Record layout, packed little-endian:

   0  u8  itype
   1  u8[3] pad
   4  u32 mode
   8  u32 uid
  12  u32 gid
  16  u32 links
  20  u64 size
  28  u64 block
  36  u64 atime
  44  u64 ctime
  52  u64 mtime
  60  u64 p_block[13]
 164  pad to 256
*/

// inodeFromBytes reads one inode record
func inodeFromBytes(b []byte) (*inode, error) {
	if len(b) != InodeSize {
		return nil, fmt.Errorf("cannot read inode from %d bytes instead of %d", len(b), InodeSize)
	}
	in := inode{
		itype: inodeType(b[0]),
		mode:  binary.LittleEndian.Uint32(b[4:8]),
		uid:   binary.LittleEndian.Uint32(b[8:12]),
		gid:   binary.LittleEndian.Uint32(b[12:16]),
		links: binary.LittleEndian.Uint32(b[16:20]),
		size:  binary.LittleEndian.Uint64(b[20:28]),
		block: binary.LittleEndian.Uint64(b[28:36]),
		atime: binary.LittleEndian.Uint64(b[36:44]),
		ctime: binary.LittleEndian.Uint64(b[44:52]),
		mtime: binary.LittleEndian.Uint64(b[52:60]),
	}
	for i := 0; i < numPtrs; i++ {
		in.pBlock[i] = BlockID(binary.LittleEndian.Uint64(b[60+8*i : 68+8*i]))
	}
	return &in, nil
}

// toBytes serializes the record into InodeSize bytes
func (in *inode) toBytes() []byte {
	b := make([]byte, InodeSize)
	b[0] = byte(in.itype)
	binary.LittleEndian.PutUint32(b[4:8], in.mode)
	binary.LittleEndian.PutUint32(b[8:12], in.uid)
	binary.LittleEndian.PutUint32(b[12:16], in.gid)
	binary.LittleEndian.PutUint32(b[16:20], in.links)
	binary.LittleEndian.PutUint64(b[20:28], in.size)
	binary.LittleEndian.PutUint64(b[28:36], in.block)
	binary.LittleEndian.PutUint64(b[36:44], in.atime)
	binary.LittleEndian.PutUint64(b[44:52], in.ctime)
	binary.LittleEndian.PutUint64(b[52:60], in.mtime)
	for i := 0; i < numPtrs; i++ {
		binary.LittleEndian.PutUint64(b[60+8*i:68+8*i], uint64(in.pBlock[i]))
	}
	return b
}

func (in *inode) isDir() bool {
	return in.itype == typeDirectory
}
