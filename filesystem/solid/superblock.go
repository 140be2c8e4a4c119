package solid

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const (
	// BlockSize the fixed size of every block on the device, in bytes
	BlockSize = 4096
	// InodeSize the fixed size of an on-disk inode record, in bytes
	InodeSize = 256
	// InodesPerBlock how many inode records one inode block holds
	InodesPerBlock = BlockSize / InodeSize

	superblockBlock = 0
	firstInodeBlock = 1

	sbUUIDOffset = 40
)

// superblock describes the device geometry, persisted in block 0. All
// multi-byte integers are little-endian.
type superblock struct {
	// nrBlock total number of blocks on the device
	nrBlock uint64
	// nrDblock number of data blocks
	nrDblock uint64
	// sDblock index of the first data block
	sDblock uint64
	// sIblock index of the first inode block, always 1
	sIblock uint64
	// nrIblock number of inode blocks
	nrIblock uint64
	// volumeID random identity stamped at mkfs, ignored by readers
	volumeID uuid.UUID
}

// newSuperblock computes the geometry for a device of nrBlock blocks of which
// nrIblock hold inodes. The remainder past block 0 and the inode region is
// the data region: nrDblock = nrBlock - 1 - nrIblock.
func newSuperblock(nrBlock, nrIblock uint64) (*superblock, error) {
	if nrIblock == 0 || nrBlock < 1+nrIblock+1 {
		return nil, fmt.Errorf("invalid geometry: %d blocks, %d inode blocks", nrBlock, nrIblock)
	}
	fsuuid, _ := uuid.NewRandom()
	return &superblock{
		nrBlock:  nrBlock,
		nrDblock: nrBlock - 1 - nrIblock,
		sDblock:  1 + nrIblock,
		sIblock:  firstInodeBlock,
		nrIblock: nrIblock,
		volumeID: fsuuid,
	}, nil
}

// superblockFromBytes reads a superblock from a raw block
func superblockFromBytes(b []byte) (*superblock, error) {
	if len(b) != BlockSize {
		return nil, fmt.Errorf("cannot read superblock from %d bytes instead of %d", len(b), BlockSize)
	}
	sb := superblock{
		nrBlock:  binary.LittleEndian.Uint64(b[0:8]),
		nrDblock: binary.LittleEndian.Uint64(b[8:16]),
		sDblock:  binary.LittleEndian.Uint64(b[16:24]),
		sIblock:  binary.LittleEndian.Uint64(b[24:32]),
		nrIblock: binary.LittleEndian.Uint64(b[32:40]),
	}
	copy(sb.volumeID[:], b[sbUUIDOffset:sbUUIDOffset+16])
	if sb.nrBlock != 1+sb.nrIblock+sb.nrDblock {
		return nil, fmt.Errorf("inconsistent superblock: %d blocks != 1 + %d inode blocks + %d data blocks", sb.nrBlock, sb.nrIblock, sb.nrDblock)
	}
	if sb.sIblock != firstInodeBlock || sb.sDblock != 1+sb.nrIblock {
		return nil, fmt.Errorf("inconsistent superblock: inode region at %d, data region at %d", sb.sIblock, sb.sDblock)
	}
	return &sb, nil
}

// toBytes serializes the superblock into one raw block
func (sb *superblock) toBytes() []byte {
	b := make([]byte, BlockSize)
	binary.LittleEndian.PutUint64(b[0:8], sb.nrBlock)
	binary.LittleEndian.PutUint64(b[8:16], sb.nrDblock)
	binary.LittleEndian.PutUint64(b[16:24], sb.sDblock)
	binary.LittleEndian.PutUint64(b[24:32], sb.sIblock)
	binary.LittleEndian.PutUint64(b[32:40], sb.nrIblock)
	copy(b[sbUUIDOffset:sbUUIDOffset+16], sb.volumeID[:])
	return b
}

// inodeCapacity how many inodes the inode region can hold
func (sb *superblock) inodeCapacity() uint32 {
	return uint32(sb.nrIblock * InodesPerBlock)
}

func (sb *superblock) equal(a *superblock) bool {
	if (sb == nil && a != nil) || (sb != nil && a == nil) {
		return false
	}
	if sb == nil && a == nil {
		return true
	}
	return *sb == *a
}
