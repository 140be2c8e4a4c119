package solid

import (
	"fmt"

	"github.com/solidfs/go-solidfs/backend"
)

// inodeManager allocates, reads and writes the inode records held in the
// reserved inode region, blocks [sIblock, sIblock+nrIblock).
type inodeManager struct {
	storage backend.Storage
	sb      *superblock
	// nextFree scan hint: the slot most likely to be free. Purely an
	// amortization; correctness never depends on it.
	nextFree INodeID
}

func newInodeManager(storage backend.Storage, sb *superblock) *inodeManager {
	return &inodeManager{storage: storage, sb: sb}
}

func (im *inodeManager) capacity() uint32 {
	return im.sb.inodeCapacity()
}

// blockFor returns the block holding id and the record offset within it
func (im *inodeManager) blockFor(id INodeID) (uint64, int) {
	return im.sb.sIblock + uint64(id)/InodesPerBlock, int(id%InodesPerBlock) * InodeSize
}

// readInode reads the record for id
func (im *inodeManager) readInode(id INodeID) (*inode, error) {
	if uint32(id) >= im.capacity() {
		return nil, fmt.Errorf("inode %d: %w", id, ErrBadID)
	}
	buf := make([]byte, BlockSize)
	blk, off := im.blockFor(id)
	if err := im.storage.ReadBlock(blk, buf); err != nil {
		return nil, fmt.Errorf("could not read inode block %d: %w", blk, err)
	}
	return inodeFromBytes(buf[off : off+InodeSize])
}

// writeInode read-modify-writes the block containing id
func (im *inodeManager) writeInode(id INodeID, in *inode) error {
	if uint32(id) >= im.capacity() {
		return fmt.Errorf("inode %d: %w", id, ErrBadID)
	}
	buf := make([]byte, BlockSize)
	blk, off := im.blockFor(id)
	if err := im.storage.ReadBlock(blk, buf); err != nil {
		return fmt.Errorf("could not read inode block %d: %w", blk, err)
	}
	copy(buf[off:off+InodeSize], in.toBytes())
	if err := im.storage.WriteBlock(blk, buf); err != nil {
		return fmt.Errorf("could not write inode block %d: %w", blk, err)
	}
	return nil
}

// allocate finds the first free slot starting at the hint, writes in as its
// reservation marker and returns the slot id. in.itype must not be typeFree.
func (im *inodeManager) allocate(in *inode) (INodeID, error) {
	if in.itype == typeFree {
		return 0, fmt.Errorf("refusing to reserve an inode as free")
	}
	capacity := im.capacity()
	for n := uint32(0); n < capacity; n++ {
		id := INodeID((uint32(im.nextFree) + n) % capacity)
		cur, err := im.readInode(id)
		if err != nil {
			return 0, err
		}
		if cur.itype != typeFree {
			continue
		}
		if err := im.writeInode(id, in); err != nil {
			return 0, err
		}
		im.nextFree = INodeID((uint32(id) + 1) % capacity)
		return id, nil
	}
	return 0, fmt.Errorf("inode table full: %w", ErrNoSpace)
}

// release marks id free and steers the hint back if that shortens the next
// scan.
func (im *inodeManager) release(id INodeID, in *inode) error {
	in.itype = typeFree
	if err := im.writeInode(id, in); err != nil {
		return err
	}
	if id < im.nextFree {
		im.nextFree = id
	}
	return nil
}

// countFree scans the table; used by invariant checks and statfs
func (im *inodeManager) countFree() (uint32, error) {
	var free uint32
	capacity := im.capacity()
	for id := uint32(0); id < capacity; id++ {
		in, err := im.readInode(INodeID(id))
		if err != nil {
			return 0, err
		}
		if in.itype == typeFree {
			free++
		}
	}
	return free, nil
}
