package solid

import (
	"encoding/binary"
	"fmt"

	"github.com/solidfs/go-solidfs/backend"
)

// freeNodeEntries how many free BlockIDs one free-list node block holds
const freeNodeEntries = (BlockSize - 16) / 8

/*
 Free-list node block layout, little-endian:

   0  u32 count       valid entries
   4  u32 pad
   8  u64 next        next node block, 0 = end of chain
  16  u64 entries[(BlockSize-16)/8]
*/
type freeNode struct {
	count   uint32
	next    BlockID
	entries [freeNodeEntries]BlockID
}

func freeNodeFromBytes(b []byte) (*freeNode, error) {
	if len(b) != BlockSize {
		return nil, fmt.Errorf("cannot read free-list node from %d bytes instead of %d", len(b), BlockSize)
	}
	n := freeNode{
		count: binary.LittleEndian.Uint32(b[0:4]),
		next:  BlockID(binary.LittleEndian.Uint64(b[8:16])),
	}
	if n.count > freeNodeEntries {
		return nil, fmt.Errorf("free-list node claims %d entries, maximum is %d", n.count, freeNodeEntries)
	}
	for i := 0; i < freeNodeEntries; i++ {
		n.entries[i] = BlockID(binary.LittleEndian.Uint64(b[16+8*i : 24+8*i]))
	}
	return &n, nil
}

func (n *freeNode) toBytes() []byte {
	b := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(b[0:4], n.count)
	binary.LittleEndian.PutUint64(b[8:16], uint64(n.next))
	for i := 0; i < freeNodeEntries; i++ {
		binary.LittleEndian.PutUint64(b[16+8*i:24+8*i], uint64(n.entries[i]))
	}
	return b
}

// blockManager allocates and frees the data blocks [sDblock, nrBlock),
// keeping the set of free blocks in a linked chain of node blocks within the
// data region itself. Only the head pointer lives in memory; it is
// established by mkfs (or rebuilt by Open's inode scan).
type blockManager struct {
	storage backend.Storage
	sb      *superblock
	// head current free-list head node block; 0 = no free list
	head BlockID
}

func newBlockManager(storage backend.Storage, sb *superblock) *blockManager {
	return &blockManager{storage: storage, sb: sb}
}

// readDblock reads a data block, rejecting ids below the data region
func (bm *blockManager) readDblock(id BlockID, buf []byte) error {
	if uint64(id) < bm.sb.sDblock {
		return fmt.Errorf("block %d below data region: %w", id, ErrBadID)
	}
	return bm.storage.ReadBlock(uint64(id), buf)
}

// writeDblock writes a data block, rejecting ids below the data region
func (bm *blockManager) writeDblock(id BlockID, buf []byte) error {
	if uint64(id) < bm.sb.sDblock {
		return fmt.Errorf("block %d below data region: %w", id, ErrBadID)
	}
	return bm.storage.WriteBlock(uint64(id), buf)
}

func (bm *blockManager) readNode(id BlockID) (*freeNode, error) {
	buf := make([]byte, BlockSize)
	if err := bm.readDblock(id, buf); err != nil {
		return nil, err
	}
	return freeNodeFromBytes(buf)
}

func (bm *blockManager) writeNode(id BlockID, n *freeNode) error {
	return bm.writeDblock(id, n.toBytes())
}

// allocate pops a free data block. When the head node has spare entries the
// last one is handed out; when it is empty the head advances to its successor
// and the drained node block itself becomes the allocation.
func (bm *blockManager) allocate() (BlockID, error) {
	if bm.head == 0 {
		return 0, fmt.Errorf("no free-list: %w", ErrNoSpace)
	}
	node, err := bm.readNode(bm.head)
	if err != nil {
		return 0, err
	}
	if node.count > 0 {
		node.count--
		id := node.entries[node.count]
		if err := bm.writeNode(bm.head, node); err != nil {
			return 0, err
		}
		return id, nil
	}
	if node.next == 0 {
		return 0, fmt.Errorf("data region full: %w", ErrNoSpace)
	}
	id := bm.head
	bm.head = node.next
	return id, nil
}

// free pushes id back onto the head node. A full head makes the freed block
// itself the new head node.
func (bm *blockManager) free(id BlockID) error {
	if uint64(id) < bm.sb.sDblock || uint64(id) >= bm.sb.nrBlock {
		return fmt.Errorf("cannot free block %d: %w", id, ErrBadID)
	}
	if bm.head == 0 {
		n := &freeNode{}
		if err := bm.writeNode(id, n); err != nil {
			return err
		}
		bm.head = id
		return nil
	}
	node, err := bm.readNode(bm.head)
	if err != nil {
		return err
	}
	if node.count < freeNodeEntries {
		node.entries[node.count] = id
		node.count++
		return bm.writeNode(bm.head, node)
	}
	n := &freeNode{next: bm.head}
	if err := bm.writeNode(id, n); err != nil {
		return err
	}
	bm.head = id
	return nil
}

// initFreeList writes a fresh chain covering the entire data region. Node
// blocks are carved from the top of the region and entries are stored in
// descending order so that successive pops hand out ascending ids starting at
// sDblock.
func (bm *blockManager) initFreeList() error {
	total := bm.sb.nrDblock
	if total == 0 {
		return fmt.Errorf("empty data region: %w", ErrNoSpace)
	}
	// smallest node count whose entry capacity covers the rest of the region
	nodes := uint64(1)
	for nodes*freeNodeEntries < total-nodes {
		nodes++
	}
	first := bm.sb.sDblock
	limit := bm.sb.nrBlock - nodes // entries cover [first, limit)
	for i := uint64(0); i < nodes; i++ {
		nodeBlock := BlockID(bm.sb.nrBlock - 1 - i)
		chunkStart := first + i*freeNodeEntries
		chunkEnd := chunkStart + freeNodeEntries
		if chunkEnd > limit {
			chunkEnd = limit
		}
		n := &freeNode{count: uint32(chunkEnd - chunkStart)}
		if i+1 < nodes {
			n.next = BlockID(bm.sb.nrBlock - 2 - i)
		}
		for j := uint32(0); j < n.count; j++ {
			n.entries[j] = BlockID(chunkEnd - 1 - uint64(j))
		}
		if err := bm.writeNode(nodeBlock, n); err != nil {
			return err
		}
	}
	bm.head = BlockID(bm.sb.nrBlock - 1)
	return nil
}

// freeSet walks the chain and returns every block the free list accounts
// for: the listed entries plus the node blocks themselves. Used by invariant
// checks.
func (bm *blockManager) freeSet() (map[BlockID]bool, error) {
	set := make(map[BlockID]bool)
	for cur := bm.head; cur != 0; {
		if set[cur] {
			return nil, fmt.Errorf("free-list chain loops at block %d", cur)
		}
		set[cur] = true
		node, err := bm.readNode(cur)
		if err != nil {
			return nil, err
		}
		for i := uint32(0); i < node.count; i++ {
			id := node.entries[i]
			if set[id] {
				return nil, fmt.Errorf("block %d appears twice in the free list", id)
			}
			set[id] = true
		}
		cur = node.next
	}
	return set, nil
}

// countFree the number of blocks available for allocation
func (bm *blockManager) countFree() (uint64, error) {
	var free uint64
	for cur := bm.head; cur != 0; {
		node, err := bm.readNode(cur)
		if err != nil {
			return 0, err
		}
		free += uint64(node.count)
		if node.next != 0 {
			// a drained node block is handed out as data, so count it
			free++
		}
		cur = node.next
	}
	return free, nil
}
