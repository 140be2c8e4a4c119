package solid

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// An index block is a data block reinterpreted as a dense array of BlockID
// entries; 0 means unset. Logical block index k of a file maps to:
//
//	k in [0, 10)                      p_block[k]
//	k in [10, 10+E)                   one hop via p_block[10]
//	k in [10+E, 10+E+E^2)             two hops via p_block[11]
//	k in [10+E+E^2, 10+E+E^2+E^3)     three hops via p_block[12]
//
// with E = BlockSize/8 entries per index block.
const (
	ptrsPerBlock = BlockSize / 8

	singleStart   = uint64(numDirect)
	doubleStart   = singleStart + ptrsPerBlock
	tripleStart   = doubleStart + ptrsPerBlock*ptrsPerBlock
	maxFileBlocks = tripleStart + ptrsPerBlock*ptrsPerBlock*ptrsPerBlock

	// MaxFileSize the largest byte size any single file can reach
	MaxFileSize = maxFileBlocks * BlockSize
)

// indexRegion describes one of the three indirect subtrees hanging off the
// inode.
type indexRegion struct {
	slot  int
	start uint64
	depth int
}

var indexRegions = []indexRegion{
	{singleIndirect, singleStart, 1},
	{doubleIndirect, doubleStart, 2},
	{tripleIndirect, tripleStart, 3},
}

// treeWidth how many leaves a subtree of the given depth addresses
func treeWidth(depth int) uint64 {
	w := uint64(1)
	for i := 0; i < depth; i++ {
		w *= ptrsPerBlock
	}
	return w
}

func clampRange(begin, end, lo, hi uint64) (uint64, uint64) {
	if begin > lo {
		lo = begin
	}
	if end < hi {
		hi = end
	}
	return lo, hi
}

// blockIndex enumerates the physical blocks backing logical blocks
// [begin, end) of the inode, in logical order. Unset entries come back as 0;
// the caller treats them as holes reading zero.
func (fs *FileSystem) blockIndex(in *inode, begin, end uint64) ([]BlockID, error) {
	if end > maxFileBlocks {
		return nil, fmt.Errorf("block range [%d, %d): %w", begin, end, ErrFileTooLarge)
	}
	out := make([]BlockID, 0, end-begin)
	for k := begin; k < end && k < singleStart; k++ {
		out = append(out, in.pBlock[k])
	}
	for _, r := range indexRegions {
		lo, hi := clampRange(begin, end, r.start, r.start+treeWidth(r.depth))
		if lo >= hi {
			continue
		}
		if err := fs.indexWalk(in.pBlock[r.slot], r.depth, lo-r.start, hi-r.start, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// indexWalk appends the leaves for subtree-relative range [begin, end),
// descending only into children overlapping the range. A zero root is a hole
// spanning the whole request.
func (fs *FileSystem) indexWalk(root BlockID, depth int, begin, end uint64, out *[]BlockID) error {
	if begin >= end {
		return nil
	}
	if root == 0 {
		for i := begin; i < end; i++ {
			*out = append(*out, 0)
		}
		return nil
	}
	buf := make([]byte, BlockSize)
	if err := fs.bm.readDblock(root, buf); err != nil {
		return err
	}
	childWidth := treeWidth(depth - 1)
	for i := begin / childWidth; i*childWidth < end; i++ {
		child := BlockID(binary.LittleEndian.Uint64(buf[8*i : 8*i+8]))
		if depth == 1 {
			*out = append(*out, child)
			continue
		}
		lo, hi := clampRange(begin, end, i*childWidth, (i+1)*childWidth)
		if err := fs.indexWalk(child, depth-1, lo-i*childWidth, hi-i*childWidth, out); err != nil {
			return err
		}
	}
	return nil
}

type allocWiring struct {
	parent BlockID
	slot   int
}

// allocTxn tracks every block allocated and every entry wired into a
// pre-existing index block during one write, so that an allocator failure
// mid-write can unwind to the pre-write state. The inode itself is only
// persisted by the caller after the transaction succeeds.
type allocTxn struct {
	bm        *blockManager
	allocated []BlockID
	wired     []allocWiring
	fresh     map[BlockID]bool
}

func newAllocTxn(bm *blockManager) *allocTxn {
	return &allocTxn{bm: bm, fresh: make(map[BlockID]bool)}
}

func (t *allocTxn) allocate() (BlockID, error) {
	id, err := t.bm.allocate()
	if err != nil {
		return 0, err
	}
	t.allocated = append(t.allocated, id)
	t.fresh[id] = true
	return id, nil
}

// blocks how many blocks the transaction charged to the inode
func (t *allocTxn) blocks() uint64 {
	return uint64(len(t.allocated))
}

// rollback clears entries wired into index blocks that predate the
// transaction and returns every allocation to the free list. Best effort:
// the inode was never updated, so a failure here leaks blocks rather than
// corrupting the file.
func (t *allocTxn) rollback() {
	buf := make([]byte, BlockSize)
	for _, w := range t.wired {
		if t.fresh[w.parent] {
			continue
		}
		if err := t.bm.readDblock(w.parent, buf); err != nil {
			log.Errorf("rollback: could not read index block %d: %v", w.parent, err)
			continue
		}
		binary.LittleEndian.PutUint64(buf[8*w.slot:8*w.slot+8], 0)
		if err := t.bm.writeDblock(w.parent, buf); err != nil {
			log.Errorf("rollback: could not unwire index block %d slot %d: %v", w.parent, w.slot, err)
		}
	}
	for i := len(t.allocated) - 1; i >= 0; i-- {
		if err := t.bm.free(t.allocated[i]); err != nil {
			log.Errorf("rollback: could not free block %d: %v", t.allocated[i], err)
		}
	}
}

// blockIndexAlloc is blockIndex for the write path: missing leaves and index
// blocks within [begin, end) are materialized through txn, and the inode's
// p_block entries are updated in memory. On error the caller rolls the
// transaction back and discards the inode copy.
func (fs *FileSystem) blockIndexAlloc(in *inode, begin, end uint64, txn *allocTxn) ([]BlockID, error) {
	if end > maxFileBlocks {
		return nil, fmt.Errorf("block range [%d, %d): %w", begin, end, ErrFileTooLarge)
	}
	out := make([]BlockID, 0, end-begin)
	for k := begin; k < end && k < singleStart; k++ {
		if in.pBlock[k] == 0 {
			id, err := txn.allocate()
			if err != nil {
				return nil, err
			}
			in.pBlock[k] = id
		}
		out = append(out, in.pBlock[k])
	}
	for _, r := range indexRegions {
		lo, hi := clampRange(begin, end, r.start, r.start+treeWidth(r.depth))
		if lo >= hi {
			continue
		}
		root, err := fs.indexWalkAlloc(in.pBlock[r.slot], r.depth, lo-r.start, hi-r.start, &out, txn)
		if err != nil {
			return nil, err
		}
		in.pBlock[r.slot] = root
	}
	return out, nil
}

// indexWalkAlloc is indexWalk with on-demand materialization. It returns the
// subtree root, freshly allocated and zero-initialized when it was unset.
func (fs *FileSystem) indexWalkAlloc(root BlockID, depth int, begin, end uint64, out *[]BlockID, txn *allocTxn) (BlockID, error) {
	if begin >= end {
		return root, nil
	}
	freshRoot := false
	buf := make([]byte, BlockSize)
	if root == 0 {
		id, err := txn.allocate()
		if err != nil {
			return 0, err
		}
		// persist the zeroed index block before anything points at it
		if err := fs.bm.writeDblock(id, buf); err != nil {
			return 0, err
		}
		root = id
		freshRoot = true
	} else if err := fs.bm.readDblock(root, buf); err != nil {
		return 0, err
	}
	dirty := false
	childWidth := treeWidth(depth - 1)
	for i := begin / childWidth; i*childWidth < end; i++ {
		child := BlockID(binary.LittleEndian.Uint64(buf[8*i : 8*i+8]))
		if depth == 1 {
			if child == 0 {
				id, err := txn.allocate()
				if err != nil {
					return 0, err
				}
				child = id
				binary.LittleEndian.PutUint64(buf[8*i:8*i+8], uint64(child))
				if !freshRoot {
					txn.wired = append(txn.wired, allocWiring{parent: root, slot: int(i)})
				}
				dirty = true
			}
			*out = append(*out, child)
			continue
		}
		lo, hi := clampRange(begin, end, i*childWidth, (i+1)*childWidth)
		newChild, err := fs.indexWalkAlloc(child, depth-1, lo-i*childWidth, hi-i*childWidth, out, txn)
		if err != nil {
			return 0, err
		}
		if newChild != child {
			binary.LittleEndian.PutUint64(buf[8*i:8*i+8], uint64(newChild))
			if !freshRoot {
				txn.wired = append(txn.wired, allocWiring{parent: root, slot: int(i)})
			}
			dirty = true
		}
	}
	if dirty {
		if err := fs.bm.writeDblock(root, buf); err != nil {
			return 0, err
		}
	}
	return root, nil
}

// indexPrune releases every leaf at subtree-relative index >= keep plus any
// index block left without children. Returns the new root (0 when the whole
// subtree is gone) and the number of blocks freed.
func (fs *FileSystem) indexPrune(root BlockID, depth int, keep uint64) (BlockID, uint64, error) {
	if root == 0 {
		return 0, 0, nil
	}
	if keep == 0 {
		freed, err := fs.indexRelease(root, depth)
		return 0, freed, err
	}
	buf := make([]byte, BlockSize)
	if err := fs.bm.readDblock(root, buf); err != nil {
		return 0, 0, err
	}
	childWidth := treeWidth(depth - 1)
	var freed uint64
	dirty := false
	for i := uint64(0); i < ptrsPerBlock; i++ {
		child := BlockID(binary.LittleEndian.Uint64(buf[8*i : 8*i+8]))
		if child == 0 {
			continue
		}
		lo := i * childWidth
		if keep >= lo+childWidth {
			continue
		}
		childKeep := uint64(0)
		if keep > lo {
			childKeep = keep - lo
		}
		if depth == 1 {
			// children are leaves; childKeep > 0 would have been skipped above
			if err := fs.bm.free(child); err != nil {
				return 0, 0, err
			}
			freed++
			binary.LittleEndian.PutUint64(buf[8*i:8*i+8], 0)
			dirty = true
			continue
		}
		newChild, n, err := fs.indexPrune(child, depth-1, childKeep)
		if err != nil {
			return 0, 0, err
		}
		freed += n
		if newChild != child {
			binary.LittleEndian.PutUint64(buf[8*i:8*i+8], uint64(newChild))
			dirty = true
		}
	}
	vacant := true
	for i := 0; i < ptrsPerBlock; i++ {
		if binary.LittleEndian.Uint64(buf[8*i:8*i+8]) != 0 {
			vacant = false
			break
		}
	}
	if vacant {
		if err := fs.bm.free(root); err != nil {
			return 0, 0, err
		}
		return 0, freed + 1, nil
	}
	if dirty {
		if err := fs.bm.writeDblock(root, buf); err != nil {
			return 0, 0, err
		}
	}
	return root, freed, nil
}

// indexRelease frees an entire subtree including its root
func (fs *FileSystem) indexRelease(root BlockID, depth int) (uint64, error) {
	if depth == 0 {
		if err := fs.bm.free(root); err != nil {
			return 0, err
		}
		return 1, nil
	}
	buf := make([]byte, BlockSize)
	if err := fs.bm.readDblock(root, buf); err != nil {
		return 0, err
	}
	var freed uint64
	for i := 0; i < ptrsPerBlock; i++ {
		child := BlockID(binary.LittleEndian.Uint64(buf[8*i : 8*i+8]))
		if child == 0 {
			continue
		}
		n, err := fs.indexRelease(child, depth-1)
		if err != nil {
			return freed, err
		}
		freed += n
	}
	if err := fs.bm.free(root); err != nil {
		return freed, err
	}
	return freed + 1, nil
}
