package solid

import (
	"fmt"
)

// zeroBlock read-only source for hole fills and fresh-block bases
var zeroBlock [BlockSize]byte

func divCeil(x, y uint64) uint64 {
	return (x + y - 1) / y
}

// readInodeAt copies bytes [offset, offset+len(p)) of the file into p,
// clamped to the file size. Holes read as zeros. Returns the number of bytes
// copied.
func (fs *FileSystem) readInodeAt(in *inode, p []byte, offset uint64) (int, error) {
	if offset >= in.size || len(p) == 0 {
		return 0, nil
	}
	n := uint64(len(p))
	if offset+n > in.size {
		n = in.size - offset
	}
	begin := offset / BlockSize
	end := divCeil(offset+n, BlockSize)
	ids, err := fs.blockIndex(in, begin, end)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, BlockSize)
	var copied uint64
	for i, id := range ids {
		blockStart := (begin + uint64(i)) * BlockSize
		lo, hi := uint64(0), uint64(BlockSize)
		if offset > blockStart {
			lo = offset - blockStart
		}
		if offset+n < blockStart+BlockSize {
			hi = offset + n - blockStart
		}
		if id == 0 {
			copy(p[copied:copied+hi-lo], zeroBlock[lo:hi])
			copied += hi - lo
			continue
		}
		if err := fs.bm.readDblock(id, buf); err != nil {
			return int(copied), err
		}
		copy(p[copied:copied+hi-lo], buf[lo:hi])
		copied += hi - lo
	}
	return int(copied), nil
}

// writeInodeAt writes p at offset, materializing any missing blocks and
// growing the logical size. Blocks only partially covered are
// read-modify-written; blocks fresh from the allocator start from zeros so no
// stale device content leaks into the file. On allocator failure every
// allocation of this write is rolled back and the inode copy is left for the
// caller to discard.
func (fs *FileSystem) writeInodeAt(in *inode, p []byte, offset uint64) (int, error) {
	n := uint64(len(p))
	if n == 0 {
		return 0, nil
	}
	if offset+n > MaxFileSize {
		return 0, fmt.Errorf("write [%d, %d): %w", offset, offset+n, ErrFileTooLarge)
	}
	begin := offset / BlockSize
	end := divCeil(offset+n, BlockSize)
	txn := newAllocTxn(fs.bm)
	ids, err := fs.blockIndexAlloc(in, begin, end, txn)
	if err != nil {
		txn.rollback()
		return 0, err
	}
	buf := make([]byte, BlockSize)
	var written uint64
	for i, id := range ids {
		blockStart := (begin + uint64(i)) * BlockSize
		lo, hi := uint64(0), uint64(BlockSize)
		if offset > blockStart {
			lo = offset - blockStart
		}
		if offset+n < blockStart+BlockSize {
			hi = offset + n - blockStart
		}
		if lo == 0 && hi == BlockSize {
			// full block overwrite, no read needed
			if err := fs.bm.writeDblock(id, p[written:written+BlockSize]); err != nil {
				return int(written), err
			}
			written += BlockSize
			continue
		}
		if txn.fresh[id] {
			copy(buf, zeroBlock[:])
		} else if err := fs.bm.readDblock(id, buf); err != nil {
			return int(written), err
		}
		copy(buf[lo:hi], p[written:written+hi-lo])
		if err := fs.bm.writeDblock(id, buf); err != nil {
			return int(written), err
		}
		written += hi - lo
	}
	if offset+n > in.size {
		in.size = offset + n
	}
	in.block += txn.blocks()
	return int(n), nil
}

// truncateInode resizes the file to size. Shrinking frees every leaf whose
// first byte is at or past the new end, prunes index blocks left vacant, and
// zeroes the cut tail of the boundary block so a later grow reads zeros.
// Growing is lazy: the new extent is left as holes.
func (fs *FileSystem) truncateInode(in *inode, size uint64) error {
	if size > MaxFileSize {
		return fmt.Errorf("truncate to %d: %w", size, ErrFileTooLarge)
	}
	if size >= in.size {
		in.size = size
		return nil
	}
	keep := divCeil(size, BlockSize)
	var freed uint64
	for k := keep; k < numDirect; k++ {
		if in.pBlock[k] == 0 {
			continue
		}
		if err := fs.bm.free(in.pBlock[k]); err != nil {
			return err
		}
		in.pBlock[k] = 0
		freed++
	}
	for _, r := range indexRegions {
		if in.pBlock[r.slot] == 0 || keep >= r.start+treeWidth(r.depth) {
			continue
		}
		childKeep := uint64(0)
		if keep > r.start {
			childKeep = keep - r.start
		}
		root, n, err := fs.indexPrune(in.pBlock[r.slot], r.depth, childKeep)
		if err != nil {
			return err
		}
		in.pBlock[r.slot] = root
		freed += n
	}
	// zero the tail of the boundary block past the new end
	if rem := size % BlockSize; rem != 0 {
		ids, err := fs.blockIndex(in, keep-1, keep)
		if err != nil {
			return err
		}
		if id := ids[0]; id != 0 {
			buf := make([]byte, BlockSize)
			if err := fs.bm.readDblock(id, buf); err != nil {
				return err
			}
			copy(buf[rem:], zeroBlock[rem:])
			if err := fs.bm.writeDblock(id, buf); err != nil {
				return err
			}
		}
	}
	in.size = size
	in.block -= freed
	return nil
}

// unlinkInode drops one link; at zero links the file's blocks are released
// and the slot is returned to the inode allocator.
func (fs *FileSystem) unlinkInode(id INodeID) error {
	in, err := fs.im.readInode(id)
	if err != nil {
		return err
	}
	if in.links > 1 {
		in.links--
		in.ctime = uint64(fs.clock.Now().UnixNano())
		return fs.im.writeInode(id, in)
	}
	in.links = 0
	if err := fs.truncateInode(in, 0); err != nil {
		return err
	}
	return fs.im.release(id, in)
}
