// Package solid implements a UNIX-style block-structured filesystem: a
// hierarchical namespace of directories and regular files over a fixed-size
// block device, with POSIX-compatible metadata and three levels of indirect
// block indexing.
//
// The engine is single-threaded by contract; a coarse mutex serializes the
// public operations so it can also sit behind a multi-goroutine bridge.
package solid

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	log "github.com/sirupsen/logrus"

	"github.com/solidfs/go-solidfs/backend"
)

// Stat is the metadata snapshot of one inode, the engine-side counterpart of
// a stat(2) result.
type Stat struct {
	INode     INodeID
	Mode      os.FileMode
	Links     uint32
	UID       uint32
	GID       uint32
	Size      uint64
	Blocks    uint64
	BlockSize uint32
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
}

// StatFS summarizes device occupancy.
type StatFS struct {
	BlockSize  uint32
	Blocks     uint64
	BlocksFree uint64
	Inodes     uint32
	InodesFree uint32
}

// FileSystem is the storage engine: superblock geometry, inode table,
// free-space bookkeeping and the byte-I/O pipeline over one block device.
type FileSystem struct {
	storage backend.Storage
	sb      *superblock
	im      *inodeManager
	bm      *blockManager
	clock   timeutil.Clock

	// mu serializes the public operations. With invariant checking enabled
	// (syncutil.EnableInvariantChecking) every lock transition re-verifies
	// the structural invariants of the on-disk state.
	mu syncutil.InvariantMutex
}

func newFileSystem(storage backend.Storage, sb *superblock, clock timeutil.Clock) *FileSystem {
	fs := &FileSystem{
		storage: storage,
		sb:      sb,
		im:      newInodeManager(storage, sb),
		bm:      newBlockManager(storage, sb),
		clock:   clock,
	}
	return fs
}

// initMutex installs the invariant mutex. NewInvariantMutex runs the check
// straight away when checking is enabled, so this is called only once the
// device state is complete.
func (fs *FileSystem) initMutex() {
	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)
}

func checkStorage(storage backend.Storage) error {
	if storage.BlockSize() != BlockSize {
		return fmt.Errorf("device block size %d, engine requires %d", storage.BlockSize(), BlockSize)
	}
	return nil
}

// Mkfs formats the device and returns the mounted engine: superblock written,
// all inodes marked free, the free list covering the whole data region, and
// the root directory (inode 0) created with "." and ".." pointing to itself.
func Mkfs(storage backend.Storage, nrInodeBlocks uint64, clock timeutil.Clock) (*FileSystem, error) {
	if err := checkStorage(storage); err != nil {
		return nil, err
	}
	sb, err := newSuperblock(storage.BlockCount(), nrInodeBlocks)
	if err != nil {
		return nil, err
	}
	fs := newFileSystem(storage, sb, clock)
	if err := fs.mkfs(); err != nil {
		return nil, err
	}
	fs.initMutex()
	return fs, nil
}

// Open mounts an already formatted device. The free list head is not part of
// the superblock, so the allocator state is rebuilt by scanning the inode
// table and returning every unreachable data block to a fresh chain.
func Open(storage backend.Storage, clock timeutil.Clock) (*FileSystem, error) {
	if err := checkStorage(storage); err != nil {
		return nil, err
	}
	buf := make([]byte, BlockSize)
	if err := storage.ReadBlock(superblockBlock, buf); err != nil {
		return nil, fmt.Errorf("could not read superblock: %w", err)
	}
	sb, err := superblockFromBytes(buf)
	if err != nil {
		return nil, err
	}
	if sb.nrBlock > storage.BlockCount() {
		return nil, fmt.Errorf("superblock describes %d blocks, device has %d", sb.nrBlock, storage.BlockCount())
	}
	fs := newFileSystem(storage, sb, clock)
	if err := fs.rebuildFreeList(); err != nil {
		return nil, err
	}
	fs.initMutex()
	return fs, nil
}

func (fs *FileSystem) mkfs() error {
	log.Infof("mkfs: %d blocks, %d inode blocks, %d data blocks from %d",
		fs.sb.nrBlock, fs.sb.nrIblock, fs.sb.nrDblock, fs.sb.sDblock)
	if err := fs.storage.WriteBlock(superblockBlock, fs.sb.toBytes()); err != nil {
		return fmt.Errorf("could not write superblock: %w", err)
	}
	zero := make([]byte, BlockSize)
	for b := fs.sb.sIblock; b < fs.sb.sDblock; b++ {
		if err := fs.storage.WriteBlock(b, zero); err != nil {
			return fmt.Errorf("could not clear inode block %d: %w", b, err)
		}
	}
	if err := fs.bm.initFreeList(); err != nil {
		return err
	}
	root := newInode(typeDirectory, 0o755, fs.clock.Now())
	id, err := fs.im.allocate(root)
	if err != nil {
		return err
	}
	if id != RootInode {
		return fmt.Errorf("root directory landed on inode %d instead of %d", id, RootInode)
	}
	return fs.writeDirectory(RootInode, root, newDirectory(RootInode, RootInode))
}

// rebuildFreeList scans all allocated inodes, computes the set of reachable
// data blocks, and writes a fresh free-list chain holding the complement.
// Pushing from the top of the region down keeps the later pops ascending.
func (fs *FileSystem) rebuildFreeList() error {
	used := make(map[BlockID]bool)
	capacity := fs.im.capacity()
	for i := uint32(0); i < capacity; i++ {
		in, err := fs.im.readInode(INodeID(i))
		if err != nil {
			return err
		}
		if in.itype == typeFree {
			continue
		}
		blocks, err := fs.reachableBlocks(in)
		if err != nil {
			return err
		}
		for _, b := range blocks {
			used[b] = true
		}
	}
	fs.bm.head = 0
	for b := fs.sb.nrBlock - 1; b >= fs.sb.sDblock; b-- {
		if used[BlockID(b)] {
			continue
		}
		if err := fs.bm.free(BlockID(b)); err != nil {
			return err
		}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Internal directory I/O (bypasses the regular-file check)
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) readDirectory(in *inode) (*Directory, error) {
	if !in.isDir() {
		return nil, ErrNotDirectory
	}
	b := make([]byte, in.size)
	if _, err := fs.readInodeAt(in, b, 0); err != nil {
		return nil, err
	}
	return directoryFromBytes(b)
}

// writeDirectory encodes d, resizes the inode to exactly the encoded length
// and persists both content and inode.
func (fs *FileSystem) writeDirectory(id INodeID, in *inode, d *Directory) error {
	b := d.toBytes()
	if err := fs.truncateInode(in, uint64(len(b))); err != nil {
		return err
	}
	if _, err := fs.writeInodeAt(in, b, 0); err != nil {
		return err
	}
	now := uint64(fs.clock.Now().UnixNano())
	in.mtime = now
	in.ctime = now
	return fs.im.writeInode(id, in)
}

////////////////////////////////////////////////////////////////////////
// Inode-level operations
////////////////////////////////////////////////////////////////////////

// readAllocated reads an inode that must be in use
func (fs *FileSystem) readAllocated(id INodeID) (*inode, error) {
	in, err := fs.im.readInode(id)
	if err != nil {
		return nil, err
	}
	if in.itype == typeFree {
		return nil, fmt.Errorf("inode %d is free: %w", id, ErrNotFound)
	}
	return in, nil
}

// StatInode returns the metadata of one inode.
func (fs *FileSystem) StatInode(id INodeID) (Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, err := fs.readAllocated(id)
	if err != nil {
		return Stat{}, err
	}
	return statFromInode(id, in), nil
}

// Lookup finds name within the directory inode parent.
func (fs *FileSystem) Lookup(parent INodeID, name string) (INodeID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.lookup(parent, name)
}

func (fs *FileSystem) lookup(parent INodeID, name string) (INodeID, error) {
	pin, err := fs.readAllocated(parent)
	if err != nil {
		return 0, err
	}
	d, err := fs.readDirectory(pin)
	if err != nil {
		return 0, err
	}
	return d.GetEntry(name)
}

// Read copies up to len(p) bytes at offset into p and returns the number of
// bytes read: 0 when offset is at or past the end of file. The inode's atime
// is refreshed.
func (fs *FileSystem) Read(id INodeID, p []byte, offset uint64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, err := fs.readAllocated(id)
	if err != nil {
		return 0, err
	}
	if in.isDir() {
		return 0, fmt.Errorf("read inode %d: %w", id, ErrNotRegular)
	}
	n, err := fs.readInodeAt(in, p, offset)
	if err != nil {
		return n, err
	}
	in.atime = uint64(fs.clock.Now().UnixNano())
	if err := fs.im.writeInode(id, in); err != nil {
		return n, err
	}
	return n, nil
}

// Write stores p at offset, growing the file and materializing blocks as
// needed, and returns the number of bytes written.
func (fs *FileSystem) Write(id INodeID, p []byte, offset uint64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, err := fs.readAllocated(id)
	if err != nil {
		return 0, err
	}
	if in.isDir() {
		return 0, fmt.Errorf("write inode %d: %w", id, ErrNotRegular)
	}
	n, err := fs.writeInodeAt(in, p, offset)
	if err != nil {
		return 0, err
	}
	now := uint64(fs.clock.Now().UnixNano())
	in.mtime = now
	in.ctime = now
	if err := fs.im.writeInode(id, in); err != nil {
		return n, err
	}
	return n, nil
}

// Truncate resizes the file to size. Shrinking releases blocks; growing
// leaves holes that read as zeros.
func (fs *FileSystem) Truncate(id INodeID, size uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, err := fs.readAllocated(id)
	if err != nil {
		return err
	}
	if in.isDir() {
		return fmt.Errorf("truncate inode %d: %w", id, ErrNotRegular)
	}
	if err := fs.truncateInode(in, size); err != nil {
		return err
	}
	now := uint64(fs.clock.Now().UnixNano())
	in.mtime = now
	in.ctime = now
	return fs.im.writeInode(id, in)
}

// ReadDirectory decodes the directory held by inode id.
func (fs *FileSystem) ReadDirectory(id INodeID) (*Directory, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, err := fs.readAllocated(id)
	if err != nil {
		return nil, err
	}
	return fs.readDirectory(in)
}

// CreateFile allocates a regular-file inode and links it into parent under
// name.
func (fs *FileSystem) CreateFile(parent INodeID, name string, mode uint32) (INodeID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.create(parent, name, mode, typeRegular)
}

// CreateDir allocates a directory inode seeded with "." and "..", and links
// it into parent under name.
func (fs *FileSystem) CreateDir(parent INodeID, name string, mode uint32) (INodeID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.create(parent, name, mode, typeDirectory)
}

func (fs *FileSystem) create(parent INodeID, name string, mode uint32, t inodeType) (INodeID, error) {
	log.Debugf("create %q type %d in inode %d", name, t, parent)
	if name == "" || name == "/" {
		return 0, fmt.Errorf("invalid name %q: %w", name, ErrNotFound)
	}
	pin, err := fs.readAllocated(parent)
	if err != nil {
		return 0, err
	}
	d, err := fs.readDirectory(pin)
	if err != nil {
		return 0, err
	}
	if _, err := d.GetEntry(name); err == nil {
		return 0, fmt.Errorf("entry %q: %w", name, ErrExists)
	}
	child := newInode(t, mode, fs.clock.Now())
	id, err := fs.im.allocate(child)
	if err != nil {
		return 0, err
	}
	if t == typeDirectory {
		if err := fs.writeDirectory(id, child, newDirectory(id, parent)); err != nil {
			_ = fs.unlinkInode(id)
			return 0, err
		}
	}
	if err := d.AddEntry(name, id); err != nil {
		_ = fs.unlinkInode(id)
		return 0, err
	}
	if err := fs.writeDirectory(parent, pin, d); err != nil {
		_ = fs.unlinkInode(id)
		return 0, err
	}
	return id, nil
}

// Remove unlinks name from parent and drops a link on the child inode,
// releasing it at zero links.
func (fs *FileSystem) Remove(parent INodeID, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.remove(parent, name, false)
}

// RemoveDir unlinks a directory, refusing unless it holds exactly "." and
// "..".
func (fs *FileSystem) RemoveDir(parent INodeID, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.remove(parent, name, true)
}

func (fs *FileSystem) remove(parent INodeID, name string, mustDir bool) error {
	log.Debugf("remove %q from inode %d", name, parent)
	if name == "." || name == ".." {
		return fmt.Errorf("refusing to remove %q", name)
	}
	pin, err := fs.readAllocated(parent)
	if err != nil {
		return err
	}
	d, err := fs.readDirectory(pin)
	if err != nil {
		return err
	}
	id, err := d.GetEntry(name)
	if err != nil {
		return err
	}
	cin, err := fs.readAllocated(id)
	if err != nil {
		return err
	}
	if mustDir {
		if !cin.isDir() {
			return fmt.Errorf("%q: %w", name, ErrNotDirectory)
		}
		cd, err := fs.readDirectory(cin)
		if err != nil {
			return err
		}
		if cd.Len() > 2 {
			return fmt.Errorf("%q: %w", name, ErrNotEmpty)
		}
	}
	if err := d.RemoveEntry(name); err != nil {
		return err
	}
	if err := fs.writeDirectory(parent, pin, d); err != nil {
		return err
	}
	return fs.unlinkInode(id)
}

// SetTimes updates the access and modification times of an inode; nil leaves
// the respective field unchanged. The change time is set to now.
func (fs *FileSystem) SetTimes(id INodeID, atime, mtime *time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, err := fs.readAllocated(id)
	if err != nil {
		return err
	}
	if atime != nil {
		in.atime = uint64(atime.UnixNano())
	}
	if mtime != nil {
		in.mtime = uint64(mtime.UnixNano())
	}
	in.ctime = uint64(fs.clock.Now().UnixNano())
	return fs.im.writeInode(id, in)
}

// Statfs reports device occupancy.
func (fs *FileSystem) Statfs() (StatFS, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	blocksFree, err := fs.bm.countFree()
	if err != nil {
		return StatFS{}, err
	}
	inodesFree, err := fs.im.countFree()
	if err != nil {
		return StatFS{}, err
	}
	return StatFS{
		BlockSize:  BlockSize,
		Blocks:     fs.sb.nrDblock,
		BlocksFree: blocksFree,
		Inodes:     fs.im.capacity(),
		InodesFree: inodesFree,
	}, nil
}

////////////////////////////////////////////////////////////////////////
// Path-level operations (the kernel bridge surface)
////////////////////////////////////////////////////////////////////////

// PathInode resolves a path to its inode id.
func (fs *FileSystem) PathInode(p string) (INodeID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.pathInode(p)
}

// Stat resolves a path and returns its metadata.
func (fs *FileSystem) Stat(p string) (Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id, err := fs.pathInode(p)
	if err != nil {
		return Stat{}, err
	}
	in, err := fs.readAllocated(id)
	if err != nil {
		return Stat{}, err
	}
	return statFromInode(id, in), nil
}

// Mknod creates a regular file at path p.
func (fs *FileSystem) Mknod(p string, mode uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	log.Debugf("mknod %s", p)
	parent, name, err := fs.splitParent(p)
	if err != nil {
		return err
	}
	_, err = fs.create(parent, name, mode, typeRegular)
	return err
}

// Mkdir creates a directory at path p.
func (fs *FileSystem) Mkdir(p string, mode uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	log.Debugf("mkdir %s", p)
	parent, name, err := fs.splitParent(p)
	if err != nil {
		return err
	}
	_, err = fs.create(parent, name, mode, typeDirectory)
	return err
}

// Unlink removes the file at path p.
func (fs *FileSystem) Unlink(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	log.Debugf("unlink %s", p)
	parent, name, err := fs.splitParent(p)
	if err != nil {
		return err
	}
	return fs.remove(parent, name, false)
}

// Rmdir removes the directory at path p if it is empty.
func (fs *FileSystem) Rmdir(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	log.Debugf("rmdir %s", p)
	parent, name, err := fs.splitParent(p)
	if err != nil {
		return err
	}
	return fs.remove(parent, name, true)
}

// ReadDir lists the entries of the directory at path p, "." and ".." first.
func (fs *FileSystem) ReadDir(p string) ([]DirEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id, err := fs.pathInode(p)
	if err != nil {
		return nil, err
	}
	in, err := fs.readAllocated(id)
	if err != nil {
		return nil, err
	}
	d, err := fs.readDirectory(in)
	if err != nil {
		return nil, err
	}
	return d.Entries(), nil
}

// Utimens sets access and modification times on the inode at path p; nil
// leaves the respective field unchanged.
func (fs *FileSystem) Utimens(p string, atime, mtime *time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id, err := fs.pathInode(p)
	if err != nil {
		return err
	}
	in, err := fs.readAllocated(id)
	if err != nil {
		return err
	}
	if atime != nil {
		in.atime = uint64(atime.UnixNano())
	}
	if mtime != nil {
		in.mtime = uint64(mtime.UnixNano())
	}
	in.ctime = uint64(fs.clock.Now().UnixNano())
	return fs.im.writeInode(id, in)
}

// splitParent decomposes p into its parent directory's inode and the final
// component.
func (fs *FileSystem) splitParent(p string) (INodeID, string, error) {
	clean := simplifyPath(p)
	if clean == "/" {
		return 0, "", fmt.Errorf("path %q: %w", p, ErrExists)
	}
	parent, err := fs.pathInode(directoryName(clean))
	if err != nil {
		return 0, "", err
	}
	return parent, fileName(clean), nil
}

func statFromInode(id INodeID, in *inode) Stat {
	mode := os.FileMode(in.mode & 0o777)
	if in.isDir() {
		mode |= os.ModeDir
	}
	return Stat{
		INode:     id,
		Mode:      mode,
		Links:     in.links,
		UID:       in.uid,
		GID:       in.gid,
		Size:      in.size,
		Blocks:    in.block,
		BlockSize: BlockSize,
		Atime:     time.Unix(0, int64(in.atime)),
		Mtime:     time.Unix(0, int64(in.mtime)),
		Ctime:     time.Unix(0, int64(in.ctime)),
	}
}

////////////////////////////////////////////////////////////////////////
// Invariants
////////////////////////////////////////////////////////////////////////

// reachableBlocks collects every data block in the inode's reach: leaves and
// index blocks, holes excluded.
func (fs *FileSystem) reachableBlocks(in *inode) ([]BlockID, error) {
	var out []BlockID
	for k := 0; k < numDirect; k++ {
		if in.pBlock[k] != 0 {
			out = append(out, in.pBlock[k])
		}
	}
	for _, r := range indexRegions {
		if in.pBlock[r.slot] == 0 {
			continue
		}
		if err := fs.collectTree(in.pBlock[r.slot], r.depth, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (fs *FileSystem) collectTree(root BlockID, depth int, out *[]BlockID) error {
	*out = append(*out, root)
	buf := make([]byte, BlockSize)
	if err := fs.bm.readDblock(root, buf); err != nil {
		return err
	}
	for i := 0; i < ptrsPerBlock; i++ {
		child := BlockID(binary.LittleEndian.Uint64(buf[8*i : 8*i+8]))
		if child == 0 {
			continue
		}
		if depth == 1 {
			*out = append(*out, child)
			continue
		}
		if err := fs.collectTree(child, depth-1, out); err != nil {
			return err
		}
	}
	return nil
}

// checkInvariants panics unless the structural invariants hold. It runs on
// every lock transition when invariant checking is enabled; tests and the
// --debug-invariants mount flag turn it on.
func (fs *FileSystem) checkInvariants() {
	used := make(map[BlockID]INodeID)
	capacity := fs.im.capacity()

	for i := uint32(0); i < capacity; i++ {
		id := INodeID(i)
		in, err := fs.im.readInode(id)
		if err != nil {
			panic(fmt.Sprintf("cannot read inode %d: %v", id, err))
		}
		if in.itype == typeFree {
			continue
		}

		// INVARIANT: allocated inodes carry at least one link
		if in.links < 1 {
			panic(fmt.Sprintf("inode %d allocated with %d links", id, in.links))
		}

		// INVARIANT: size within the three-level addressing limit
		if in.size > MaxFileSize {
			panic(fmt.Sprintf("inode %d size %d exceeds max %d", id, in.size, uint64(MaxFileSize)))
		}

		// INVARIANT: block graphs of allocated inodes are disjoint, in range,
		// and consistent with the inode's block count
		blocks, err := fs.reachableBlocks(in)
		if err != nil {
			panic(fmt.Sprintf("cannot walk blocks of inode %d: %v", id, err))
		}
		if uint64(len(blocks)) != in.block {
			panic(fmt.Sprintf("inode %d charges %d blocks but reaches %d", id, in.block, len(blocks)))
		}
		for _, b := range blocks {
			if uint64(b) < fs.sb.sDblock || uint64(b) >= fs.sb.nrBlock {
				panic(fmt.Sprintf("inode %d reaches block %d outside the data region", id, b))
			}
			if prev, ok := used[b]; ok {
				panic(fmt.Sprintf("block %d reachable from inodes %d and %d", b, prev, id))
			}
			used[b] = id
		}

		// INVARIANT: directories decode, with "." and ".." leading; the
		// root's ".." is the root itself
		if in.isDir() {
			d, err := fs.readDirectory(in)
			if err != nil {
				panic(fmt.Sprintf("cannot decode directory inode %d: %v", id, err))
			}
			if d.Len() < 2 || d.entries[0].Name != "." || d.entries[1].Name != ".." {
				panic(fmt.Sprintf("directory inode %d does not lead with . and ..", id))
			}
			if d.entries[0].INode != id {
				panic(fmt.Sprintf("directory inode %d has . pointing at %d", id, d.entries[0].INode))
			}
			if id == RootInode && d.entries[1].INode != RootInode {
				panic(fmt.Sprintf("root .. points at inode %d", d.entries[1].INode))
			}
		}
	}

	// INVARIANT: free list and reachable blocks partition the data region
	free, err := fs.bm.freeSet()
	if err != nil {
		panic(fmt.Sprintf("cannot walk free list: %v", err))
	}
	for b := range free {
		if owner, ok := used[b]; ok {
			panic(fmt.Sprintf("block %d is free but reachable from inode %d", b, owner))
		}
	}
	if got := uint64(len(free)) + uint64(len(used)); got != fs.sb.nrDblock {
		panic(fmt.Sprintf("%d blocks accounted for, data region has %d", got, fs.sb.nrDblock))
	}
}
