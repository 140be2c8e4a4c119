// Package fuse bridges a solid.FileSystem to the kernel through
// github.com/jacobsa/fuse. Every kernel operation maps 1:1 onto an engine
// operation; engine error kinds come back as negated POSIX error numbers.
package fuse

import (
	"context"
	"errors"
	stdlog "log"
	"os"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	log "github.com/sirupsen/logrus"

	"github.com/solidfs/go-solidfs/filesystem/solid"
)

type solidFS struct {
	fuseutil.NotImplementedFileSystem
	fs *solid.FileSystem
}

// NewFileSystem wraps an engine in the fuseutil op interface. The engine
// serializes internally, so ops may arrive on multiple goroutines.
func NewFileSystem(fs *solid.FileSystem) fuseutil.FileSystem {
	return &solidFS{fs: fs}
}

// NewServer wraps an engine in a fuse server.
func NewServer(fs *solid.FileSystem) fuse.Server {
	return fuseutil.NewFileSystemServer(NewFileSystem(fs))
}

// Mount serves the engine at mountpoint until the kernel unmounts it; use
// the returned MountedFileSystem's Join to wait.
func Mount(mountpoint string, fs *solid.FileSystem, debug bool) (*fuse.MountedFileSystem, error) {
	cfg := &fuse.MountConfig{
		FSName:                  "solidfs",
		DisableWritebackCaching: true,
	}
	if debug {
		cfg.DebugLogger = stdlog.New(log.StandardLogger().Writer(), "fuse: ", 0)
	}
	return fuse.Mount(mountpoint, NewServer(fs), cfg)
}

// The kernel's root inode id is 1; the engine's is 0. Shift by one both ways.

func engineID(id fuseops.InodeID) solid.INodeID {
	return solid.INodeID(id - 1)
}

func kernelID(id solid.INodeID) fuseops.InodeID {
	return fuseops.InodeID(id) + 1
}

// errno converts an engine error to the errno the kernel should see.
func errno(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, solid.ErrNotFound):
		return fuse.ENOENT
	case errors.Is(err, solid.ErrNotDirectory):
		return fuse.ENOTDIR
	case errors.Is(err, solid.ErrNotRegular):
		return syscall.EISDIR
	case errors.Is(err, solid.ErrExists):
		return fuse.EEXIST
	case errors.Is(err, solid.ErrNoSpace):
		return syscall.ENOSPC
	case errors.Is(err, solid.ErrFileTooLarge):
		return syscall.EFBIG
	case errors.Is(err, solid.ErrNotEmpty):
		return fuse.ENOTEMPTY
	default:
		log.Errorf("filesystem error: %v", err)
		return fuse.EIO
	}
}

func attributes(st solid.Stat) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:   st.Size,
		Nlink:  st.Links,
		Mode:   st.Mode,
		Uid:    st.UID,
		Gid:    st.GID,
		Atime:  st.Atime,
		Mtime:  st.Mtime,
		Ctime:  st.Ctime,
		Crtime: st.Ctime,
	}
}

// expiration how long the kernel may cache entries and attributes. Nothing
// mutates the image behind the mount's back, so a minute is safe.
func expiration() time.Time {
	return time.Now().Add(time.Minute)
}

func (s *solidFS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	st, err := s.fs.Statfs()
	if err != nil {
		return errno(err)
	}
	op.BlockSize = st.BlockSize
	op.Blocks = st.Blocks
	op.BlocksFree = st.BlocksFree
	op.BlocksAvailable = st.BlocksFree
	op.IoSize = st.BlockSize
	op.Inodes = uint64(st.Inodes)
	op.InodesFree = uint64(st.InodesFree)
	return nil
}

func (s *solidFS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	child, err := s.fs.Lookup(engineID(op.Parent), op.Name)
	if err != nil {
		return errno(err)
	}
	st, err := s.fs.StatInode(child)
	if err != nil {
		return errno(err)
	}
	op.Entry.Child = kernelID(child)
	op.Entry.Attributes = attributes(st)
	op.Entry.AttributesExpiration = expiration()
	op.Entry.EntryExpiration = expiration()
	return nil
}

func (s *solidFS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	st, err := s.fs.StatInode(engineID(op.Inode))
	if err != nil {
		return errno(err)
	}
	op.Attributes = attributes(st)
	op.AttributesExpiration = expiration()
	return nil
}

func (s *solidFS) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	id := engineID(op.Inode)
	// chmod/chown are not part of the engine surface
	if op.Mode != nil {
		return fuse.ENOSYS
	}
	if op.Size != nil {
		if err := s.fs.Truncate(id, *op.Size); err != nil {
			return errno(err)
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		if err := s.fs.SetTimes(id, op.Atime, op.Mtime); err != nil {
			return errno(err)
		}
	}
	st, err := s.fs.StatInode(id)
	if err != nil {
		return errno(err)
	}
	op.Attributes = attributes(st)
	op.AttributesExpiration = expiration()
	return nil
}

func (s *solidFS) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	// inode lifetimes are governed by link counts, not kernel references
	return nil
}

func (s *solidFS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	child, err := s.fs.CreateDir(engineID(op.Parent), op.Name, uint32(op.Mode.Perm()))
	if err != nil {
		return errno(err)
	}
	return s.fillEntry(child, &op.Entry)
}

func (s *solidFS) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	if op.Mode&os.ModeType != 0 {
		// only regular files; no devices, pipes or sockets
		return fuse.ENOSYS
	}
	child, err := s.fs.CreateFile(engineID(op.Parent), op.Name, uint32(op.Mode.Perm()))
	if err != nil {
		return errno(err)
	}
	return s.fillEntry(child, &op.Entry)
}

func (s *solidFS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	child, err := s.fs.CreateFile(engineID(op.Parent), op.Name, uint32(op.Mode.Perm()))
	if err != nil {
		return errno(err)
	}
	return s.fillEntry(child, &op.Entry)
}

func (s *solidFS) fillEntry(child solid.INodeID, entry *fuseops.ChildInodeEntry) error {
	st, err := s.fs.StatInode(child)
	if err != nil {
		return errno(err)
	}
	entry.Child = kernelID(child)
	entry.Attributes = attributes(st)
	entry.AttributesExpiration = expiration()
	entry.EntryExpiration = expiration()
	return nil
}

func (s *solidFS) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return errno(s.fs.RemoveDir(engineID(op.Parent), op.Name))
}

func (s *solidFS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return errno(s.fs.Remove(engineID(op.Parent), op.Name))
}

func (s *solidFS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	st, err := s.fs.StatInode(engineID(op.Inode))
	if err != nil {
		return errno(err)
	}
	if !st.Mode.IsDir() {
		return fuse.ENOTDIR
	}
	return nil
}

func (s *solidFS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	dir, err := s.fs.ReadDirectory(engineID(op.Inode))
	if err != nil {
		return errno(err)
	}
	entries := dir.Entries()
	for i := int(op.Offset); i < len(entries); i++ {
		e := entries[i]
		typ := fuseutil.DT_File
		if st, err := s.fs.StatInode(e.INode); err == nil && st.Mode.IsDir() {
			typ = fuseutil.DT_Directory
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  kernelID(e.INode),
			Name:   e.Name,
			Type:   typ,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (s *solidFS) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return nil
}

func (s *solidFS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	st, err := s.fs.StatInode(engineID(op.Inode))
	if err != nil {
		return errno(err)
	}
	if st.Mode.IsDir() {
		return syscall.EISDIR
	}
	return nil
}

func (s *solidFS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	n, err := s.fs.Read(engineID(op.Inode), op.Dst, uint64(op.Offset))
	op.BytesRead = n
	return errno(err)
}

func (s *solidFS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	_, err := s.fs.Write(engineID(op.Inode), op.Data, uint64(op.Offset))
	return errno(err)
}

func (s *solidFS) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (s *solidFS) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return nil
}

func (s *solidFS) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return nil
}
