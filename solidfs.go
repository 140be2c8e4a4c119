// Package solidfs implements methods for creating and opening solid
// filesystem images, whether block devices in /dev or direct disk images.
// This does **not** mount anything through the kernel by itself; the engine
// manipulates the bytes directly. The fuse subpackage bridges a mounted
// engine to the operating system.
//
// Some examples:
//
// 1. Create a formatted 16MB image and write a file into it.
//
//	import solidfs "github.com/solidfs/go-solidfs"
//
//	fs, err := solidfs.CreateImage("/tmp/solid.img", 4096, 9)
//	err = fs.Mknod("/hello", 0o644)
//	id, err := fs.PathInode("/hello")
//	n, err := fs.Write(id, []byte("hello world"), 0)
//
// 2. Reopen the image later.
//
//	fs, err := solidfs.OpenImage("/tmp/solid.img")
//	entries, err := fs.ReadDir("/")
package solidfs

import (
	"github.com/jacobsa/timeutil"
	log "github.com/sirupsen/logrus"

	"github.com/solidfs/go-solidfs/backend/file"
	"github.com/solidfs/go-solidfs/backend/mem"
	"github.com/solidfs/go-solidfs/filesystem/solid"
)

// Default geometry: one block for each logical block a file can address below
// the triple-indirect region (10 direct, 512 single-indirect, 512*512
// double-indirect), and 9 inode blocks. The data region is smaller than that
// count, so no single file can fill the whole double-indirect region.
const (
	DefaultBlocks      = 10 + 512 + 512*512
	DefaultInodeBlocks = 9
)

// CreateImage creates an image file of nrBlocks blocks, formats it and
// returns the mounted engine. The file must not exist yet.
func CreateImage(pathName string, nrBlocks, nrInodeBlocks uint64) (*solid.FileSystem, error) {
	storage, err := file.CreateFromPath(pathName, solid.BlockSize, nrBlocks)
	if err != nil {
		return nil, err
	}
	log.Debugf("created image %s with %d blocks", pathName, nrBlocks)
	return solid.Mkfs(storage, nrInodeBlocks, timeutil.RealClock())
}

// OpenImage opens an existing formatted image file or block device.
func OpenImage(pathName string) (*solid.FileSystem, error) {
	storage, err := file.OpenFromPath(pathName, solid.BlockSize, false)
	if err != nil {
		return nil, err
	}
	return solid.Open(storage, timeutil.RealClock())
}

// CreateRAM formats a fresh in-memory device, useful for tests and volatile
// mounts.
func CreateRAM(nrBlocks, nrInodeBlocks uint64) (*solid.FileSystem, error) {
	return solid.Mkfs(mem.New(solid.BlockSize, nrBlocks), nrInodeBlocks, timeutil.RealClock())
}
