package solid_test

/*
 These test the exported surface end to end on an in-memory device with the
 reference geometry (4096-byte blocks, 1300 blocks, 9 inode blocks).
 Invariant checking is enabled for the whole binary, so every public
 operation re-verifies inode accounting, block conservation and directory
 shape on entry and exit.
*/

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"

	"github.com/solidfs/go-solidfs/backend/mem"
	"github.com/solidfs/go-solidfs/filesystem/solid"
)

var epoch = time.Date(2021, 3, 14, 15, 9, 26, 535897932, time.UTC)

func TestMain(m *testing.M) {
	syncutil.EnableInvariantChecking()
	os.Exit(m.Run())
}

func newFS(t *testing.T) (*solid.FileSystem, *timeutil.SimulatedClock) {
	t.Helper()
	clock := new(timeutil.SimulatedClock)
	clock.SetTime(epoch)
	fs, err := solid.Mkfs(mem.New(solid.BlockSize, 1300), 9, clock)
	if err != nil {
		t.Fatalf("mkfs failed: %v", err)
	}
	return fs, clock
}

func TestMkfsRoot(t *testing.T) {
	fs, _ := newFS(t)
	st, err := fs.Stat("/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !st.Mode.IsDir() {
		t.Errorf("root mode %v is not a directory", st.Mode)
	}
	if st.INode != solid.RootInode {
		t.Errorf("root inode %d, expected %d", st.INode, solid.RootInode)
	}
	// the packed entry stream for "." and ".." is 7 + 8 bytes
	if st.Size != 15 {
		t.Errorf("root size %d, expected 15", st.Size)
	}
	if st.Links < 1 {
		t.Errorf("root links %d", st.Links)
	}

	entries, err := fs.ReadDir("/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 || entries[0].Name != "." || entries[1].Name != ".." {
		t.Errorf("root entries %v", entries)
	}
	if entries[1].INode != solid.RootInode {
		t.Errorf("root .. points at %d", entries[1].INode)
	}
}

func TestStatfs(t *testing.T) {
	fs, _ := newFS(t)
	st, err := fs.Statfs()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Blocks != 1290 {
		t.Errorf("%d data blocks, expected 1290", st.Blocks)
	}
	// the root directory holds one block, and the last node block of the
	// free-list chain is never handed out
	if st.BlocksFree != 1288 {
		t.Errorf("%d blocks free, expected 1288", st.BlocksFree)
	}
	if st.Inodes != 144 || st.InodesFree != 143 {
		t.Errorf("inodes %d/%d, expected 143/144", st.InodesFree, st.Inodes)
	}
}

func TestWriteReadSmall(t *testing.T) {
	fs, _ := newFS(t)
	if err := fs.Mknod("/a", 0o644); err != nil {
		t.Fatalf("mknod failed: %v", err)
	}
	id, err := fs.PathInode("/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, err := fs.Write(id, []byte("hello"), 0)
	if err != nil || n != 5 {
		t.Fatalf("write returned %d, %v", n, err)
	}
	out := make([]byte, 5)
	n, err = fs.Read(id, out, 0)
	if err != nil || n != 5 {
		t.Fatalf("read returned %d, %v", n, err)
	}
	if string(out) != "hello" {
		t.Errorf("read back %q", out)
	}
	st, err := fs.Stat("/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Size != 5 || st.Blocks != 1 {
		t.Errorf("size %d blocks %d, expected 5 and 1", st.Size, st.Blocks)
	}
}

func TestSparseWrite(t *testing.T) {
	fs, _ := newFS(t)
	if err := fs.Mknod("/a", 0o644); err != nil {
		t.Fatalf("mknod failed: %v", err)
	}
	id, err := fs.PathInode("/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := fs.Write(id, []byte{0}, 10485759); err != nil {
		t.Fatalf("sparse write failed: %v", err)
	}
	st, err := fs.StatInode(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Size != 10485760 {
		t.Errorf("size %d, expected 10485760", st.Size)
	}
	if st.Blocks < 3 {
		t.Errorf("blocks %d, expected at least 3", st.Blocks)
	}
	// the hole before the written byte reads as zeros
	out := make([]byte, 4096)
	n, err := fs.Read(id, out, 5*4096)
	if err != nil || n != 4096 {
		t.Fatalf("read returned %d, %v", n, err)
	}
	if !bytes.Equal(out, make([]byte, 4096)) {
		t.Errorf("hole did not read as zeros")
	}
}

func TestMkdirRmdir(t *testing.T) {
	fs, _ := newFS(t)
	if err := fs.Mkdir("/d", 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := fs.Mknod("/d/f", 0o644); err != nil {
		t.Fatalf("mknod failed: %v", err)
	}
	if err := fs.Rmdir("/d"); !errors.Is(err, solid.ErrNotEmpty) {
		t.Fatalf("rmdir of a populated directory: expected ErrNotEmpty, got %v", err)
	}
	if err := fs.Unlink("/d/f"); err != nil {
		t.Fatalf("unlink failed: %v", err)
	}
	if err := fs.Rmdir("/d"); err != nil {
		t.Fatalf("rmdir failed: %v", err)
	}
	if _, err := fs.Stat("/d"); !errors.Is(err, solid.ErrNotFound) {
		t.Errorf("expected ErrNotFound after rmdir, got %v", err)
	}
}

func TestDirectoryChildDots(t *testing.T) {
	fs, _ := newFS(t)
	if err := fs.Mkdir("/d", 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	self, err := fs.PathInode("/d")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries, err := fs.ReadDir("/d")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("fresh directory has %d entries", len(entries))
	}
	if entries[0].Name != "." || entries[0].INode != self {
		t.Errorf(". entry is %v, expected self %d", entries[0], self)
	}
	if entries[1].Name != ".." || entries[1].INode != solid.RootInode {
		t.Errorf(".. entry is %v, expected root", entries[1])
	}
}

func TestBlockAccountingAndTruncate(t *testing.T) {
	fs, _ := newFS(t)
	if err := fs.Mknod("/x", 0o644); err != nil {
		t.Fatalf("mknod failed: %v", err)
	}
	id, err := fs.PathInode("/x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	buf := make([]byte, 4096)
	for k := uint64(0); k < 12; k++ {
		if _, err := fs.Write(id, buf, k*4096); err != nil {
			t.Fatalf("write %d failed: %v", k, err)
		}
	}
	st, err := fs.StatInode(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Blocks != 13 {
		t.Errorf("blocks %d, expected 13 (10 direct + index + 2 leaves)", st.Blocks)
	}

	if err := fs.Truncate(id, 0); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}
	st, err = fs.StatInode(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Size != 0 || st.Blocks != 0 {
		t.Errorf("after truncate: size %d blocks %d", st.Size, st.Blocks)
	}
	// idempotent
	if err := fs.Truncate(id, 0); err != nil {
		t.Fatalf("second truncate failed: %v", err)
	}
}

func TestUnlinkReturnsBlocks(t *testing.T) {
	fs, _ := newFS(t)
	before, err := fs.Statfs()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := fs.Mknod("/big", 0o644); err != nil {
		t.Fatalf("mknod failed: %v", err)
	}
	id, err := fs.PathInode("/big")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := fs.Write(id, make([]byte, 20*4096), 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	st, err := fs.StatInode(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	during, err := fs.Statfs()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if during.BlocksFree != before.BlocksFree-st.Blocks {
		t.Errorf("free fell by %d blocks, inode charges %d", before.BlocksFree-during.BlocksFree, st.Blocks)
	}

	if err := fs.Unlink("/big"); err != nil {
		t.Fatalf("unlink failed: %v", err)
	}
	after, err := fs.Statfs()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if after.BlocksFree != before.BlocksFree {
		t.Errorf("free count %d after unlink, %d before create", after.BlocksFree, before.BlocksFree)
	}
	if after.InodesFree != before.InodesFree {
		t.Errorf("inode count %d after unlink, %d before create", after.InodesFree, before.InodesFree)
	}
}

func TestPathEquivalence(t *testing.T) {
	fs, _ := newFS(t)
	if err := fs.Mkdir("/b", 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := fs.Mknod("/b/c", 0o644); err != nil {
		t.Fatalf("mknod failed: %v", err)
	}
	a, err := fs.PathInode("/a/../b/./c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := fs.PathInode("/b/c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Errorf("equivalent paths resolve to %d and %d", a, b)
	}
}

func TestErrorKinds(t *testing.T) {
	fs, _ := newFS(t)
	if err := fs.Mknod("/a", 0o644); err != nil {
		t.Fatalf("mknod failed: %v", err)
	}

	if err := fs.Mknod("/a", 0o644); !errors.Is(err, solid.ErrExists) {
		t.Errorf("duplicate mknod: expected ErrExists, got %v", err)
	}
	if err := fs.Mkdir("/a", 0o755); !errors.Is(err, solid.ErrExists) {
		t.Errorf("mkdir over a file: expected ErrExists, got %v", err)
	}
	if _, err := fs.Stat("/missing"); !errors.Is(err, solid.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := fs.Unlink("/missing"); !errors.Is(err, solid.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := fs.Stat("/a/b"); !errors.Is(err, solid.ErrNotDirectory) {
		t.Errorf("file as directory: expected ErrNotDirectory, got %v", err)
	}
	if err := fs.Rmdir("/a"); !errors.Is(err, solid.ErrNotDirectory) {
		t.Errorf("rmdir of a file: expected ErrNotDirectory, got %v", err)
	}

	if _, err := fs.Read(solid.RootInode, make([]byte, 10), 0); !errors.Is(err, solid.ErrNotRegular) {
		t.Errorf("read of a directory: expected ErrNotRegular, got %v", err)
	}
	if _, err := fs.Write(solid.RootInode, []byte("x"), 0); !errors.Is(err, solid.ErrNotRegular) {
		t.Errorf("write of a directory: expected ErrNotRegular, got %v", err)
	}

	id, err := fs.PathInode("/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := fs.Write(id, []byte("x"), solid.MaxFileSize); !errors.Is(err, solid.ErrFileTooLarge) {
		t.Errorf("write past the limit: expected ErrFileTooLarge, got %v", err)
	}
}

func TestTimes(t *testing.T) {
	fs, clock := newFS(t)
	if err := fs.Mknod("/a", 0o644); err != nil {
		t.Fatalf("mknod failed: %v", err)
	}
	id, err := fs.PathInode("/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.AdvanceTime(3 * time.Second)
	wrote := clock.Now()
	if _, err := fs.Write(id, []byte("data"), 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	st, err := fs.StatInode(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !st.Mtime.Equal(wrote) || !st.Ctime.Equal(wrote) {
		t.Errorf("write set mtime %v ctime %v, expected %v", st.Mtime, st.Ctime, wrote)
	}

	clock.AdvanceTime(3 * time.Second)
	read := clock.Now()
	if _, err := fs.Read(id, make([]byte, 4), 0); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	st, err = fs.StatInode(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !st.Atime.Equal(read) {
		t.Errorf("read set atime %v, expected %v", st.Atime, read)
	}
	if !st.Mtime.Equal(wrote) {
		t.Errorf("read moved mtime to %v", st.Mtime)
	}

	// utimens stores full-resolution atime and mtime and bumps ctime
	clock.AdvanceTime(3 * time.Second)
	at := time.Date(2020, 1, 2, 3, 4, 5, 678901234, time.UTC)
	mt := time.Date(2019, 6, 7, 8, 9, 10, 111213141, time.UTC)
	if err := fs.Utimens("/a", &at, &mt); err != nil {
		t.Fatalf("utimens failed: %v", err)
	}
	st, err = fs.StatInode(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !st.Atime.Equal(at) || !st.Mtime.Equal(mt) {
		t.Errorf("utimens set atime %v mtime %v", st.Atime, st.Mtime)
	}
	if !st.Ctime.Equal(clock.Now()) {
		t.Errorf("utimens set ctime %v, expected %v", st.Ctime, clock.Now())
	}
}

func TestReopen(t *testing.T) {
	storage := mem.New(solid.BlockSize, 1300)
	var clock timeutil.SimulatedClock
	clock.SetTime(epoch)
	fs, err := solid.Mkfs(storage, 9, &clock)
	if err != nil {
		t.Fatalf("mkfs failed: %v", err)
	}
	if err := fs.Mkdir("/etc", 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := fs.Mknod("/etc/passwd", 0o644); err != nil {
		t.Fatalf("mknod failed: %v", err)
	}
	id, err := fs.PathInode("/etc/passwd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	content := []byte("root:x:0:0::/root:/bin/sh\n")
	if _, err := fs.Write(id, content, 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// a second engine over the same device sees the same tree and can keep
	// allocating
	fs2, err := solid.Open(storage, &clock)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	id2, err := fs2.PathInode("/etc/passwd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id2 != id {
		t.Errorf("reopened path resolves to %d, expected %d", id2, id)
	}
	out := make([]byte, len(content))
	if _, err := fs2.Read(id2, out, 0); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(out, content) {
		t.Errorf("read back %q", out)
	}
	if err := fs2.Mknod("/etc/group", 0o644); err != nil {
		t.Fatalf("mknod after reopen failed: %v", err)
	}
	gid, err := fs2.PathInode("/etc/group")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := fs2.Write(gid, []byte("root:x:0:\n"), 0); err != nil {
		t.Fatalf("write after reopen failed: %v", err)
	}
}

func TestDirectoryWriteRejected(t *testing.T) {
	fs, _ := newFS(t)
	if err := fs.Truncate(solid.RootInode, 0); !errors.Is(err, solid.ErrNotRegular) {
		t.Errorf("truncate of a directory: expected ErrNotRegular, got %v", err)
	}
}
