package solid

import (
	"errors"
	"strings"
	"testing"

	"github.com/jacobsa/timeutil"

	"github.com/solidfs/go-solidfs/testhelper"
)

// storage failures are fatal to the current operation and bubble up wrapped
func TestStorageErrorsPropagate(t *testing.T) {
	sb := getValidSuperblock()
	broken := &testhelper.StorageImpl{
		BSize: BlockSize,
		Count: sb.nrBlock,
		Reader: func(id uint64, buf []byte) error {
			return errors.New("injected read failure")
		},
		Writer: func(id uint64, buf []byte) error {
			return errors.New("injected write failure")
		},
	}

	t.Run("inode read", func(t *testing.T) {
		im := newInodeManager(broken, sb)
		if _, err := im.readInode(0); err == nil || !strings.Contains(err.Error(), "injected read failure") {
			t.Errorf("expected the injected failure, got %v", err)
		}
	})

	t.Run("block allocation", func(t *testing.T) {
		bm := newBlockManager(broken, sb)
		bm.head = BlockID(sb.sDblock)
		if _, err := bm.allocate(); err == nil || !strings.Contains(err.Error(), "injected read failure") {
			t.Errorf("expected the injected failure, got %v", err)
		}
	})

	t.Run("open", func(t *testing.T) {
		var clock timeutil.SimulatedClock
		clock.SetTime(testEpoch)
		if _, err := Open(broken, &clock); err == nil || !strings.Contains(err.Error(), "injected read failure") {
			t.Errorf("expected the injected failure, got %v", err)
		}
	})

	t.Run("mkfs", func(t *testing.T) {
		var clock timeutil.SimulatedClock
		clock.SetTime(testEpoch)
		if _, err := Mkfs(broken, sb.nrIblock, &clock); err == nil || !strings.Contains(err.Error(), "injected write failure") {
			t.Errorf("expected the injected failure, got %v", err)
		}
	})
}
