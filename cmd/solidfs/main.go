// Command solidfs creates solid filesystem images and mounts them through
// FUSE.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	jacobsafuse "github.com/jacobsa/fuse"
	"github.com/jacobsa/syncutil"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	solidfs "github.com/solidfs/go-solidfs"
	"github.com/solidfs/go-solidfs/filesystem/solid"
	"github.com/solidfs/go-solidfs/fuse"
)

var (
	flagBlocks          uint64
	flagInodeBlocks     uint64
	flagRAM             bool
	flagDebugFuse       bool
	flagDebugInvariants bool
	flagVerbose         bool
)

func main() {
	root := &cobra.Command{
		Use:           "solidfs",
		Short:         "solid filesystem images and mounts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagVerbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	mkfs := &cobra.Command{
		Use:   "mkfs <image>",
		Short: "create and format a filesystem image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := solidfs.CreateImage(args[0], flagBlocks, flagInodeBlocks)
			if err != nil {
				return err
			}
			st, err := fs.Statfs()
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d data blocks of %d bytes, %d inodes\n",
				args[0], st.Blocks, st.BlockSize, st.Inodes)
			return nil
		},
	}
	mkfs.Flags().Uint64Var(&flagBlocks, "blocks", solidfs.DefaultBlocks, "total number of blocks")
	mkfs.Flags().Uint64Var(&flagInodeBlocks, "inode-blocks", solidfs.DefaultInodeBlocks, "number of inode blocks")

	mount := &cobra.Command{
		Use:   "mount <image> <mountpoint>",
		Short: "mount a filesystem image through FUSE",
		Args: func(cmd *cobra.Command, args []string) error {
			if flagRAM {
				return cobra.ExactArgs(1)(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: runMount,
	}
	mount.Flags().BoolVar(&flagRAM, "ram", false, "mount a fresh in-memory filesystem instead of an image")
	mount.Flags().Uint64Var(&flagBlocks, "blocks", solidfs.DefaultBlocks, "total number of blocks (--ram only)")
	mount.Flags().Uint64Var(&flagInodeBlocks, "inode-blocks", solidfs.DefaultInodeBlocks, "number of inode blocks (--ram only)")
	mount.Flags().BoolVar(&flagDebugFuse, "debug-fuse", false, "log the kernel fuse protocol")
	mount.Flags().BoolVar(&flagDebugInvariants, "debug-invariants", false, "re-check filesystem invariants around every operation")

	root.AddCommand(mkfs, mount)
	if err := root.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func runMount(cmd *cobra.Command, args []string) error {
	if flagDebugInvariants {
		syncutil.EnableInvariantChecking()
	}

	var (
		fs         *solid.FileSystem
		err        error
		mountpoint string
	)
	if flagRAM {
		mountpoint = args[0]
		fs, err = solidfs.CreateRAM(flagBlocks, flagInodeBlocks)
	} else {
		mountpoint = args[1]
		fs, err = solidfs.OpenImage(args[0])
	}
	if err != nil {
		return err
	}

	mfs, err := fuse.Mount(mountpoint, fs, flagDebugFuse)
	if err != nil {
		return fmt.Errorf("could not mount at %s: %w", mountpoint, err)
	}
	log.Infof("mounted at %s", mountpoint)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		log.Infof("unmounting %s", mountpoint)
		if err := jacobsafuse.Unmount(mountpoint); err != nil {
			log.Errorf("unmount: %v", err)
		}
	}()

	return mfs.Join(context.Background())
}
