// Command mkktfs builds a bootable KTFS disk image from a host skeleton
// directory, the image-building half of original_source's mkfs
// workflow (spec.md §4.7, §6).
//
// Grounded on mkfs/mkfs.go's addfiles/copydata walk, adapted from
// ufs.Ufs_t's MkFile/MkDir/Append tree API to ktfs.Filesystem_t's flat
// Create/Open namespace: every host path (directories included) becomes
// one flat KTFS filename, since KTFS has no directory hierarchy to
// replicate (spec.md §4.7's root directory is a single flat table).
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hakyung4/operating-system/internal/blockdev"
	"github.com/hakyung4/operating-system/kio"
	"github.com/hakyung4/operating-system/klog"
	"github.com/hakyung4/operating-system/ktfs"
	"github.com/hakyung4/operating-system/util"
	"github.com/spf13/cobra"
)

const bitsPerBlock = ktfs.BlockSize * 8

var (
	inodeBlocks int
	dataBlocks  int
)

func main() {
	root := &cobra.Command{
		Use:   "mkktfs <output image> <skeleton dir>",
		Short: "Build a KTFS disk image from a host directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], args[1])
		},
	}
	root.Flags().IntVar(&inodeBlocks, "inode-blocks", 4, "inode table size in blocks")
	root.Flags().IntVar(&dataBlocks, "data-blocks", 2048, "data region size in blocks")
	if err := root.Execute(); err != nil {
		klog.Errorf("mkktfs: %v", err)
		os.Exit(1)
	}
}

func run(imagePath, skelDir string) error {
	bitmapBlocks := (dataBlocks + bitsPerBlock - 1) / bitsPerBlock
	if bitmapBlocks == 0 {
		bitmapBlocks = 1
	}
	dataStart := 1 + bitmapBlocks + inodeBlocks
	blockCount := dataStart + dataBlocks

	dev, err := blockdev.Open(imagePath)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	if err := dev.Truncate(int64(blockCount) * ktfs.BlockSize); err != nil {
		return fmt.Errorf("size image: %w", err)
	}

	if err := formatImage(dev, blockCount, bitmapBlocks, inodeBlocks); err != nil {
		return fmt.Errorf("format image: %w", err)
	}

	fs, kerr := ktfs.Mount(dev)
	if kerr != 0 {
		return fmt.Errorf("mount freshly formatted image: %s", kerr.Error())
	}

	if err := addFiles(fs, skelDir); err != nil {
		return err
	}
	fs.Flush()
	klog.Infof("mkktfs: wrote %s (%d blocks, %d files)", imagePath, blockCount, fs.DirentCount())
	if kerr := dev.Close(); kerr != 0 {
		return fmt.Errorf("close image: %s", kerr.Error())
	}
	return nil
}

// formatImage writes a fresh superblock, an empty bitmap with data
// block 0 pre-claimed for the root directory's first block, an
// all-zero inode table, and reserves inode 0 as the root directory
// (spec.md §6; same preallocation ktfs_test.go's buildFreshImage and
// ksyscall's test fixture use, since Create's fast path assumes the
// root directory's first data block already exists).
func formatImage(dev *blockdev.File_t, blockCount, bitmapBlocks, inodeBlocks int) error {
	sb := make([]byte, ktfs.BlockSize)
	util.Writen(sb, 4, 0, blockCount)
	util.Writen(sb, 4, 4, bitmapBlocks)
	util.Writen(sb, 4, 8, inodeBlocks)
	util.Writen(sb, 2, 12, 0)
	if _, err := dev.WriteAt(0, sb); err != 0 {
		return fmt.Errorf("write superblock: %s", err.Error())
	}

	bitmap := make([]byte, ktfs.BlockSize)
	bitmap[0] |= 1
	if _, err := dev.WriteAt(ktfs.BlockSize, bitmap); err != 0 {
		return fmt.Errorf("write bitmap: %s", err.Error())
	}
	for i := 1; i < bitmapBlocks; i++ {
		if _, err := dev.WriteAt(int64(1+i)*ktfs.BlockSize, make([]byte, ktfs.BlockSize)); err != 0 {
			return fmt.Errorf("write bitmap: %s", err.Error())
		}
	}

	zeroInodes := make([]byte, ktfs.BlockSize)
	for i := 0; i < inodeBlocks; i++ {
		if _, err := dev.WriteAt(int64(1+bitmapBlocks+i)*ktfs.BlockSize, zeroInodes); err != 0 {
			return fmt.Errorf("write inode table: %s", err.Error())
		}
	}
	return nil
}

// addFiles walks skelDir and creates one flat KTFS file per regular
// file encountered, the mkfs.go analogue trimmed to KTFS's flat
// namespace (directories contribute no entry of their own).
func addFiles(fs *ktfs.Filesystem_t, skelDir string) error {
	return filepath.WalkDir(skelDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walk %s: %w", path, err)
		}
		if d.IsDir() {
			return nil
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(path, skelDir), string(filepath.Separator))
		if rel == "" {
			return nil
		}
		return copyFile(fs, path, rel)
	})
}

func copyFile(fs *ktfs.Filesystem_t, hostPath, ktfsName string) error {
	if len(ktfsName) > ktfs.MaxFilenameLen {
		return fmt.Errorf("name %q exceeds %d bytes", ktfsName, ktfs.MaxFilenameLen)
	}
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", hostPath, err)
	}
	if kerr := fs.Create(ktfsName); kerr != 0 {
		return fmt.Errorf("create %q: %s", ktfsName, kerr.Error())
	}
	f, kerr := fs.Open(ktfsName)
	if kerr != 0 {
		return fmt.Errorf("open %q: %s", ktfsName, kerr.Error())
	}
	defer f.Close()
	if _, kerr := kio.Iowrite(f, data); kerr != 0 {
		return fmt.Errorf("write %q: %s", ktfsName, kerr.Error())
	}
	klog.Debugf("mkktfs: copied %s -> %q (%d bytes)", hostPath, ktfsName, len(data))
	return nil
}
