// Command ktfsdump inspects a KTFS disk image: list its files, or dump
// one file's contents to stdout. The read-only counterpart to mkktfs,
// grounded the same way on original_source's mkfs/fsck tooling shape
// (biscuit's own repo has no single fsck-like reader, so this follows
// mkfs.go's "open an image, drive ktfs.Filesystem_t" structure in
// reverse).
package main

import (
	"fmt"
	"os"

	"github.com/hakyung4/operating-system/internal/blockdev"
	"github.com/hakyung4/operating-system/kio"
	"github.com/hakyung4/operating-system/klog"
	"github.com/hakyung4/operating-system/ktfs"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{Use: "ktfsdump"}

	listCmd := &cobra.Command{
		Use:   "list <image>",
		Short: "List every file in a KTFS image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFs(args[0], listFiles)
		},
	}

	catCmd := &cobra.Command{
		Use:   "cat <image> <name>",
		Short: "Print one file's contents to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[1]
			return withFs(args[0], func(fs *ktfs.Filesystem_t) error {
				return catFile(fs, name)
			})
		},
	}

	root.AddCommand(listCmd, catCmd)
	if err := root.Execute(); err != nil {
		klog.Errorf("ktfsdump: %v", err)
		os.Exit(1)
	}
}

func withFs(imagePath string, fn func(*ktfs.Filesystem_t) error) error {
	dev, err := blockdev.Open(imagePath)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer dev.Close()

	fs, kerr := ktfs.Mount(dev)
	if kerr != 0 {
		return fmt.Errorf("mount %s: %s", imagePath, kerr.Error())
	}
	return fn(fs)
}

func listFiles(fs *ktfs.Filesystem_t) error {
	names, kerr := fs.List()
	if kerr != 0 {
		return fmt.Errorf("list: %s", kerr.Error())
	}
	for _, name := range names {
		f, kerr := fs.Open(name)
		if kerr != 0 {
			fmt.Printf("%s\t?\n", name)
			continue
		}
		size, _ := f.Cntl(kio.GETEND, 0)
		f.Close()
		fmt.Printf("%s\t%d\n", name, size)
	}
	return nil
}

func catFile(fs *ktfs.Filesystem_t, name string) error {
	f, kerr := fs.Open(name)
	if kerr != 0 {
		return fmt.Errorf("open %q: %s", name, kerr.Error())
	}
	defer f.Close()

	buf := make([]byte, 4096)
	for {
		n, kerr := f.Read(buf)
		if kerr != 0 {
			return fmt.Errorf("read %q: %s", name, kerr.Error())
		}
		if n == 0 {
			return nil
		}
		if _, err := os.Stdout.Write(buf[:n]); err != nil {
			return err
		}
	}
}
