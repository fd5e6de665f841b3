// Package blockdev implements a host-file-backed block device, the
// cmd/mkktfs and cmd/ktfsdump tools' on-disk storage and the
// kio.IO_i backing ktfs.Mount takes in place of real hardware.
//
// Grounded on ufs/driver.go's ahci_disk_t: a *os.File plus a mutex
// serializing seek-then-read/write, since concurrent callers sharing
// one *os.File's cursor would otherwise race. Adapted from ahci_disk_t's
// fs.Bdev_req_t/mem.Bytepg_t request queue to this module's kio.IO_i
// (ReadAt/WriteAt at an explicit offset, no shared cursor to race on in
// the first place) — the simpler interface this module's cache package
// already assumes of every backing store.
package blockdev

import (
	"os"

	"github.com/hakyung4/operating-system/kerrno"
	"github.com/hakyung4/operating-system/kio"
)

// File_t is a block device backed by a host file, used wherever this
// kernel's hosted simulation needs a ktfs.Mount backing store that
// survives process exit (spec.md §4.6 "GetBlock ... reads through to
// the backing IO_i on a miss").
type File_t struct {
	kio.Base
	f *os.File
}

// Open opens (creating if necessary) path as a block device.
func Open(path string) (*File_t, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &File_t{f: f}, nil
}

// Truncate grows or shrinks the backing file to exactly n bytes, used
// by mkktfs to size a fresh image before writing the superblock.
func (d *File_t) Truncate(n int64) error {
	return d.f.Truncate(n)
}

func (d *File_t) ReadAt(pos int64, buf []byte) (int, kerrno.Err_t) {
	n, err := d.f.ReadAt(buf, pos)
	if err != nil && n == 0 {
		return 0, kerrno.EIO
	}
	return n, 0
}

func (d *File_t) WriteAt(pos int64, buf []byte) (int, kerrno.Err_t) {
	n, err := d.f.WriteAt(buf, pos)
	if err != nil {
		return n, kerrno.EIO
	}
	return n, 0
}

func (d *File_t) Cntl(cmd kio.CntlOp, arg uint64) (uint64, kerrno.Err_t) {
	if cmd == kio.GETBLKSZ {
		return 512, 0
	}
	return 0, kerrno.ENOTSUP
}

func (d *File_t) Close() kerrno.Err_t {
	if err := d.f.Close(); err != nil {
		return kerrno.EIO
	}
	return 0
}
