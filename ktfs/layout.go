// Package ktfs implements the on-disk filesystem of spec.md §4.7/§6:
// one global mount over a block-cached device, fixed 32-byte inodes,
// a flat root directory of fixed-size entries, and direct/indirect/
// double-indirect block addressing.
//
// Grounded directly on original_source/src/sys/ktfs.c (struct
// master_ktfs, struct ktfs_file, ktfs_mount/open/close/readat/writeat/
// cntl/create/delete) — the one piece of the pack with no Go
// precedent at all, since fs/super.go's fieldr/fieldw helpers it might
// otherwise imitate are never actually defined in this tree. Binary
// field access instead follows util.Readn/Writen, the accessor
// idiom the rest of this module already uses for raw byte layouts.
package ktfs

import "github.com/hakyung4/operating-system/util"

// BlockSize has the same value as cache.BlockSize; it is repeated here
// rather than imported from cache, keeping this file's layout
// description self-contained. Nothing checks that the two agree.
const BlockSize = 512

const (
	InodeSize       = 32
	InodesPerBlock  = BlockSize / InodeSize // 16
	NumDirect       = 3
	IndirectCap     = 128 // entries per indirect/dindirect-leaf block
	DirentSize      = 16
	MaxFilenameLen  = DirentSize - 2 // 14 bytes, null-padded
	DentriesPerBlk  = BlockSize / DirentSize
	MaxOpenFiles    = 96 // original_source's MAX_OPEN_FILES, sized to the 3-block root directory
	MaxRootDirents  = NumDirect * DentriesPerBlk
	singleIndirectN = IndirectCap
	firstDindirectN = IndirectCap * IndirectCap
	// MaxFileSize is the upper bound SETEND enforces: 3 direct + 128
	// single-indirect + 2*128² double-indirect blocks of 512 bytes
	// each (matches the source's literal 16844288 constant exactly).
	MaxFileSize = int64(NumDirect+singleIndirectN+2*firstDindirectN) * BlockSize
)

// Superblock_t is the on-disk layout of block 0 (spec.md §6).
type Superblock_t struct {
	BlockCount         uint32
	BitmapBlockCount   uint32
	InodeBlockCount    uint32
	RootDirectoryInode uint16
}

func decodeSuperblock(b []byte) Superblock_t {
	return Superblock_t{
		BlockCount:         uint32(util.Readn(b, 4, 0)),
		BitmapBlockCount:   uint32(util.Readn(b, 4, 4)),
		InodeBlockCount:    uint32(util.Readn(b, 4, 8)),
		RootDirectoryInode: uint16(util.Readn(b, 2, 12)),
	}
}

func encodeSuperblock(sb Superblock_t, b []byte) {
	util.Writen(b, 4, 0, int(sb.BlockCount))
	util.Writen(b, 4, 4, int(sb.BitmapBlockCount))
	util.Writen(b, 4, 8, int(sb.InodeBlockCount))
	util.Writen(b, 2, 12, int(sb.RootDirectoryInode))
}

// Inode_t is the on-disk 32-byte inode layout (spec.md §6): size,
// flags, three direct block pointers, one single-indirect pointer,
// two double-indirect pointers. Zero means "unallocated"; an all-zero
// inode is a free inode slot.
type Inode_t struct {
	Size      uint32
	Flags     uint32
	Blk       [NumDirect]uint32
	Indirect  uint32
	Dindirect [2]uint32
}

func decodeInode(b []byte) Inode_t {
	var in Inode_t
	in.Size = uint32(util.Readn(b, 4, 0))
	in.Flags = uint32(util.Readn(b, 4, 4))
	for i := 0; i < NumDirect; i++ {
		in.Blk[i] = uint32(util.Readn(b, 4, 8+4*i))
	}
	in.Indirect = uint32(util.Readn(b, 4, 20))
	in.Dindirect[0] = uint32(util.Readn(b, 4, 24))
	in.Dindirect[1] = uint32(util.Readn(b, 4, 28))
	return in
}

func encodeInode(in Inode_t, b []byte) {
	util.Writen(b, 4, 0, int(in.Size))
	util.Writen(b, 4, 4, int(in.Flags))
	for i := 0; i < NumDirect; i++ {
		util.Writen(b, 4, 8+4*i, int(in.Blk[i]))
	}
	util.Writen(b, 4, 20, int(in.Indirect))
	util.Writen(b, 4, 24, int(in.Dindirect[0]))
	util.Writen(b, 4, 28, int(in.Dindirect[1]))
}

func (in Inode_t) isFree() bool {
	return in == Inode_t{}
}

// dirent_t is one fixed-size directory entry: a null-padded name
// followed by a 16-bit inode number (spec.md §6).
type dirent_t struct {
	Name  string
	Inode uint16
}

func decodeDirent(b []byte) dirent_t {
	end := 0
	for end < MaxFilenameLen && b[end] != 0 {
		end++
	}
	return dirent_t{Name: string(b[:end]), Inode: uint16(util.Readn(b, 2, MaxFilenameLen))}
}

func encodeDirent(d dirent_t, b []byte) {
	for i := range b[:MaxFilenameLen] {
		b[i] = 0
	}
	copy(b[:MaxFilenameLen], d.Name)
	util.Writen(b, 2, MaxFilenameLen, int(d.Inode))
}

func (d dirent_t) isEmpty() bool {
	return d == dirent_t{}
}

// indirectEntries reads a whole indirect/dindirect block as 128
// little-endian uint32 pointers.
func indirectEntries(b []byte) [IndirectCap]uint32 {
	var out [IndirectCap]uint32
	for i := range out {
		out[i] = uint32(util.Readn(b, 4, i*4))
	}
	return out
}

func setIndirectEntry(b []byte, i int, v uint32) {
	util.Writen(b, 4, i*4, int(v))
}
