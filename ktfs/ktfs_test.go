package ktfs

import (
	"testing"

	"github.com/hakyung4/operating-system/kerrno"
	"github.com/hakyung4/operating-system/kio"
	"github.com/hakyung4/operating-system/thread"
	"github.com/stretchr/testify/require"
)

// buildFreshImage lays down a minimal valid KTFS image: one bitmap
// block, inodeBlocks inode blocks, dataBlocks data blocks, and a
// zero-size root directory whose first direct block (data-relative 0)
// is pre-allocated — the same bootstrap a real mkktfs tool performs,
// since ktfs_create's own "allocate a new direct block" path only
// fires for direct_block > 0 (spec.md §4.7 "Create").
func buildFreshImage(t *testing.T, inodeBlocks, dataBlocks uint32) *kio.MemIO_t {
	t.Helper()
	const bitmapBlocks = 1
	const rootInode = 0

	dataStart := uint32(1 + bitmapBlocks + inodeBlocks)
	blockCount := dataStart + dataBlocks
	backing := kio.NewMemIO(int(blockCount) * BlockSize)

	sb := Superblock_t{BlockCount: blockCount, BitmapBlockCount: bitmapBlocks, InodeBlockCount: inodeBlocks, RootDirectoryInode: rootInode}
	sbBuf := make([]byte, BlockSize)
	encodeSuperblock(sb, sbBuf)
	_, err := backing.WriteAt(0, sbBuf)
	require.Equal(t, kerrno.Err_t(0), err)

	bitmap := make([]byte, BlockSize)
	bitmap[0] |= 1 << 0 // root directory's pre-allocated first direct block (data-relative 0)
	_, err = backing.WriteAt(BlockSize, bitmap)
	require.Equal(t, kerrno.Err_t(0), err)

	inodeBlockBuf := make([]byte, BlockSize)
	encodeInode(Inode_t{}, inodeBlockBuf[0:InodeSize]) // root inode: size 0, Blk[0] == 0 (data-relative)
	_, err = backing.WriteAt(int64(1+bitmapBlocks)*BlockSize, inodeBlockBuf)
	require.Equal(t, kerrno.Err_t(0), err)

	return backing
}

func bootScheduler() {
	thread.ResetForTest()
	thread.Boot()
}

func TestMountReadsSuperblockAndComputesRegions(t *testing.T) {
	backing := buildFreshImage(t, 1, 64)
	fs, err := Mount(backing)
	require.Equal(t, kerrno.Err_t(0), err)
	require.Equal(t, uint32(1), fs.bitmapStart)
	require.Equal(t, uint32(2), fs.inodeStart)
	require.Equal(t, uint32(3), fs.dataStart)
}

func TestMountRejectsSuperblockWithDataStartPastDevice(t *testing.T) {
	backing := kio.NewMemIO(BlockSize)
	sb := Superblock_t{BlockCount: 2, BitmapBlockCount: 10, InodeBlockCount: 10}
	buf := make([]byte, BlockSize)
	encodeSuperblock(sb, buf)
	_, err := backing.WriteAt(0, buf)
	require.Equal(t, kerrno.Err_t(0), err)

	_, merr := Mount(backing)
	require.Equal(t, kerrno.EBADFORMAT, merr)
}

func TestCreateOpenWriteReadRoundTrip(t *testing.T) {
	bootScheduler()
	backing := buildFreshImage(t, 1, 64)
	fs, err := Mount(backing)
	require.Equal(t, kerrno.Err_t(0), err)

	require.Equal(t, kerrno.Err_t(0), fs.Create("hello.txt"))

	io, oerr := fs.Open("hello.txt")
	require.Equal(t, kerrno.Err_t(0), oerr)

	_, serr := io.Cntl(kio.SETEND, 10)
	require.Equal(t, kerrno.Err_t(0), serr)

	n, werr := io.WriteAt(0, []byte("0123456789"))
	require.Equal(t, kerrno.Err_t(0), werr)
	require.Equal(t, 10, n)

	buf := make([]byte, 10)
	n, rerr := io.ReadAt(0, buf)
	require.Equal(t, kerrno.Err_t(0), rerr)
	require.Equal(t, 10, n)
	require.Equal(t, "0123456789", string(buf))

	require.Equal(t, kerrno.Err_t(0), io.Close())
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	bootScheduler()
	backing := buildFreshImage(t, 1, 64)
	fs, _ := Mount(backing)

	require.Equal(t, kerrno.Err_t(0), fs.Create("a"))
	require.Equal(t, kerrno.EEXIST, fs.Create("a"))
}

func TestOpenRejectsConcurrentDuplicateAndMissingName(t *testing.T) {
	bootScheduler()
	backing := buildFreshImage(t, 1, 64)
	fs, _ := Mount(backing)
	require.Equal(t, kerrno.Err_t(0), fs.Create("a"))

	io1, err := fs.Open("a")
	require.Equal(t, kerrno.Err_t(0), err)

	_, err = fs.Open("a")
	require.Equal(t, kerrno.EEXIST, err)

	_, err = fs.Open("does-not-exist")
	require.Equal(t, kerrno.ENOENT, err)

	require.Equal(t, kerrno.Err_t(0), io1.Close())
	io2, err := fs.Open("a") // closed slot must be reusable
	require.Equal(t, kerrno.Err_t(0), err)
	require.Equal(t, kerrno.Err_t(0), io2.Close())
}

func TestWriteOnlyReachesAllocatedExtent(t *testing.T) {
	bootScheduler()
	backing := buildFreshImage(t, 1, 64)
	fs, _ := Mount(backing)
	require.Equal(t, kerrno.Err_t(0), fs.Create("a"))

	io, _ := fs.Open("a")
	// file size is still 0: no extent has been allocated yet.
	n, err := io.WriteAt(0, []byte("x"))
	require.Equal(t, kerrno.Err_t(0), err)
	require.Equal(t, 0, n)
}

func TestDeleteForceClosesOpenFileAndFreesName(t *testing.T) {
	bootScheduler()
	backing := buildFreshImage(t, 1, 64)
	fs, _ := Mount(backing)
	require.Equal(t, kerrno.Err_t(0), fs.Create("a"))

	io, _ := fs.Open("a")
	require.Equal(t, kerrno.Err_t(0), fs.Delete("a"))

	// the slot backing io must have been force-closed by Delete.
	_, err := io.ReadAt(0, make([]byte, 1))
	require.Equal(t, kerrno.Err_t(0), err) // size 0, so ReadAt(0,..) reports EOF (0,0) regardless

	_, err = fs.Open("a")
	require.Equal(t, kerrno.ENOENT, err)
}

func TestDeleteSwapsWithLastDirectoryEntry(t *testing.T) {
	bootScheduler()
	backing := buildFreshImage(t, 1, 64)
	fs, _ := Mount(backing)
	require.Equal(t, kerrno.Err_t(0), fs.Create("a"))
	require.Equal(t, kerrno.Err_t(0), fs.Create("b"))
	require.Equal(t, kerrno.Err_t(0), fs.Create("c"))
	require.Equal(t, 3, fs.DirentCount())

	require.Equal(t, kerrno.Err_t(0), fs.Delete("a"))
	require.Equal(t, 2, fs.DirentCount())

	// "b" and "c" must both still be reachable after the tombstone swap.
	_, err := fs.Open("b")
	require.Equal(t, kerrno.Err_t(0), err)
	_, err = fs.Open("c")
	require.Equal(t, kerrno.Err_t(0), err)
}

func TestGrowAcrossSingleIndirectBoundary(t *testing.T) {
	bootScheduler()
	backing := buildFreshImage(t, 1, 16)
	fs, _ := Mount(backing)
	require.Equal(t, kerrno.Err_t(0), fs.Create("a"))

	io, _ := fs.Open("a")
	// block index 3 is the first single-indirect block (spec.md §4.7).
	_, err := io.Cntl(kio.SETEND, 4*BlockSize)
	require.Equal(t, kerrno.Err_t(0), err)

	payload := []byte("indirect-block-marker")
	n, werr := io.WriteAt(3*BlockSize, payload)
	require.Equal(t, kerrno.Err_t(0), werr)
	require.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, rerr := io.ReadAt(3*BlockSize, buf)
	require.Equal(t, kerrno.Err_t(0), rerr)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
}

func TestGrowAcrossDoubleIndirectBoundary(t *testing.T) {
	bootScheduler()
	// Blocks 0..131 must all be allocated sequentially to reach block
	// 131, the first double-indirect block (spec.md §4.7).
	backing := buildFreshImage(t, 1, 140)
	fs, _ := Mount(backing)
	require.Equal(t, kerrno.Err_t(0), fs.Create("a"))

	io, _ := fs.Open("a")
	_, err := io.Cntl(kio.SETEND, 132*BlockSize)
	require.Equal(t, kerrno.Err_t(0), err)

	payload := []byte("dindirect-block-marker")
	n, werr := io.WriteAt(131*BlockSize, payload)
	require.Equal(t, kerrno.Err_t(0), werr)
	require.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, rerr := io.ReadAt(131*BlockSize, buf)
	require.Equal(t, kerrno.Err_t(0), rerr)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
}

func TestSetEndRejectsShrinkAndOverLimit(t *testing.T) {
	bootScheduler()
	backing := buildFreshImage(t, 1, 16)
	fs, _ := Mount(backing)
	require.Equal(t, kerrno.Err_t(0), fs.Create("a"))

	io, _ := fs.Open("a")
	_, err := io.Cntl(kio.SETEND, 2*BlockSize)
	require.Equal(t, kerrno.Err_t(0), err)

	_, err = io.Cntl(kio.SETEND, BlockSize)
	require.Equal(t, kerrno.EINVAL, err, "shrinking is not permitted")

	_, err = io.Cntl(kio.SETEND, uint64(MaxFileSize)+1)
	require.Equal(t, kerrno.EINVAL, err, "growth is capped at MaxFileSize")
}

func TestOpenFailsWithEMFILEWhenTableFull(t *testing.T) {
	bootScheduler()
	backing := buildFreshImage(t, 7, 16) // 112 inodes, enough for MaxOpenFiles names
	fs, _ := Mount(backing)

	names := make([]string, MaxOpenFiles)
	for i := range names {
		names[i] = string(rune('a'+i%26)) + string(rune('A'+(i/26)%26))
		require.Equal(t, kerrno.Err_t(0), fs.Create(names[i]))
	}
	for i := range names {
		_, err := fs.Open(names[i])
		require.Equal(t, kerrno.Err_t(0), err, "open %d (%s)", i, names[i])
	}

	// the root directory holds at most MaxRootDirents (96) entries, so a
	// 97th Create fails; Open still reports EMFILE because the slot
	// search runs before the name lookup.
	require.Equal(t, kerrno.ENOMEM, fs.Create("overflow"))
	_, err := fs.Open("overflow")
	require.Equal(t, kerrno.EMFILE, err)
}

func TestFlushAndSyncDoNotError(t *testing.T) {
	bootScheduler()
	backing := buildFreshImage(t, 1, 16)
	fs, _ := Mount(backing)
	require.Equal(t, kerrno.Err_t(0), fs.Create("a"))
	fs.Flush()
	require.Equal(t, kerrno.Err_t(0), fs.Sync())
}
