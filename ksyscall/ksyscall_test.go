package ksyscall

import (
	"testing"

	"github.com/hakyung4/operating-system/kerrno"
	"github.com/hakyung4/operating-system/kio"
	"github.com/hakyung4/operating-system/ktfs"
	"github.com/hakyung4/operating-system/mem"
	"github.com/hakyung4/operating-system/proc"
	"github.com/hakyung4/operating-system/thread"
	"github.com/hakyung4/operating-system/util"
	"github.com/hakyung4/operating-system/vm"
	"github.com/stretchr/testify/require"
)

// buildFreshKtfsImage hand-assembles a one-inode-block, empty-root
// KTFS image the same way ktfs_test.go's buildFreshImage does,
// reimplemented here (rather than imported) since the encode helpers
// it uses are unexported within package ktfs.
func buildFreshKtfsImage(t *testing.T, dataBlocks uint32) *kio.MemIO_t {
	t.Helper()
	const bitmapBlocks = 1
	const inodeBlocks = 1
	dataStart := uint32(1 + bitmapBlocks + inodeBlocks)
	blockCount := dataStart + dataBlocks
	backing := kio.NewMemIO(int(blockCount) * ktfs.BlockSize)

	sb := make([]byte, ktfs.BlockSize)
	util.Writen(sb, 4, 0, int(blockCount))
	util.Writen(sb, 4, 4, bitmapBlocks)
	util.Writen(sb, 4, 8, inodeBlocks)
	util.Writen(sb, 2, 12, 0)
	_, err := backing.WriteAt(0, sb)
	require.Equal(t, kerrno.Err_t(0), err)

	bitmap := make([]byte, ktfs.BlockSize)
	bitmap[0] |= 1 << 0
	_, err = backing.WriteAt(ktfs.BlockSize, bitmap)
	require.Equal(t, kerrno.Err_t(0), err)

	// root inode: all-zero (size 0, Blk[0]==0) is already a valid
	// free-but-preallocated inode; the inode block defaults to zero.
	inodeBlk := make([]byte, ktfs.BlockSize)
	_, err = backing.WriteAt(int64(1+bitmapBlocks)*ktfs.BlockSize, inodeBlk)
	require.Equal(t, kerrno.Err_t(0), err)

	return backing
}

// setup boots the scheduler, process table and a user address space
// with one page mapped at vm.UmemStartVma, ready to hold syscall
// string/buffer arguments.
func setup(t *testing.T) (*proc.Proc_t, uintptr) {
	t.Helper()
	thread.ResetForTest()
	proc.ResetForTest()
	pool := mem.NewPool(0x80000000, 512)
	kernelSpace := vm.NewKernelSpace(pool)
	boot := thread.Boot()
	p := proc.ProcmgrInit(boot, kernelSpace)

	p.Space = vm.NewUserSpace(mem.NewPool(0x90000000, 512))
	vm.SwitchMspace(p.Space.Mtag())
	page := vm.UmemStartVma
	require.Equal(t, kerrno.Err_t(0), p.Space.AllocAndMapRange(page, mem.PGSIZE, vm.PTE_R|vm.PTE_W|vm.PTE_U))
	return p, page
}

func putString(t *testing.T, p *proc.Proc_t, va uintptr, s string) {
	t.Helper()
	require.Equal(t, kerrno.Err_t(0), p.Space.WriteBytes(va, append([]byte(s), 0)))
}

func call(p *proc.Proc_t, num Num, a0, a1, a2 uint64) *proc.Trapframe_t {
	tf := &proc.Trapframe_t{}
	tf.SetA7(uint64(num))
	tf.SetA0(a0)
	tf.SetA1(a1)
	tf.SetA2(a2)
	Dispatch(p, tf)
	return tf
}

func TestFscreateFsopenFsdeleteRoundTrip(t *testing.T) {
	p, page := setup(t)
	fs, err := ktfs.Mount(buildFreshKtfsImage(t, 64))
	require.Equal(t, kerrno.Err_t(0), err)
	SetFilesystem(fs)

	putString(t, p, page, "hello")
	tf := call(p, SysFscreate, uint64(page), 0, 0)
	require.Equal(t, int64(0), int64(tf.A0()))

	tf = call(p, SysFsopen, ^uint64(0), uint64(page), 0) // fd == -1
	require.GreaterOrEqual(t, int64(tf.A0()), int64(0))
	openFd := int64(tf.A0())

	tf = call(p, SysClose, uint64(openFd), 0, 0)
	require.Equal(t, int64(0), int64(tf.A0()))

	tf = call(p, SysFsdelete, uint64(page), 0, 0)
	require.Equal(t, int64(0), int64(tf.A0()))

	tf = call(p, SysFsopen, ^uint64(0), uint64(page), 0)
	require.Equal(t, int64(kerrno.ENOENT.Code()), int64(tf.A0()))
}

func TestPipeWriteReadRoundTrip(t *testing.T) {
	p, page := setup(t)

	tf := call(p, SysPipe, ^uint64(0), ^uint64(0), 0)
	require.Equal(t, int64(0), int64(tf.A0()))
	wfd := tf.A0()
	rfd := tf.A1()
	require.NotEqual(t, wfd, rfd)

	putString(t, p, page, "abc")
	writeResult := call(p, SysWrite, wfd, uint64(page), 3)
	require.Equal(t, int64(3), int64(writeResult.A0()))

	readBuf := page + uintptr(mem.PGSIZE)
	require.Equal(t, kerrno.Err_t(0), p.Space.AllocAndMapRange(readBuf, mem.PGSIZE, vm.PTE_R|vm.PTE_W|vm.PTE_U))
	readResult := call(p, SysRead, rfd, uint64(readBuf), 3)
	require.Equal(t, int64(3), int64(readResult.A0()))

	got, rerr := p.Space.ReadBytes(readBuf, 3)
	require.Equal(t, kerrno.Err_t(0), rerr)
	require.Equal(t, "abc", string(got))
}

func TestIodupSameSlotReturnsUnchanged(t *testing.T) {
	p, _ := setup(t)
	tf := call(p, SysPipe, ^uint64(0), ^uint64(0), 0)
	wfd := tf.A0()

	dup := call(p, SysIodup, wfd, wfd, 0)
	require.Equal(t, wfd, dup.A0())
}

func TestPrintReturnsZero(t *testing.T) {
	p, page := setup(t)
	putString(t, p, page, "hello from a test process")
	tf := call(p, SysPrint, uint64(page), 0, 0)
	require.Equal(t, int64(0), int64(tf.A0()))
}

func TestDevopenUnregisteredDeviceFails(t *testing.T) {
	p, page := setup(t)
	putString(t, p, page, "console")
	tf := call(p, SysDevopen, ^uint64(0), uint64(page), 0)
	require.Equal(t, int64(kerrno.ENOENT.Code()), int64(tf.A0()))
}

func TestDevopenRegisteredDeviceSucceeds(t *testing.T) {
	p, page := setup(t)
	require.Equal(t, kerrno.Err_t(0), RegisterDevice("console", 0, kio.NewMemIO(16)))
	putString(t, p, page, "console")
	tf := call(p, SysDevopen, ^uint64(0), uint64(page), 0)
	require.GreaterOrEqual(t, int64(tf.A0()), int64(0))
}

func TestCloseRejectsOutOfRangeDescriptor(t *testing.T) {
	p, _ := setup(t)
	tf := call(p, SysClose, 999, 0, 0)
	require.Equal(t, int64(kerrno.EBADF.Code()), int64(tf.A0()))
}

func TestDispatchAdvancesSepcAndRejectsUnsupportedNumber(t *testing.T) {
	p, _ := setup(t)
	tf := &proc.Trapframe_t{Sepc: 0x1000}
	tf.SetA7(999)
	Dispatch(p, tf)
	require.Equal(t, uintptr(0x1004), tf.Sepc)
	require.Equal(t, int64(kerrno.ENOTSUP.Code()), int64(tf.A0()))
}
