package proc

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/hakyung4/operating-system/fd"
	"github.com/hakyung4/operating-system/kerrno"
	"github.com/hakyung4/operating-system/kio"
	"github.com/hakyung4/operating-system/mem"
	"github.com/hakyung4/operating-system/thread"
	"github.com/hakyung4/operating-system/vm"
	"github.com/stretchr/testify/require"
)

const (
	ehdrSize = 64
	phdrSize = 56
)

// buildImage hand-assembles a minimal 64-bit LE RISC-V ET_EXEC image
// with one PT_LOAD, R+W+X segment: code bytes followed by a BSS tail.
func buildImage(t *testing.T, vaddr uint64, code []byte, bssLen int) []byte {
	t.Helper()
	var buf bytes.Buffer

	ident := make([]byte, 16)
	copy(ident, []byte{0x7f, 'E', 'L', 'F'})
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	buf.Write(ident)

	w := func(v interface{}) {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, v))
	}
	w(uint16(elf.ET_EXEC))
	w(uint16(elf.EM_RISCV))
	w(uint32(elf.EV_CURRENT))
	w(uint64(vaddr))
	w(uint64(ehdrSize))
	w(uint64(0))
	w(uint32(0))
	w(uint16(ehdrSize))
	w(uint16(phdrSize))
	w(uint16(1))
	w(uint16(0))
	w(uint16(0))
	w(uint16(0))

	dataOff := uint64(ehdrSize + phdrSize)
	w(uint32(elf.PT_LOAD))
	w(uint32(elf.PF_R | elf.PF_W | elf.PF_X))
	w(dataOff)
	w(vaddr)
	w(vaddr)
	w(uint64(len(code)))
	w(uint64(len(code) + bssLen))
	w(uint64(0x1000))

	buf.Write(code)
	return buf.Bytes()
}

func freshBoot(t *testing.T) (*thread.Thread_t, *vm.AddrSpace_t) {
	t.Helper()
	thread.ResetForTest()
	ResetForTest()
	pool := mem.NewPool(0x80000000, 512)
	kernelSpace := vm.NewKernelSpace(pool)
	boot := thread.Boot()
	return boot, kernelSpace
}

func TestProcmgrInitBindsBootThreadToProcessZero(t *testing.T) {
	boot, kernelSpace := freshBoot(t)
	p := ProcmgrInit(boot, kernelSpace)
	require.Equal(t, 0, p.ID)
	require.Same(t, boot, p.Thread)
	require.Same(t, p, ByID(0))
}

func TestExecLoadsImageMapsStackAndMarshalsArgv(t *testing.T) {
	boot, kernelSpace := freshBoot(t)
	p := ProcmgrInit(boot, kernelSpace)
	// the booted process gets a fresh user address space to exec into,
	// since there is nothing to fork from yet at boot.
	p.Space = vm.NewUserSpace(mem.NewPool(0x90000000, 512))
	vm.SwitchMspace(p.Space.Mtag())

	vaddr := uint64(vm.UmemStartVma)
	img := buildImage(t, vaddr, []byte("entrycode"), 64)
	backing := kio.NewMemIO(len(img))
	_, werr := backing.WriteAt(0, img)
	require.Equal(t, kerrno.Err_t(0), werr)

	tf, err := Exec(p, backing, []string{"init", "hello"})
	require.Equal(t, kerrno.Err_t(0), err)
	require.Equal(t, uintptr(vaddr), tf.Sepc)
	require.Equal(t, uint64(2), tf.A0()) // argc
	require.Equal(t, uint64(0), tf.Sstatus&(sstatusSPP|sstatusSIE))

	// the stack page must be mapped and hold argv's pointer array
	// readable at the computed virtual address.
	argvVA := uintptr(tf.A1())
	raw, rerr := p.Space.ReadBytes(argvVA, 3*8)
	require.Equal(t, kerrno.Err_t(0), rerr)
	ptr0 := binary.LittleEndian.Uint64(raw[0:8])
	ptr1 := binary.LittleEndian.Uint64(raw[8:16])
	term := binary.LittleEndian.Uint64(raw[16:24])
	require.Equal(t, uint64(0), term)
	require.NotEqual(t, ptr0, ptr1)

	str0, serr := p.Space.ReadBytes(uintptr(ptr0), 4)
	require.Equal(t, kerrno.Err_t(0), serr)
	require.Equal(t, "init", string(bytes.TrimRight(str0, "\x00")))
}

func TestExecRejectsMalformedImage(t *testing.T) {
	boot, kernelSpace := freshBoot(t)
	p := ProcmgrInit(boot, kernelSpace)
	p.Space = vm.NewUserSpace(mem.NewPool(0x90000000, 512))
	vm.SwitchMspace(p.Space.Mtag())

	backing := kio.NewMemIO(4)
	backing.WriteAt(0, []byte{0, 0, 0, 0})

	_, err := Exec(p, backing, nil)
	require.Equal(t, kerrno.EBADFORMAT, err)
}

func TestForkClonesAddressSpaceAndAddrefsDescriptors(t *testing.T) {
	boot, kernelSpace := freshBoot(t)
	p := ProcmgrInit(boot, kernelSpace)
	p.Space = vm.NewUserSpace(mem.NewPool(0x90000000, 512))
	vm.SwitchMspace(p.Space.Mtag())

	_, ferr := p.Fds.Install(-1, fd.New(kio.NewMemIO(4)))
	require.Equal(t, kerrno.Err_t(0), ferr)

	vaddr := uint64(vm.UmemStartVma)
	img := buildImage(t, vaddr, []byte("x"), 0)
	backing := kio.NewMemIO(len(img))
	backing.WriteAt(0, img)
	tf, eerr := Exec(p, backing, []string{"a"})
	require.Equal(t, kerrno.Err_t(0), eerr)

	childTid, forkErr := Fork(p, tf)
	require.Equal(t, kerrno.Err_t(0), forkErr)
	require.NotEqual(t, boot.ID, childTid)

	child := ByID(1)
	require.NotNil(t, child)
	require.Equal(t, uint64(0), child.Trapframe.A0())
	require.Equal(t, tf.Sepc, child.Trapframe.Sepc)
}

func TestExitDiscardsSpaceAndClosesDescriptors(t *testing.T) {
	boot, kernelSpace := freshBoot(t)
	p := ProcmgrInit(boot, kernelSpace)
	p.Space = vm.NewUserSpace(mem.NewPool(0x90000000, 512))
	vm.SwitchMspace(p.Space.Mtag())

	// Exit ends the calling thread, and on the main thread that means
	// halting forever, so it runs on a spawned thread that is joined.
	th, serr := thread.Spawn("exiter", func(args ...interface{}) {
		Exit(p)
	})
	require.NoError(t, serr)
	_, jerr := thread.Join(th.ID)
	require.NoError(t, jerr)
	require.Nil(t, ByID(p.ID))
}
