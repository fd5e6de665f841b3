package ksyscall

import (
	"github.com/hakyung4/operating-system/fd"
	"github.com/hakyung4/operating-system/kerrno"
	"github.com/hakyung4/operating-system/kio"
	"github.com/hakyung4/operating-system/klog"
	"github.com/hakyung4/operating-system/ktfs"
	"github.com/hakyung4/operating-system/proc"
	"github.com/hakyung4/operating-system/thread"
	"github.com/hakyung4/operating-system/timer"
	"github.com/hakyung4/operating-system/vm"
)

// rootfs is the one mounted KTFS volume fsopen/fscreate/fsdelete
// resolve names against; this kernel has a single flat filesystem
// namespace (spec.md §4.7), not a mount table.
var rootfs *ktfs.Filesystem_t

// SetFilesystem installs the mounted filesystem fsopen/fscreate/
// fsdelete operate on; called once by boot code after ktfs.Mount.
func SetFilesystem(fs *ktfs.Filesystem_t) {
	rootfs = fs
}

type handler func(p *proc.Proc_t, tf *proc.Trapframe_t) int64

var table = map[Num]handler{
	SysExit:     sysExit,
	SysExec:     sysExec,
	SysFork:     sysFork,
	SysWait:     sysWait,
	SysPrint:    sysPrint,
	SysUsleep:   sysUsleep,
	SysDevopen:  sysDevopen,
	SysFsopen:   sysFsopen,
	SysFscreate: sysFscreate,
	SysFsdelete: sysFsdelete,
	SysClose:    sysClose,
	SysRead:     sysRead,
	SysWrite:    sysWrite,
	SysIoctl:    sysIoctl,
	SysPipe:     sysPipe,
	SysIodup:    sysIodup,
}

// Dispatch implements the trap handler of spec.md §4.9: advance sepc
// past the ecall, read a7, run the matching handler, and place its
// result in a0.
func Dispatch(p *proc.Proc_t, tf *proc.Trapframe_t) {
	tf.AdvanceSepc()
	num := Num(tf.A7())
	h, ok := table[num]
	if !ok {
		klog.Debugf("ksyscall: pid %d called unsupported syscall %d", p.ID, num)
		tf.SetA0(uint64(kerrno.ENOTSUP.Code()))
		return
	}
	tf.SetA0(uint64(h(p, tf)))
}

func errOr(v int64, err kerrno.Err_t) int64 {
	if err != 0 {
		return int64(err.Code())
	}
	return v
}

func checkFd(id int) kerrno.Err_t {
	if id < 0 || id >= fd.MaxDescriptors {
		return kerrno.EBADF
	}
	return 0
}

func sysExit(p *proc.Proc_t, tf *proc.Trapframe_t) int64 {
	proc.Exit(p)
	return 0
}

func sysExec(p *proc.Proc_t, tf *proc.Trapframe_t) int64 {
	execFd := int(int64(tf.A0()))
	argc := int(int64(tf.A1()))
	argvVA := uintptr(tf.A2())
	if err := checkFd(execFd); err != 0 {
		return errOr(0, err)
	}
	f, err := p.Fds.Get(execFd)
	if err != 0 {
		return errOr(0, err)
	}

	argv, err := readArgv(argvVA, argc)
	if err != 0 {
		return errOr(0, err)
	}

	_, eerr := proc.Exec(p, f.Io, argv)
	if eerr != 0 {
		// spec.md §4.8: any failure after the mspace reset is fatal
		// to the process, not a returned error.
		proc.Exit(p)
		return errOr(0, eerr)
	}
	return 0
}

// readArgv copies argc NUL-terminated strings out of the pointer
// array at argvVA in the calling process's address space.
func readArgv(argvVA uintptr, argc int) ([]string, kerrno.Err_t) {
	if argc < 0 {
		return nil, kerrno.EINVAL
	}
	out := make([]string, argc)
	raw, err := vm.ActiveSpaceReadBytes(argvVA, argc*8)
	if err != 0 {
		return nil, err
	}
	for i := 0; i < argc; i++ {
		ptr := uintptr(leUint64(raw[i*8 : i*8+8]))
		s, serr := vm.ValidateVstr(ptr, vm.PTE_U|vm.PTE_R)
		if serr != 0 {
			return nil, serr
		}
		out[i] = s
	}
	return out, 0
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func sysFork(p *proc.Proc_t, tf *proc.Trapframe_t) int64 {
	tid, err := proc.Fork(p, tf)
	return errOr(int64(tid), err)
}

func sysWait(p *proc.Proc_t, tf *proc.Trapframe_t) int64 {
	tid := int(int64(tf.A0()))
	if tid < 0 {
		return errOr(0, kerrno.EINVAL)
	}
	joined, jerr := thread.Join(tid)
	if jerr != nil {
		return errOr(0, kerrno.EINVAL)
	}
	return int64(joined)
}

func sysPrint(p *proc.Proc_t, tf *proc.Trapframe_t) int64 {
	msg, err := vm.ValidateVstr(uintptr(tf.A0()), vm.PTE_U|vm.PTE_R)
	if err != 0 {
		return errOr(0, err)
	}
	klog.Infof("pid %d (%s): %s", p.ID, threadName(p), msg)
	return 0
}

func threadName(p *proc.Proc_t) string {
	if p.Thread == nil {
		return "?"
	}
	return p.Thread.Name
}

func sysUsleep(p *proc.Proc_t, tf *proc.Trapframe_t) int64 {
	us := int64(tf.A0())
	al := timer.Init("usleep")
	al.Sleep(timer.Ticks_t(us * 1000))
	return 0
}

func sysDevopen(p *proc.Proc_t, tf *proc.Trapframe_t) int64 {
	reqFd := int(int64(tf.A0()))
	namePtr := uintptr(tf.A1())
	instno := int(int64(tf.A2()))

	name, nerr := vm.ValidateVstr(namePtr, vm.PTE_U|vm.PTE_R)
	if nerr != 0 {
		return errOr(0, nerr)
	}
	io, derr := openDevice(name, instno)
	if derr != 0 {
		return errOr(0, derr)
	}
	slot, ierr := p.Fds.Install(reqFd, fd.New(io))
	return errOr(int64(slot), ierr)
}

func sysFsopen(p *proc.Proc_t, tf *proc.Trapframe_t) int64 {
	reqFd := int(int64(tf.A0()))
	namePtr := uintptr(tf.A1())

	name, nerr := vm.ValidateVstr(namePtr, vm.PTE_U|vm.PTE_R)
	if nerr != 0 {
		return errOr(0, nerr)
	}
	if rootfs == nil {
		return errOr(0, kerrno.ENOENT)
	}
	io, oerr := rootfs.Open(name)
	if oerr != 0 {
		return errOr(0, oerr)
	}
	slot, ierr := p.Fds.Install(reqFd, fd.New(io))
	return errOr(int64(slot), ierr)
}

func sysFscreate(p *proc.Proc_t, tf *proc.Trapframe_t) int64 {
	name, nerr := vm.ValidateVstr(uintptr(tf.A0()), vm.PTE_U|vm.PTE_R)
	if nerr != 0 {
		return errOr(0, nerr)
	}
	if rootfs == nil {
		return errOr(0, kerrno.ENOENT)
	}
	return errOr(0, rootfs.Create(name))
}

func sysFsdelete(p *proc.Proc_t, tf *proc.Trapframe_t) int64 {
	name, nerr := vm.ValidateVstr(uintptr(tf.A0()), vm.PTE_U|vm.PTE_R)
	if nerr != 0 {
		return errOr(0, nerr)
	}
	if rootfs == nil {
		return errOr(0, kerrno.ENOENT)
	}
	return errOr(0, rootfs.Delete(name))
}

func sysClose(p *proc.Proc_t, tf *proc.Trapframe_t) int64 {
	fdNum := int(int64(tf.A0()))
	if err := checkFd(fdNum); err != 0 {
		return errOr(0, err)
	}
	return errOr(0, p.Fds.Close(fdNum))
}

func sysRead(p *proc.Proc_t, tf *proc.Trapframe_t) int64 {
	fdNum := int(int64(tf.A0()))
	bufVA := uintptr(tf.A1())
	n := int(int64(tf.A2()))
	if err := checkFd(fdNum); err != 0 {
		return errOr(0, err)
	}
	if n == 0 {
		return 0
	}
	f, err := p.Fds.Get(fdNum)
	if err != 0 {
		return errOr(0, err)
	}
	tmp := make([]byte, n)
	got, rerr := f.Io.Read(tmp)
	if rerr != 0 {
		return errOr(0, rerr)
	}
	if werr := vm.ActiveSpaceWriteBytes(bufVA, tmp[:got]); werr != 0 {
		return errOr(0, werr)
	}
	return int64(got)
}

func sysWrite(p *proc.Proc_t, tf *proc.Trapframe_t) int64 {
	fdNum := int(int64(tf.A0()))
	bufVA := uintptr(tf.A1())
	n := int(int64(tf.A2()))
	if err := checkFd(fdNum); err != 0 {
		return errOr(0, err)
	}
	if n == 0 {
		return 0
	}
	f, err := p.Fds.Get(fdNum)
	if err != 0 {
		return errOr(0, err)
	}
	data, rerr := vm.ActiveSpaceReadBytes(bufVA, n)
	if rerr != 0 {
		return errOr(0, rerr)
	}
	put, werr := f.Io.Write(data)
	return errOr(int64(put), werr)
}

func sysIoctl(p *proc.Proc_t, tf *proc.Trapframe_t) int64 {
	fdNum := int(int64(tf.A0()))
	cmd := kio.CntlOp(int64(tf.A1()))
	arg := tf.A2()
	if err := checkFd(fdNum); err != 0 {
		return errOr(0, err)
	}
	f, err := p.Fds.Get(fdNum)
	if err != 0 {
		return errOr(0, err)
	}
	v, cerr := f.Io.Cntl(cmd, arg)
	return errOr(int64(v), cerr)
}

func sysPipe(p *proc.Proc_t, tf *proc.Trapframe_t) int64 {
	wfd := int(int64(tf.A0()))
	rfd := int(int64(tf.A1()))
	if wfd == rfd && wfd >= 0 {
		return errOr(0, kerrno.EBADF)
	}
	if wfd >= fd.MaxDescriptors || rfd >= fd.MaxDescriptors {
		return errOr(0, kerrno.EBADF)
	}

	r, w := kio.NewPipe()
	wSlot, werr := p.Fds.Install(wfd, fd.New(w))
	if werr != 0 {
		return errOr(0, werr)
	}
	rSlot, rerr := p.Fds.Install(rfd, fd.New(r))
	if rerr != 0 {
		p.Fds.Close(wSlot)
		return errOr(0, rerr)
	}

	tf.SetA0(uint64(wSlot))
	tf.SetA1(uint64(rSlot))
	return 0
}

func sysIodup(p *proc.Proc_t, tf *proc.Trapframe_t) int64 {
	oldID := int(int64(tf.A0()))
	newID := int(int64(tf.A1()))
	slot, err := p.Fds.Dup(oldID, newID)
	return errOr(int64(slot), err)
}
