// Package proc implements process lifecycle (spec.md §4.8): a dense
// process table, bootstrap into process 0, exec (address space reset
// + ELF load + stack setup), fork (address space clone + descriptor
// addref), and exit.
//
// biscuit's proc package (proc/proc.go Proc_t) drives a real x86-64
// hart through iret into ring 3, and its fork is copy-on-write. This
// kernel's Non-goals exclude demand paging, so fork here eagerly
// clones the whole address space (vm.CloneActiveMspace) instead of
// marking pages COW, the same simplification vm/mspace.go already
// documents. The bigger departure is that this kernel has no real
// RISC-V hart to return to: thread.go's package doc already explains
// why "thread" is a goroutine gated by a rendezvous channel rather
// than a real context switch, and the same seam applies here one
// level up. process_exec's "jump through trap frame into user mode;
// does not return" has nothing to jump to in a hosted simulation —
// there is no backend that executes guest RISC-V instructions. Exec
// therefore builds and returns the Trapframe_t a real hart would have
// jumped through, and stores it on the Proc_t; a caller (the syscall
// layer, or a test harness standing in for one) treats a successful
// return from Exec as proof the process is ready to resume in user
// mode, without this package pretending to run user code itself.
package proc

import (
	"sync"

	"github.com/hakyung4/operating-system/elf"
	"github.com/hakyung4/operating-system/fd"
	"github.com/hakyung4/operating-system/kerrno"
	"github.com/hakyung4/operating-system/kio"
	"github.com/hakyung4/operating-system/klog"
	"github.com/hakyung4/operating-system/mem"
	"github.com/hakyung4/operating-system/thread"
	"github.com/hakyung4/operating-system/util"
	"github.com/hakyung4/operating-system/vm"
)

// NProc bounds the dense process table. spec.md never gives this
// budget explicitly; sized the same order as thread.NTHR since every
// process owns at least one thread.
const NProc = 256

// Proc_t is one process (spec.md §3 "process"): an address space, a
// descriptor table, the thread driving it, and the trap frame that
// thread resumes at.
type Proc_t struct {
	ID        int
	Space     *vm.AddrSpace_t
	Fds       *fd.Table_t
	Thread    *thread.Thread_t
	Trapframe *Trapframe_t

	// Forked is broadcast once a freshly spawned child thread has
	// installed its cloned mspace, so Fork's caller can safely
	// return the child's tid knowing the child is schedulable
	// (spec.md §4.8 process_fork "(b) broadcasts a forked condition").
	Forked *thread.Cond_t
}

type procTable_t struct {
	mu      sync.Mutex
	tab     [NProc]*Proc_t
	freeIDs []int
}

var procs procTable_t

func init() {
	for i := NProc - 1; i >= 0; i-- {
		procs.freeIDs = append(procs.freeIDs, i)
	}
}

// ResetForTest discards all process table state; only ever called
// from package tests between cases.
func ResetForTest() {
	procs.mu.Lock()
	defer procs.mu.Unlock()
	procs = procTable_t{}
	for i := NProc - 1; i >= 0; i-- {
		procs.freeIDs = append(procs.freeIDs, i)
	}
}

func popProcID() (int, bool) {
	if len(procs.freeIDs) == 0 {
		return 0, false
	}
	n := len(procs.freeIDs) - 1
	id := procs.freeIDs[n]
	procs.freeIDs = procs.freeIDs[:n]
	return id, true
}

// ProcmgrInit implements procmgr_init: the bootstrap thread becomes
// the main process with index 0, bound to the main mtag (spec.md
// §4.8). kernelSpace is the already-constructed kernel address space
// (vm.NewKernelSpace/vm.InitKernelSpace), since the opaque vm.Mtag_t
// this package otherwise deals in carries no way to recover the
// *vm.AddrSpace_t a later Exec needs to call AllocAndMapRange/
// WriteBytes on.
func ProcmgrInit(boot *thread.Thread_t, kernelSpace *vm.AddrSpace_t) *Proc_t {
	procs.mu.Lock()
	id, ok := popProcID()
	if !ok {
		panic("proc: process table exhausted at boot")
	}
	p := &Proc_t{
		ID:     id,
		Space:  kernelSpace,
		Fds:    &fd.Table_t{},
		Thread: boot,
		Forked: thread.NewCond("forked"),
	}
	procs.tab[id] = p
	procs.mu.Unlock()

	boot.SetProcess(p.Space.Mtag())
	klog.Infof("proc: bootstrap thread %q is process 0", boot.Name)
	return p
}

// Exec implements process_exec (spec.md §4.8): reset p's address
// space, load exeio as the new image, set up the initial user stack
// with argv marshaled onto it, and return the trap frame a hart would
// resume at.
//
// Any error returned here happens at or after the address-space
// reset, so p's previous image is already gone (spec.md §4.8: "any
// internal failure after reset_active_mspace is fatal to the current
// user process"). Callers must treat a non-nil error as the process
// dying, not as exec simply failing to start — the syscall dispatcher
// should follow a failed Exec with Exit(p), not a returned error code.
func Exec(p *Proc_t, exeio kio.IO_i, argv []string) (*Trapframe_t, kerrno.Err_t) {
	vm.SwitchMspace(p.Space.Mtag())

	stackBase := vm.UmemEndVma - uintptr(mem.PGSIZE)
	stackTop := vm.UmemEndVma
	data, argvVA, stksz := marshalArgv(argv, stackBase)

	vm.ResetActiveMspace()

	entry, lerr := elf.Load(exeio, p.Space, vm.UmemStartVma, vm.UmemEndVma)
	if lerr != 0 {
		klog.Errorf("proc: exec of pid %d failed loading image: %v", p.ID, lerr)
		return nil, lerr
	}

	if merr := p.Space.AllocAndMapRange(stackBase, mem.PGSIZE, vm.PTE_R|vm.PTE_W|vm.PTE_U); merr != 0 {
		return nil, merr
	}
	sp := stackTop - uintptr(stksz)
	if werr := p.Space.WriteBytes(sp, data); werr != 0 {
		return nil, werr
	}

	tf := &Trapframe_t{Sepc: entry}
	tf.SetSp(uint64(sp))
	tf.SetA0(uint64(len(argv)))
	tf.SetA1(uint64(argvVA))
	tf.Sstatus &^= sstatusSPP | sstatusSIE

	p.Trapframe = tf
	klog.Debugf("proc: pid %d exec'd, entry=%#x argc=%d", p.ID, entry, len(argv))
	return tf, 0
}

// marshalArgv lays out argv as a string table followed by a pointer
// array, both ending at stackBase+PGSIZE (the top of the stack page),
// rounded up to 16 bytes per the RISC-V calling convention (spec.md
// §4.8). Returns the bytes to write at the computed stack pointer, the
// virtual address of the pointer array (argv), and the total rounded
// size.
func marshalArgv(argv []string, stackBase uintptr) ([]byte, uintptr, int) {
	var strs []byte
	offsets := make([]int, len(argv))
	for i, a := range argv {
		offsets[i] = len(strs)
		strs = append(strs, a...)
		strs = append(strs, 0)
	}
	ptrArrayOff := util.Roundup(len(strs), 8)
	ptrArrayLen := (len(argv) + 1) * 8 // +1 for the NULL terminator argv[argc]
	total := util.Roundup(ptrArrayOff+ptrArrayLen, 16)

	buf := make([]byte, total)
	copy(buf, strs)

	// The region [stackBase+PGSIZE-total, stackBase+PGSIZE) is what
	// gets written at the stack pointer; every pointer must be
	// rebased to that virtual address, not to the local buffer.
	regionBase := stackBase + uintptr(mem.PGSIZE) - uintptr(total)
	for i, off := range offsets {
		ptr := uint64(regionBase) + uint64(off)
		putUint64(buf, ptrArrayOff+i*8, ptr)
	}
	putUint64(buf, ptrArrayOff+len(argv)*8, 0)

	argvVA := regionBase + uintptr(ptrArrayOff)
	return buf, argvVA, total
}

func putUint64(buf []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(v >> (8 * uint(i)))
	}
}

// Fork implements process_fork (spec.md §4.8): clone the active
// address space, claim a free process slot, addref every open
// descriptor into the child, copy the trap frame with a0 forced to 0,
// and spawn the kernel thread that will resume the child. Returns the
// child thread's id.
func Fork(p *Proc_t, tfr *Trapframe_t) (int, kerrno.Err_t) {
	mtag, cerr := vm.CloneActiveMspace()
	if cerr != 0 {
		return 0, cerr
	}

	procs.mu.Lock()
	id, ok := popProcID()
	procs.mu.Unlock()
	if !ok {
		// Undo the clone: install it long enough to release its
		// non-global frames, then fall back to the parent's space.
		// The root table page itself is not reclaimed (no exported
		// "free an arbitrary inactive address space" primitive
		// exists, since spec.md never asks for one) — a documented
		// limitation, not a silent one.
		parent := vm.ActiveMspace()
		vm.SwitchMspace(mtag)
		vm.ResetActiveMspace()
		vm.SwitchMspace(parent)
		return 0, kerrno.EAGAINTHR
	}

	childTf := *tfr
	childTf.SetA0(0)

	child := &Proc_t{
		ID:        id,
		Fds:       p.Fds.Fork(),
		Trapframe: &childTf,
		Forked:    thread.NewCond("forked"),
	}
	procs.mu.Lock()
	procs.tab[id] = child
	procs.mu.Unlock()

	childThread, serr := thread.Spawn("fork", func(args ...interface{}) {
		cmtag := args[0].(vm.Mtag_t)
		cp := args[1].(*Proc_t)
		cmtag.Switch()
		cp.Forked.Broadcast()
		// Real hardware would now jump through cp.Trapframe into
		// user mode; a hosted simulation has no guest-code backend
		// to jump to, so the thread's work here is done — resuming
		// "user execution" is outside this package's scope (see the
		// package doc).
	}, mtag, child)
	if serr != nil {
		return 0, kerrno.EAGAINTHR
	}
	child.Thread = childThread
	childThread.SetProcess(mtag)

	child.Forked.Wait()

	klog.Debugf("proc: pid %d forked pid %d (tid %d)", p.ID, child.ID, childThread.ID)
	return childThread.ID, 0
}

// Exit implements process_exit (spec.md §4.8): discard the address
// space, close every descriptor, remove self from the process table,
// and exit the calling thread.
func Exit(p *Proc_t) {
	vm.DiscardActiveMspace()
	p.Fds.CloseAll()

	procs.mu.Lock()
	procs.tab[p.ID] = nil
	procs.freeIDs = append(procs.freeIDs, p.ID)
	procs.mu.Unlock()

	klog.Debugf("proc: pid %d exited", p.ID)
	thread.Exit()
}

// ByID returns the process installed at id, or nil if the slot is
// free.
func ByID(id int) *Proc_t {
	procs.mu.Lock()
	defer procs.mu.Unlock()
	if id < 0 || id >= NProc {
		return nil
	}
	return procs.tab[id]
}
