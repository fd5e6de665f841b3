// Package ksyscall implements the trap-frame-driven syscall dispatch
// of spec.md §4.9: a7 names the call, a0..a5 carry arguments, a0
// carries the result. Named ksyscall (not syscall) only to avoid
// shadowing the standard library package of that name.
//
// Grounded on the teacher's syscall dispatch shape (a single switch
// keyed by a register-encoded call number) and, where the distilled
// spec is silent on a detail, on original_source/src/sys/syscall.c's
// actual per-call argument conventions (which fd slot is consulted,
// what a "fd == -1" placeholder means, pipe's read/write end
// ordering).
package ksyscall

// Numbers assigns each syscall its a7 value. spec.md names the set
// but not their numeric encoding, so these are this kernel's own,
// internal-only numbering (spec.md §4.9 "Unsupported numbers return
// NotSupported").
const (
	SysExit Num = 1 + iota
	SysExec
	SysFork
	SysWait
	SysPrint
	SysUsleep
	SysDevopen
	SysFsopen
	SysFscreate
	SysFsdelete
	SysClose
	SysRead
	SysWrite
	SysIoctl
	SysPipe
	SysIodup
)

// Num is a syscall number, the value carried in a7.
type Num uint64
