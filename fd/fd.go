// Package fd implements the per-process descriptor table of spec.md
// §4.9: up to 16 slots, each an addref-counted kio.IO_i reference, with
// "-1 means pick the lowest free slot" semantics for open/pipe/dup.
//
// Grounded on biscuit's fd/fd.go (Fd_t, Copyfd, Close_panic), trimmed
// to what this kernel's flat KTFS namespace needs: no Cwd_t/Fullpath/
// Canonicalpath, since KTFS has no directory hierarchy to resolve
// paths against (spec.md §4.7's root directory is a single flat file
// table, not a tree).
package fd

import (
	"github.com/hakyung4/operating-system/kerrno"
	"github.com/hakyung4/operating-system/kio"
)

// MaxDescriptors is the per-process descriptor table size (spec.md
// §4.9 "bounds-checked against the per-process table (max 16)").
const MaxDescriptors = 16

// Fd_t is one descriptor table slot: a reference-counted kio.IO_i plus
// a close-on-exec flag that Dup and Fork copy; nothing in proc.Exec
// reads it.
type Fd_t struct {
	Io      kio.IO_i
	Cloexec bool
	refs    *int
}

// Table_t is one process's descriptor table (spec.md §4.8 "per-process
// I/O descriptor table").
type Table_t struct {
	slots [MaxDescriptors]*Fd_t
}

// Get returns the descriptor at id, or EBADF if id is out of range or
// unoccupied.
func (t *Table_t) Get(id int) (*Fd_t, kerrno.Err_t) {
	if id < 0 || id >= MaxDescriptors || t.slots[id] == nil {
		return nil, kerrno.EBADF
	}
	return t.slots[id], 0
}

// Install places fd at id, picking the lowest free slot when id < 0
// (spec.md §4.9 "-1 means pick the lowest free slot"). Returns the
// slot actually used.
func (t *Table_t) Install(id int, f *Fd_t) (int, kerrno.Err_t) {
	if id < 0 {
		picked := -1
		for i := range t.slots {
			if t.slots[i] == nil {
				picked = i
				break
			}
		}
		if picked < 0 {
			return 0, kerrno.EMFILE
		}
		id = picked
	} else if id >= MaxDescriptors {
		return 0, kerrno.EBADF
	} else if t.slots[id] != nil {
		return 0, kerrno.EEXIST
	}
	t.slots[id] = f
	return id, 0
}

// Close releases the descriptor at id, closing the underlying IO_i
// only when this was the last reference.
func (t *Table_t) Close(id int) kerrno.Err_t {
	f, err := t.Get(id)
	if err != 0 {
		return err
	}
	t.slots[id] = nil
	*f.refs--
	if *f.refs == 0 {
		return f.Io.Close()
	}
	return 0
}

// CloseAll releases every occupied slot (process_exit, spec.md §4.8).
func (t *Table_t) CloseAll() {
	for i := range t.slots {
		if t.slots[i] != nil {
			t.Close(i)
		}
	}
}

// New wraps io as a fresh, singly-referenced descriptor.
func New(io kio.IO_i) *Fd_t {
	refs := 1
	return &Fd_t{Io: io, refs: &refs}
}

// Dup implements iodup: old must be occupied; if new == old the id is
// returned unchanged (spec.md §4.9). A negative new picks the lowest
// free slot (EMFILE if none). Otherwise new is closed first (if
// occupied) and then bound to an added reference on old's descriptor.
// Dup has no notion of "pipe end", so the rule that pipe may not
// assign both ends to the same slot is enforced by the pipe syscall,
// not here.
func (t *Table_t) Dup(old, new int) (int, kerrno.Err_t) {
	of, err := t.Get(old)
	if err != 0 {
		return 0, err
	}
	if old == new {
		return new, 0
	}
	if new >= MaxDescriptors {
		return 0, kerrno.EBADF
	}
	if new < 0 {
		new = -1
		for i := range t.slots {
			if t.slots[i] == nil {
				new = i
				break
			}
		}
		if new < 0 {
			return 0, kerrno.EMFILE
		}
	} else if t.slots[new] != nil {
		if cerr := t.Close(new); cerr != 0 {
			return 0, cerr
		}
	}
	*of.refs++
	t.slots[new] = &Fd_t{Io: of.Io, Cloexec: of.Cloexec, refs: of.refs}
	return new, 0
}

// Fork builds a child table that addrefs every descriptor the parent
// currently holds (spec.md §4.8 "addref every open I/O descriptor into
// the child's table").
func (t *Table_t) Fork() *Table_t {
	child := &Table_t{}
	for i, f := range t.slots {
		if f == nil {
			continue
		}
		*f.refs++
		child.slots[i] = &Fd_t{Io: f.Io, Cloexec: f.Cloexec, refs: f.refs}
	}
	return child
}
