// Package kio implements the polymorphic I/O object contract of
// spec.md §4.5: six optional operations (close/read/write/readat/
// writeat/cntl) shared by every kind of open endpoint in the kernel —
// memory buffers, seekable wrappers, pipes, and (via the same
// interface) block devices and KTFS files.
//
// biscuit expresses this polymorphism with an embedded Fd_t header
// plus container-of casts back to the owning device (fd/fd.go,
// fdops.Fdops_i). Go has no container-of, so this package uses a
// plain interface (spec.md §9 "Polymorphic I/O" explicitly sanctions
// "a trait/interface with dynamic dispatch" as a faithful
// reimplementation), with a Base type embeddable by any concrete
// endpoint that only implements a subset of the six operations.
package kio

import "github.com/hakyung4/operating-system/kerrno"

// CntlOp enumerates the recognized cntl control operations (spec.md
// §4.5 "Recognized control operations").
type CntlOp int

const (
	GETBLKSZ CntlOp = iota + 1
	GETEND
	SETEND
	GETPOS
	SETPOS
	// CNTL_STATDUMP is a kernel-local addition: it returns a text
	// rendering of the kstats counters, the closest this kernel (which
	// has no network stack) gets to serving metrics. See kstats.Dump.
	CNTL_STATDUMP
)

// IO_i is the unified I/O object contract. Every method is logically
// optional — a concrete type that doesn't support an operation embeds
// Base, which answers ENOTSUP (or the documented default) for it.
type IO_i interface {
	Close() kerrno.Err_t
	Read(buf []byte) (int, kerrno.Err_t)
	Write(buf []byte) (int, kerrno.Err_t)
	ReadAt(pos int64, buf []byte) (int, kerrno.Err_t)
	WriteAt(pos int64, buf []byte) (int, kerrno.Err_t)
	Cntl(cmd CntlOp, arg uint64) (uint64, kerrno.Err_t)
}

// Base answers every operation with ENOTSUP except Close, which
// succeeds as a no-op, and GETBLKSZ, which defaults to 1
// (byte-granular), matching spec.md §4.5's documented default for
// endpoints that don't specify a block size.
type Base struct{}

func (Base) Close() kerrno.Err_t { return 0 }

func (Base) Read([]byte) (int, kerrno.Err_t) { return 0, kerrno.ENOTSUP }

func (Base) Write([]byte) (int, kerrno.Err_t) { return 0, kerrno.ENOTSUP }

func (Base) ReadAt(int64, []byte) (int, kerrno.Err_t) { return 0, kerrno.ENOTSUP }

func (Base) WriteAt(int64, []byte) (int, kerrno.Err_t) { return 0, kerrno.ENOTSUP }

func (Base) Cntl(cmd CntlOp, arg uint64) (uint64, kerrno.Err_t) {
	if cmd == GETBLKSZ {
		return 1, 0
	}
	return 0, kerrno.ENOTSUP
}

// Ioread is the validated single-call read wrapper: length is
// implicit in len(buf), which is never negative in Go, so this exists
// to give read a single named entry point symmetrical with
// Iofill/Iowrite rather than to reject anything.
func Ioread(io IO_i, buf []byte) (int, kerrno.Err_t) {
	return io.Read(buf)
}

// Iofill loops Read until buf is completely filled, a short read
// returns 0 (EOF), or an error occurs (spec.md §4.5 "loop iofill/
// iowrite until completion or error").
func Iofill(io IO_i, buf []byte) (int, kerrno.Err_t) {
	got := 0
	for got < len(buf) {
		n, err := io.Read(buf[got:])
		if err != 0 {
			return got, err
		}
		if n == 0 {
			break
		}
		got += n
	}
	return got, 0
}

// Iowrite loops Write until buf is completely written or an error
// occurs.
func Iowrite(io IO_i, buf []byte) (int, kerrno.Err_t) {
	put := 0
	for put < len(buf) {
		n, err := io.Write(buf[put:])
		if err != 0 {
			return put, err
		}
		if n == 0 {
			// a well-behaved Write never legitimately returns 0 on a
			// non-empty buffer; treat it as a stalled endpoint.
			return put, kerrno.EIO
		}
		put += n
	}
	return put, 0
}
