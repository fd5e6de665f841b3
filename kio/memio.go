package kio

import "github.com/hakyung4/operating-system/kerrno"

// MemIO_t is a fixed-capacity, memory-backed I/O endpoint (spec.md
// §4.5 "Memory-backed I/O"). readat/writeat are clamped to the buffer
// capacity; SETEND may shrink toward the start or grow up to capacity,
// never beyond it.
type MemIO_t struct {
	Base
	buf []byte
	end int
}

// NewMemIO allocates a zeroed buffer of the given capacity with end
// initialized to 0.
func NewMemIO(capacity int) *MemIO_t {
	return &MemIO_t{buf: make([]byte, capacity)}
}

// WrapMemIO builds a MemIO_t over an existing byte slice (e.g. an ELF
// image already resident in a []byte), with end set to its full
// length.
func WrapMemIO(data []byte) *MemIO_t {
	return &MemIO_t{buf: data, end: len(data)}
}

func (m *MemIO_t) ReadAt(pos int64, buf []byte) (int, kerrno.Err_t) {
	if pos < 0 {
		return 0, kerrno.EINVAL
	}
	if pos >= int64(m.end) {
		return 0, 0
	}
	n := copy(buf, m.buf[pos:m.end])
	return n, 0
}

func (m *MemIO_t) WriteAt(pos int64, buf []byte) (int, kerrno.Err_t) {
	if pos < 0 || pos > int64(len(m.buf)) {
		return 0, kerrno.EINVAL
	}
	n := copy(m.buf[pos:], buf)
	if pos+int64(n) > int64(m.end) {
		m.end = int(pos) + n
	}
	return n, 0
}

func (m *MemIO_t) Cntl(cmd CntlOp, arg uint64) (uint64, kerrno.Err_t) {
	switch cmd {
	case GETBLKSZ:
		return 1, 0
	case GETEND:
		return uint64(m.end), 0
	case SETEND:
		if arg > uint64(len(m.buf)) {
			return 0, kerrno.EINVAL
		}
		m.end = int(arg)
		return 0, 0
	default:
		return 0, kerrno.ENOTSUP
	}
}
