package kio

import "github.com/hakyung4/operating-system/kerrno"

// Seekable_t wraps a positioned-I/O backing endpoint with a current
// position and a cached end, implementing stream read/write in terms
// of the backing readat/writeat (spec.md §4.5 "Seekable wrapper").
// Holds one reference on the backing endpoint, released on Close.
type Seekable_t struct {
	Base
	backing IO_i
	blksz   int64
	pos     int64
	end     int64
}

// NewSeekable queries the backing endpoint's block size and end and
// builds a seekable view starting at position 0.
func NewSeekable(backing IO_i) (*Seekable_t, kerrno.Err_t) {
	bsz, err := backing.Cntl(GETBLKSZ, 0)
	if err != 0 {
		return nil, err
	}
	if bsz == 0 {
		return nil, kerrno.EINVAL
	}
	end, err := backing.Cntl(GETEND, 0)
	if err != 0 {
		return nil, err
	}
	return &Seekable_t{backing: backing, blksz: int64(bsz), end: int64(end)}, 0
}

// truncateToBlock rounds n down to a multiple of the backing block
// size, per spec.md §4.5: "read/write must be a multiple of the
// backing block size; length is truncated (downward) to a multiple."
func (s *Seekable_t) truncateToBlock(n int) int64 {
	n64 := int64(n)
	return n64 - n64%s.blksz
}

func (s *Seekable_t) Read(buf []byte) (int, kerrno.Err_t) {
	n := s.truncateToBlock(len(buf))
	if n == 0 {
		return 0, 0
	}
	got, err := s.backing.ReadAt(s.pos, buf[:n])
	if err != 0 {
		return 0, err
	}
	s.pos += int64(got)
	return got, 0
}

func (s *Seekable_t) Write(buf []byte) (int, kerrno.Err_t) {
	n := s.truncateToBlock(len(buf))
	if n == 0 {
		return 0, 0
	}
	if s.pos+n > s.end {
		newEnd := uint64(s.pos + n)
		if _, err := s.backing.Cntl(SETEND, newEnd); err != 0 {
			return 0, err
		}
		s.end = int64(newEnd)
	}
	put, err := s.backing.WriteAt(s.pos, buf[:n])
	if err != 0 {
		return 0, err
	}
	s.pos += int64(put)
	return put, 0
}

func (s *Seekable_t) ReadAt(pos int64, buf []byte) (int, kerrno.Err_t) {
	return s.backing.ReadAt(pos, buf)
}

func (s *Seekable_t) WriteAt(pos int64, buf []byte) (int, kerrno.Err_t) {
	return s.backing.WriteAt(pos, buf)
}

func (s *Seekable_t) Cntl(cmd CntlOp, arg uint64) (uint64, kerrno.Err_t) {
	switch cmd {
	case GETPOS:
		return uint64(s.pos), 0
	case SETPOS:
		if s.blksz != 0 && arg%uint64(s.blksz) != 0 {
			return 0, kerrno.EINVAL
		}
		if arg > uint64(s.end) {
			return 0, kerrno.EINVAL
		}
		s.pos = int64(arg)
		return 0, 0
	case GETBLKSZ:
		return uint64(s.blksz), 0
	case GETEND:
		return uint64(s.end), 0
	case SETEND:
		v, err := s.backing.Cntl(SETEND, arg)
		if err == 0 {
			s.end = int64(arg)
		}
		return v, err
	default:
		return s.backing.Cntl(cmd, arg)
	}
}

func (s *Seekable_t) Close() kerrno.Err_t {
	return s.backing.Close()
}
