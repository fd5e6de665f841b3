package kio

import (
	"github.com/hakyung4/operating-system/kerrno"
	"github.com/hakyung4/operating-system/mem"
	"github.com/hakyung4/operating-system/thread"
)

// pipe_t is the shared buffer behind a read end and a write end:
// one page as a circular byte buffer, guarded by a reentrant lock,
// with separate conditions for "can read" and "can write" (spec.md
// §4.5 "Pipe").
type pipe_t struct {
	lock     *thread.Lock_t
	canRead  *thread.Cond_t
	canWrite *thread.Cond_t
	buf      [mem.PGSIZE]byte
	head     int // next write offset
	tail     int // next read offset
	count    int // bytes currently buffered
	readRefs int
	wrRefs   int
}

func newPipe() *pipe_t {
	return &pipe_t{
		lock:     thread.NewLock(),
		canRead:  thread.NewCond("pipe.canread"),
		canWrite: thread.NewCond("pipe.canwrite"),
		readRefs: 1,
		wrRefs:   1,
	}
}

// NewPipe builds a connected pair of pipe ends sharing one buffer,
// each starting with a single reference (PipeReadEnd_t's read
// reference, PipeWriteEnd_t's write reference).
func NewPipe() (*PipeReadEnd_t, *PipeWriteEnd_t) {
	p := newPipe()
	return &PipeReadEnd_t{p: p}, &PipeWriteEnd_t{p: p}
}

// PipeReadEnd_t is the read end of a pipe (spec.md §4.5: "Read end and
// write end each count as one reference").
type PipeReadEnd_t struct {
	Base
	p *pipe_t
}

// PipeWriteEnd_t is the write end of a pipe.
type PipeWriteEnd_t struct {
	Base
	p *pipe_t
}

// Dup adds a reference to the read end, for iodup/fork descriptor
// sharing.
func (r *PipeReadEnd_t) Dup() *PipeReadEnd_t {
	r.p.lock.Acquire()
	r.p.readRefs++
	r.p.lock.Release()
	return &PipeReadEnd_t{p: r.p}
}

func (w *PipeWriteEnd_t) Dup() *PipeWriteEnd_t {
	w.p.lock.Acquire()
	w.p.wrRefs++
	w.p.lock.Release()
	return &PipeWriteEnd_t{p: w.p}
}

func (r *PipeReadEnd_t) Close() kerrno.Err_t {
	p := r.p
	p.lock.Acquire()
	p.readRefs--
	if p.readRefs == 0 {
		// wake any writer blocked on "read end open"; they'll observe
		// BrokenPipe on their next check.
		p.canWrite.Broadcast()
	}
	p.lock.Release()
	return 0
}

func (w *PipeWriteEnd_t) Close() kerrno.Err_t {
	p := w.p
	p.lock.Acquire()
	p.wrRefs--
	if p.wrRefs == 0 {
		// wake any reader blocked on "write end open"; they'll drain
		// the remaining bytes and then see EOF.
		p.canRead.Broadcast()
	}
	p.lock.Release()
	return 0
}

// Read implements the pipe's blocking read: blocks while empty and the
// write end is still open, returns 0 (EOF) once the write end has
// closed and the buffer is drained.
func (r *PipeReadEnd_t) Read(buf []byte) (int, kerrno.Err_t) {
	p := r.p
	p.lock.Acquire()
	for p.count == 0 && p.wrRefs > 0 {
		// Cond_t.Wait doesn't know about p.lock; release/reacquire it
		// around the wait by hand, the usual monitor idiom.
		p.lock.Release()
		p.canRead.Wait()
		p.lock.Acquire()
	}
	if p.count == 0 {
		p.lock.Release()
		return 0, 0
	}
	n := len(buf)
	if n > p.count {
		n = p.count
	}
	for i := 0; i < n; i++ {
		buf[i] = p.buf[(p.tail+i)%len(p.buf)]
	}
	p.tail = (p.tail + n) % len(p.buf)
	p.count -= n
	p.canWrite.Broadcast()
	p.lock.Release()
	return n, 0
}

// Write implements the pipe's blocking write: blocks while full and
// the read end is still open, fails with EPIPE once the read end has
// closed.
func (w *PipeWriteEnd_t) Write(buf []byte) (int, kerrno.Err_t) {
	p := w.p
	written := 0
	for written < len(buf) {
		p.lock.Acquire()
		for p.count == len(p.buf) && p.readRefs > 0 {
			p.lock.Release()
			p.canWrite.Wait()
			p.lock.Acquire()
		}
		if p.readRefs == 0 {
			p.lock.Release()
			return written, kerrno.EPIPE
		}
		space := len(p.buf) - p.count
		n := len(buf) - written
		if n > space {
			n = space
		}
		for i := 0; i < n; i++ {
			p.buf[(p.head+i)%len(p.buf)] = buf[written+i]
		}
		p.head = (p.head + n) % len(p.buf)
		p.count += n
		written += n
		p.canRead.Broadcast()
		p.lock.Release()
	}
	return written, 0
}
