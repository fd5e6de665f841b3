package kio

import (
	"testing"

	"github.com/hakyung4/operating-system/kerrno"
	"github.com/hakyung4/operating-system/thread"
	"github.com/stretchr/testify/require"
)

func TestMemIOReadWriteAtClampToCapacity(t *testing.T) {
	m := NewMemIO(8)
	n, err := m.WriteAt(0, []byte("hello world"))
	require.Equal(t, kerrno.Err_t(0), err)
	require.Equal(t, 8, n, "write must clamp to capacity")

	buf := make([]byte, 16)
	n, err = m.ReadAt(0, buf)
	require.Equal(t, kerrno.Err_t(0), err)
	require.Equal(t, 8, n)
}

func TestMemIOSetEndGrowsAndShrinks(t *testing.T) {
	m := NewMemIO(4)
	_, err := m.Cntl(SETEND, 4)
	require.Equal(t, kerrno.Err_t(0), err)
	_, err = m.Cntl(SETEND, 5)
	require.Equal(t, kerrno.EINVAL, err)
	_, err = m.Cntl(SETEND, 1)
	require.Equal(t, kerrno.Err_t(0), err)
	v, _ := m.Cntl(GETEND, 0)
	require.Equal(t, uint64(1), v)
}

func TestIofillStopsAtEOF(t *testing.T) {
	m := WrapMemIO([]byte("hi"))
	sk, err := NewSeekable(m)
	require.Equal(t, kerrno.Err_t(0), err)

	buf := make([]byte, 10)
	n, ferr := Iofill(sk, buf)
	require.Equal(t, kerrno.Err_t(0), ferr)
	require.Equal(t, 2, n)
}

func TestSeekableTruncatesToBlockMultiple(t *testing.T) {
	backing := &blockMemIO{MemIO_t: *WrapMemIO(make([]byte, 16)), blksz: 4}
	sk, err := NewSeekable(backing)
	require.Equal(t, kerrno.Err_t(0), err)

	n, werr := sk.Write([]byte("0123456789")) // 10 bytes, truncates to 8
	require.Equal(t, kerrno.Err_t(0), werr)
	require.Equal(t, 8, n)
}

// blockMemIO overrides GETBLKSZ on top of MemIO_t to exercise
// Seekable_t's block-alignment truncation.
type blockMemIO struct {
	MemIO_t
	blksz uint64
}

func (b *blockMemIO) Cntl(cmd CntlOp, arg uint64) (uint64, kerrno.Err_t) {
	if cmd == GETBLKSZ {
		return b.blksz, 0
	}
	return b.MemIO_t.Cntl(cmd, arg)
}

func TestPipeDeliversBytesInOrderAndEOFsAfterWriterClose(t *testing.T) {
	thread.ResetForTest()
	thread.Boot()

	r, w := NewPipe()
	var written, got []byte
	for i := 0; i < 5000; i++ {
		written = append(written, byte(i))
	}

	wt, err := thread.Spawn("pipe-writer", func(args ...interface{}) {
		n, err := Iowrite(w, written)
		require.Equal(t, kerrno.Err_t(0), err)
		require.Equal(t, 5000, n)
		w.Close()
	})
	require.NoError(t, err)
	rt, err := thread.Spawn("pipe-reader", func(args ...interface{}) {
		buf := make([]byte, 100)
		for {
			n, rerr := r.Read(buf)
			require.Equal(t, kerrno.Err_t(0), rerr)
			if n == 0 {
				break
			}
			got = append(got, buf[:n]...)
		}
	})
	require.NoError(t, err)

	// Join integrates with the scheduler's suspend/wake path, unlike
	// blocking on a plain Go channel, which would strand the virtual
	// CPU token on the test's own thread forever.
	_, err = thread.Join(wt.ID)
	require.NoError(t, err)
	_, err = thread.Join(rt.ID)
	require.NoError(t, err)
	require.Equal(t, written, got)
}

func TestPipeWriteFailsWithBrokenPipeAfterReaderCloses(t *testing.T) {
	thread.ResetForTest()
	thread.Boot()

	r, w := NewPipe()
	r.Close()
	_, err := w.Write([]byte("x"))
	require.Equal(t, kerrno.EPIPE, err)
}
