package fd

import (
	"testing"

	"github.com/hakyung4/operating-system/kerrno"
	"github.com/hakyung4/operating-system/kio"
	"github.com/stretchr/testify/require"
)

func TestInstallPicksLowestFreeSlot(t *testing.T) {
	var tbl Table_t
	id0, err := tbl.Install(-1, New(kio.NewMemIO(1)))
	require.Equal(t, kerrno.Err_t(0), err)
	require.Equal(t, 0, id0)

	id1, err := tbl.Install(-1, New(kio.NewMemIO(1)))
	require.Equal(t, kerrno.Err_t(0), err)
	require.Equal(t, 1, id1)

	require.Equal(t, kerrno.Err_t(0), tbl.Close(id0))
	id0again, err := tbl.Install(-1, New(kio.NewMemIO(1)))
	require.Equal(t, kerrno.Err_t(0), err)
	require.Equal(t, 0, id0again)
}

func TestInstallRejectsOccupiedSlotAndOutOfRange(t *testing.T) {
	var tbl Table_t
	_, err := tbl.Install(3, New(kio.NewMemIO(1)))
	require.Equal(t, kerrno.Err_t(0), err)

	_, err = tbl.Install(3, New(kio.NewMemIO(1)))
	require.Equal(t, kerrno.EEXIST, err)

	_, err = tbl.Install(MaxDescriptors, New(kio.NewMemIO(1)))
	require.Equal(t, kerrno.EBADF, err)
}

func TestGetRejectsBadDescriptor(t *testing.T) {
	var tbl Table_t
	_, err := tbl.Get(-1)
	require.Equal(t, kerrno.EBADF, err)
	_, err = tbl.Get(0)
	require.Equal(t, kerrno.EBADF, err)
}

func TestCloseOnlyClosesUnderlyingIOOnLastReference(t *testing.T) {
	var tbl Table_t
	id, _ := tbl.Install(-1, New(kio.NewMemIO(1)))

	dupID, err := tbl.Dup(id, -1)
	require.Equal(t, kerrno.Err_t(0), err)
	require.NotEqual(t, id, dupID)

	require.Equal(t, kerrno.Err_t(0), tbl.Close(id))
	// the duplicate still holds a reference, so id is gone but dupID works.
	_, err = tbl.Get(id)
	require.Equal(t, kerrno.EBADF, err)
	_, err = tbl.Get(dupID)
	require.Equal(t, kerrno.Err_t(0), err)
}

func TestDupSameSlotIsNoop(t *testing.T) {
	var tbl Table_t
	id, _ := tbl.Install(-1, New(kio.NewMemIO(1)))
	got, err := tbl.Dup(id, id)
	require.Equal(t, kerrno.Err_t(0), err)
	require.Equal(t, id, got)
}

func TestDupClosesOccupiedTarget(t *testing.T) {
	var tbl Table_t
	a, _ := tbl.Install(-1, New(kio.NewMemIO(1)))
	b, _ := tbl.Install(-1, New(kio.NewMemIO(1)))

	got, err := tbl.Dup(a, b)
	require.Equal(t, kerrno.Err_t(0), err)
	require.Equal(t, b, got)

	fa, _ := tbl.Get(a)
	fb, _ := tbl.Get(b)
	require.Same(t, fa.Io, fb.Io)
}

func TestForkAddrefsEveryOpenDescriptor(t *testing.T) {
	var parent Table_t
	id, _ := parent.Install(-1, New(kio.NewMemIO(1)))

	child := parent.Fork()
	pf, _ := parent.Get(id)
	cf, _ := child.Get(id)
	require.Same(t, pf.Io, cf.Io)
	require.Equal(t, *pf.refs, *cf.refs)
	require.Equal(t, 2, *pf.refs)

	// closing in the child must not close the io the parent still holds.
	require.Equal(t, kerrno.Err_t(0), child.Close(id))
	_, err := parent.Get(id)
	require.Equal(t, kerrno.Err_t(0), err)
}

func TestCloseAllReleasesEverySlot(t *testing.T) {
	var tbl Table_t
	tbl.Install(-1, New(kio.NewMemIO(1)))
	tbl.Install(-1, New(kio.NewMemIO(1)))
	tbl.CloseAll()
	for i := 0; i < MaxDescriptors; i++ {
		_, err := tbl.Get(i)
		require.Equal(t, kerrno.EBADF, err)
	}
}
