package thread

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpawnJoin(t *testing.T) {
	ResetForTest()
	Boot()
	done := make(chan int, 1)
	_, err := Spawn("child", func(args ...interface{}) {
		done <- args[0].(int)
	}, 42)
	require.NoError(t, err)

	Yield() // let the child run to completion

	select {
	case v := <-done:
		require.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("child never ran")
	}
}

func TestJoinAnyReclaimsExited(t *testing.T) {
	ResetForTest()
	Boot()
	tid, err := Spawn("c1", func(args ...interface{}) {})
	require.NoError(t, err)
	Yield()

	reaped, err := Join(0)
	require.NoError(t, err)
	require.Equal(t, tid.ID, reaped)
}

func TestReentrantLock(t *testing.T) {
	ResetForTest()
	Boot()
	l := NewLock()
	l.Acquire()
	l.Acquire() // recursive, same thread
	require.True(t, l.Held())
	l.Release()
	require.True(t, l.Held())
	l.Release()
	require.False(t, l.Held())
}

func TestConditionOrdersWaitersByBroadcast(t *testing.T) {
	ResetForTest()
	Boot()
	cv := NewCond("test")
	woke := make(chan string, 2)

	for _, name := range []string{"a", "b"} {
		name := name
		Spawn(name, func(args ...interface{}) {
			cv.Wait()
			woke <- name
		})
	}
	Yield() // let both reach Wait()
	Yield()

	cv.Broadcast()
	Yield()
	Yield()

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case n := <-woke:
			got[n] = true
		case <-time.After(time.Second):
			t.Fatal("waiter never woke")
		}
	}
	require.True(t, got["a"] && got["b"])
}
