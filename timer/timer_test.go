package timer

import (
	"testing"

	"github.com/hakyung4/operating-system/thread"
	"github.com/stretchr/testify/require"
)

func TestSleepOrderingMonotonic(t *testing.T) {
	thread.ResetForTest()
	thread.Boot()
	q = queue_t{}

	order := make(chan string, 3)
	start := func(name string, delta Ticks_t) {
		thread.Spawn(name, func(args ...interface{}) {
			al := Init(name)
			al.Sleep(delta)
			order <- name
		})
	}
	start("late", 300)
	start("early", 100)
	start("mid", 200)
	thread.Yield()
	thread.Yield()
	thread.Yield()

	// Tick only makes the woken sleeper Ready; Yield hands it the CPU so
	// it can report before this thread blocks on the channel.
	Tick() // nothing expired yet (current==0)
	q.current += 100
	Tick()
	thread.Yield()
	require.Equal(t, "early", <-order)
	q.current += 100
	Tick()
	thread.Yield()
	require.Equal(t, "mid", <-order)
	q.current += 100
	Tick()
	thread.Yield()
	require.Equal(t, "late", <-order)
}

func TestResetThenSleepIsLowJitter(t *testing.T) {
	thread.ResetForTest()
	thread.Boot()
	q = queue_t{}

	al := Init("periodic")
	// the clock is already past the first period, so Sleep returns at
	// once; the wake time still advances from the old wake time (0),
	// not from now (150).
	q.current = 150
	al.Sleep(100)
	require.Equal(t, Ticks_t(100), al.wake)
	al.Reset()
	require.Equal(t, Ticks_t(150), al.wake)
}
