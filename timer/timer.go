// Package timer implements the sleep-alarm queue described in
// spec.md §4.4: a single globally sorted list of alarms driven by one
// simulated hardware compare register, plus the 10ms "interrupter"
// thread that keeps the cooperative scheduler making progress.
//
// biscuit programs a real per-core APIC timer; this kernel has no
// timer MMIO in scope (spec.md §1 excludes "timer-compare register
// poke"), so the comparator is simulated with a single background
// goroutine driven by time.Ticker, and Tick plays the role of the timer
// ISR.
package timer

import (
	"sync"
	"time"

	"github.com/hakyung4/operating-system/klog"
	"github.com/hakyung4/operating-system/thread"
)

// Ticks_t is an absolute wake time in timer ticks. One tick == one
// time.Duration nanosecond tick of the simulated comparator; spec.md
// never fixes a tick-to-wallclock ratio, only that ticks are
// monotonically increasing and saturate at the maximum value.
type Ticks_t int64

const maxTicks = Ticks_t(1<<63 - 1)

// Alarm_t is one entry in the sleep list (spec.md §3 "Alarm").
type Alarm_t struct {
	Name     string
	wake     Ticks_t
	cond     *thread.Cond_t
	listNext *Alarm_t
}

// Init names the embedded condition and sets the initial wake time to
// now (alarm_init).
func Init(name string) *Alarm_t {
	return &Alarm_t{Name: name, wake: now(), cond: thread.NewCond(name + ".cond")}
}

type queue_t struct {
	mu      sync.Mutex
	hd      *Alarm_t
	current Ticks_t
}

var q queue_t

func now() Ticks_t {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// advance moves the simulated clock forward by d and fires the timer
// ISR once the comparator time has been reached; called only from the
// background driver goroutine started by StartHardwareClock.
func advance(d time.Duration) {
	q.mu.Lock()
	q.current += Ticks_t(d)
	q.mu.Unlock()
	Tick()
}

// StartHardwareClock launches the background goroutine that stands in
// for the real timer hardware, advancing the simulated clock every
// period. Tests that want deterministic control should drive Tick()
// themselves instead of calling this.
func StartHardwareClock(period time.Duration) {
	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for range t.C {
			advance(period)
		}
	}()
}

func insertSorted(al *Alarm_t) (becameHead bool) {
	if q.hd == nil || al.wake < q.hd.wake {
		al.listNext = q.hd
		q.hd = al
		return true
	}
	p := q.hd
	for p.listNext != nil && p.listNext.wake <= al.wake {
		p = p.listNext
	}
	al.listNext = p.listNext
	p.listNext = al
	return false
}

func remove(al *Alarm_t) {
	if q.hd == al {
		q.hd = al.listNext
		al.listNext = nil
		return
	}
	for p := q.hd; p != nil; p = p.listNext {
		if p.listNext == al {
			p.listNext = al.listNext
			al.listNext = nil
			return
		}
	}
}

// Sleep implements alarm_sleep: wake-time is maintained across sleeps
// of the same alarm (adding delta to the previous wake time, not to
// "now"), which gives a low-jitter periodic driver when callers
// Reset() between sleeps, exactly as spec.md §4.4 documents.
func (al *Alarm_t) Sleep(delta Ticks_t) {
	q.mu.Lock()
	if delta < 0 {
		delta = 0
	}
	if al.wake > maxTicks-delta {
		al.wake = maxTicks
	} else {
		al.wake += delta
	}
	if al.wake <= q.current {
		q.mu.Unlock()
		return
	}
	becameHead := insertSorted(al)
	q.mu.Unlock()
	if becameHead {
		klog.Debugf("timer: reprogram comparator to %d (alarm %q)", al.wake, al.Name)
	}
	al.cond.Wait()
}

// Reset sets wake-time to now (alarm_reset).
func (al *Alarm_t) Reset() {
	q.mu.Lock()
	al.wake = q.current
	q.mu.Unlock()
}

// Tick is the timer ISR: pop every expired head and broadcast its
// condition (spec.md §4.4). There is no comparator register to
// reprogram or disable; the simulated clock advances on its own.
func Tick() {
	for {
		q.mu.Lock()
		if q.hd == nil || q.hd.wake > q.current {
			q.mu.Unlock()
			return
		}
		al := q.hd
		q.hd = al.listNext
		al.listNext = nil
		q.mu.Unlock()
		al.cond.Broadcast()
	}
}

// RunInterrupter spawns the 10ms periodic kernel thread that exists
// solely to ensure the cooperative scheduler gets a chance to run
// regularly, per spec.md §4.4's "interrupter kernel thread".
func RunInterrupter() {
	thread.Spawn("interrupter", func(args ...interface{}) {
		al := Init("interrupter")
		for {
			al.Sleep(10_000_000) // 10ms in simulated nanosecond-ticks
			al.Reset()
			thread.Yield()
		}
	})
}
