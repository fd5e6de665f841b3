// Package thread implements the kernel's cooperative, single-hart
// scheduler: a dense thread table, a FIFO ready list, and the handful
// of suspension points a thread may block at (spec.md §4.3, §5).
//
// biscuit schedules real goroutines under a patched Go runtime
// (runtime.Gptr/Setgptr in tinfo/tinfo.go, runtime.CPUHint in
// mem/mem.go): each "thread" is a goroutine the runtime happens to run
// one-at-a-time per hart. This kernel cannot patch the host Go
// runtime, so each Thread_t is instead backed by one goroutine gated
// by a per-thread rendezvous channel: at most one thread's goroutine
// ever holds the "cpu token" at a time, which reproduces the single-hart
// cooperative model (spec.md §5: "at any moment exactly one thread is
// Running") without needing real preemption.
package thread

import (
	"fmt"
	"sync"

	"github.com/hakyung4/operating-system/klog"
	"github.com/hakyung4/operating-system/kstats"
)

// NTHR bounds the dense thread table, mirroring biscuit's fixed-size
// thread arena (tinfo.Threadinfo_t, sized by the teacher's NTHREADS).
const NTHR = 1024

// State is the thread lifecycle state (spec.md §3 "Thread").
type State int

const (
	Uninitialized State = iota
	Waiting
	Running
	Ready
	Exited
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninit"
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Ready:
		return "ready"
	case Exited:
		return "exited"
	}
	return "?"
}

// AddrSpace is the minimal contract thread needs from whatever owns a
// process's address space, so that this package never imports proc
// (proc imports thread, not the reverse) — the same layering trick
// biscuit uses to let fd operate on fdops.Fdops_i instead of a
// concrete device type.
type AddrSpace interface {
	Switch()
}

// Thread_t is one kernel thread (spec.md §3 "Thread").
type Thread_t struct {
	ID       int
	Name     string
	Parent   *Thread_t
	state    State
	stateMu  sync.Mutex
	WaitingOn *Cond_t
	ChildExit *Cond_t
	Proc     AddrSpace // nil until the owning process calls SetProcess

	entry func(...interface{})
	args  []interface{}
	resumeCh chan struct{}

	// list_next is the single intrusive link used by both the ready
	// list and any one condition's wait list at a time (spec.md §3:
	// "a thread is on at most one list at a time").
	listNext *Thread_t
}

func (t *Thread_t) State() State {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.state
}

func (t *Thread_t) setState(s State) {
	t.stateMu.Lock()
	t.state = s
	t.stateMu.Unlock()
}

// SetProcess attaches the owning process's address space after spawn.
// Per spec.md §9's documented ordering, a thread briefly has Proc ==
// nil between Spawn and SetProcess; Suspend must tolerate that.
func (t *Thread_t) SetProcess(p AddrSpace) {
	t.Proc = p
}

type sched_t struct {
	mu       sync.Mutex
	tab      [NTHR]*Thread_t
	freeIDs  []int
	readyHd  *Thread_t
	readyTl  *Thread_t
	current  *Thread_t
	idle     *Thread_t
	mainOnce sync.Once
	idleWake chan struct{}
}

var sch sched_t

func init() {
	for i := NTHR - 1; i >= 0; i-- {
		sch.freeIDs = append(sch.freeIDs, i)
	}
	sch.idleWake = make(chan struct{}, 1)
}

func popFreeID() (int, bool) {
	if len(sch.freeIDs) == 0 {
		return 0, false
	}
	n := len(sch.freeIDs) - 1
	id := sch.freeIDs[n]
	sch.freeIDs = sch.freeIDs[:n]
	return id, true
}

func pushFreeID(id int) {
	sch.freeIDs = append(sch.freeIDs, id)
}

func readyPush(t *Thread_t) {
	t.listNext = nil
	if sch.readyTl == nil {
		sch.readyHd, sch.readyTl = t, t
	} else {
		sch.readyTl.listNext = t
		sch.readyTl = t
	}
}

func readyPop() *Thread_t {
	if sch.readyHd == nil {
		return nil
	}
	t := sch.readyHd
	sch.readyHd = t.listNext
	if sch.readyHd == nil {
		sch.readyTl = nil
	}
	t.listNext = nil
	return t
}

// ResetForTest discards all scheduler state and is only ever called
// from package tests that need a clean table between cases; production
// boot code calls Boot exactly once.
func ResetForTest() {
	sch.mu.Lock()
	sch = sched_t{idleWake: make(chan struct{}, 1)}
	for i := NTHR - 1; i >= 0; i-- {
		sch.freeIDs = append(sch.freeIDs, i)
	}
	sch.mu.Unlock()
}

// Boot installs the calling goroutine as the main thread and spawns
// the idle thread, mirroring biscuit's bootstrap sequence that makes
// the boot goroutine thread 0 (see proc.ProcmgrInit in spec.md §4.8).
func Boot() *Thread_t {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	id, _ := popFreeID()
	main := &Thread_t{ID: id, Name: "main", state: Running, resumeCh: make(chan struct{}, 1)}
	main.ChildExit = NewCond("child_exit")
	sch.tab[id] = main
	sch.current = main

	idleID, _ := popFreeID()
	idle := &Thread_t{ID: idleID, Name: "idle", state: Ready, resumeCh: make(chan struct{}, 1)}
	sch.tab[idleID] = idle
	sch.idle = idle
	go idleLoop(idle)
	return main
}

// Current returns the calling goroutine's thread, reading `current`
// under sch.mu.
func Current() *Thread_t {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.current
}

// Spawn allocates a thread slot and kernel-stack-equivalent goroutine,
// places it at the tail of the ready list, and returns it
// (spec.md §4.3 thread_spawn). The new thread's parent is the caller.
func Spawn(name string, entry func(...interface{}), args ...interface{}) (*Thread_t, error) {
	sch.mu.Lock()
	id, ok := popFreeID()
	if !ok {
		sch.mu.Unlock()
		return nil, fmt.Errorf("thread: table full")
	}
	parent := sch.current
	t := &Thread_t{
		ID:       id,
		Name:     name,
		Parent:   parent,
		state:    Ready,
		entry:    entry,
		args:     args,
		resumeCh: make(chan struct{}, 1),
	}
	t.ChildExit = NewCond("child_exit")
	sch.tab[id] = t
	readyPush(t)
	sch.mu.Unlock()

	go func() {
		<-t.resumeCh
		t.entry(t.args...)
		Exit()
	}()

	klog.Debugf("thread: spawned %q (id=%d) parent=%v", name, id, parentID(parent))
	return t, nil
}

func parentID(p *Thread_t) int {
	if p == nil {
		return -1
	}
	return p.ID
}

func idleLoop(idle *Thread_t) {
	<-idle.resumeCh
	for {
		sch.mu.Lock()
		hasWork := sch.readyHd != nil
		sch.mu.Unlock()
		if hasWork {
			Yield()
			continue
		}
		// disable interrupts, re-check emptiness, wait-for-interrupt
		// (spec.md §4.3): block until something pushes the ready
		// list or fires the idle wake channel (our WFI analogue).
		select {
		case <-sch.idleWake:
		}
	}
}

func wakeIdle() {
	select {
	case sch.idleWake <- struct{}{}:
	default:
	}
}

// Yield voluntarily gives up the CPU, re-queuing the caller at the
// tail of the ready list (spec.md §4.3 thread_yield).
func Yield() {
	suspend(Ready)
}

// Suspend is running_thread_suspend: removes the caller from Running
// without re-queuing it anywhere; the caller must already be linked
// onto some other list (a condition's wait list, an alarm) by its
// caller, matching biscuit's convention that condition_wait performs
// the list insertion before suspending.
func Suspend() {
	suspend(Waiting)
}

// suspend implements both Yield and Suspend: atomically move self off
// Running, pick the next Ready thread (or idle), switch address space
// if the new thread has an attached process, and hand it the CPU
// token. newSelfState is the state to leave the caller in; for Yield
// the caller is also pushed onto the ready list.
func suspend(newSelfState State) {
	sch.mu.Lock()
	me := sch.current
	if me.State() == Running {
		me.setState(newSelfState)
		if newSelfState == Ready {
			readyPush(me)
		}
	}
	next := readyPop()
	if next == nil {
		next = sch.idle
	}
	next.setState(Running)
	sch.current = next
	kstats.ContextSwitches.Inc()
	sch.mu.Unlock()

	if next.Proc != nil {
		next.Proc.Switch()
	}
	if next != me {
		wake(next)
		if next != sch.idle {
			wakeIdle() // in case idle itself needs to notice ready-list churn later
		}
		park(me)
	}
}

func wake(t *Thread_t) {
	select {
	case t.resumeCh <- struct{}{}:
	default:
	}
}

func park(me *Thread_t) {
	<-me.resumeCh
	if me.State() == Exited {
		reclaimSelf(me)
	}
}

// Exit implements thread_exit: the main thread halts (modeled here as
// blocking forever); any other thread is marked Exited, broadcasts its
// child_exit condition, and suspends permanently.
func Exit() {
	sch.mu.Lock()
	me := sch.current
	if me.Name == "main" {
		sch.mu.Unlock()
		select {} // halt
	}
	me.setState(Exited)
	sch.mu.Unlock()

	if me.Parent != nil {
		me.Parent.ChildExit.Broadcast()
	}
	klog.Debugf("thread: %q (id=%d) exited", me.Name, me.ID)
	Suspend() // never returns: reclaimed by a join, not resumed
}

func reclaimSelf(me *Thread_t) {
	// Entered only if a thread is (incorrectly) resumed post-exit;
	// defensive per spec.md §4.3's "it cannot be, by construction".
	panic("thread: resumed an exited thread")
}

// reclaim frees a thread's slot, reparenting any of its children to
// its own parent (spec.md §4.3 thread_join "Reclaim").
func reclaim(t *Thread_t, joiner *Thread_t) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	for i := range sch.tab {
		c := sch.tab[i]
		if c != nil && c.Parent == t {
			c.Parent = joiner.Parent
		}
	}
	sch.tab[t.ID] = nil
	pushFreeID(t.ID)
}

// Join implements thread_join. tid == 0 waits for any child; otherwise
// tid must name a living child of the caller.
func Join(tid int) (int, error) {
	me := Current()
	if tid == 0 {
		return joinAny(me)
	}
	sch.mu.Lock()
	if tid < 0 || tid >= NTHR || sch.tab[tid] == nil {
		sch.mu.Unlock()
		return 0, fmt.Errorf("thread: no such thread %d", tid)
	}
	child := sch.tab[tid]
	sch.mu.Unlock()
	if child.Parent != me {
		return 0, fmt.Errorf("thread: %d is not a child of %d", tid, me.ID)
	}
	for child.State() != Exited {
		// Exit() broadcasts the exiting thread's *parent's* ChildExit
		// cond, not its own, so the waiter here must be me, not child.
		me.ChildExit.Wait()
	}
	reclaim(child, me)
	return tid, nil
}

func joinAny(me *Thread_t) (int, error) {
	for {
		sch.mu.Lock()
		var any *Thread_t
		var exited *Thread_t
		for i := range sch.tab {
			c := sch.tab[i]
			if c != nil && c.Parent == me {
				any = c
				if c.State() == Exited {
					exited = c
					break
				}
			}
		}
		sch.mu.Unlock()
		if any == nil {
			return 0, fmt.Errorf("thread: no children")
		}
		if exited != nil {
			reclaim(exited, me)
			return exited.ID, nil
		}
		me.ChildExit.Wait()
	}
}
