package thread

import "sync"

// Cond_t is a condition variable: an intrusive wait list of threads
// plus a name (spec.md §3 "Condition variable" — "Intrusive thread
// list + name. No counter."). It lives in package thread, not a
// separate ksync package, because Wait/Broadcast must manipulate the
// scheduler's ready list directly — the same reason biscuit's
// condition code and its ready-list code share a single compilation
// unit rather than crossing a package boundary for every wakeup.
type Cond_t struct {
	Name string
	hd   *Thread_t
	tl   *Thread_t
}

// NewCond constructs a named condition variable.
func NewCond(name string) *Cond_t {
	return &Cond_t{Name: name}
}

func (c *Cond_t) push(t *Thread_t) {
	t.listNext = nil
	if c.tl == nil {
		c.hd, c.tl = t, t
	} else {
		c.tl.listNext = t
		c.tl = t
	}
}

// Wait moves the calling thread onto this condition's wait list and
// suspends it (spec.md §4.3). Callers are expected to re-check their
// predicate in a loop, as with any condition variable.
func (c *Cond_t) Wait() {
	sch.mu.Lock()
	me := sch.current
	me.WaitingOn = c
	c.push(me)
	sch.mu.Unlock()
	Suspend()
	sch.mu.Lock()
	me.WaitingOn = nil
	sch.mu.Unlock()
}

// Broadcast splices every waiter onto the tail of the ready list and
// marks each Ready (spec.md §4.3 condition_broadcast).
func (c *Cond_t) Broadcast() {
	sch.mu.Lock()
	for w := c.hd; w != nil; {
		next := w.listNext
		w.setState(Ready)
		readyPush(w)
		w = next
	}
	c.hd, c.tl = nil, nil
	sch.mu.Unlock()
	wakeIdle()
}

// Lock_t is a reentrant lock: holder thread + recursion count +
// release condition (spec.md §3 "Reentrant lock"). Invariant:
// count == 0 iff holder == nil.
type Lock_t struct {
	mu       sync.Mutex // protects holder/count only; never held across Wait
	holder   *Thread_t
	count    int
	released *Cond_t
}

// NewLock constructs an unheld reentrant lock.
func NewLock() *Lock_t {
	return &Lock_t{released: NewCond("released")}
}

// Acquire implements lock_acquire: recursive for the current holder,
// otherwise blocks on `released` until free.
func (l *Lock_t) Acquire() {
	me := Current()
	for {
		l.mu.Lock()
		if l.holder == me {
			l.count++
			l.mu.Unlock()
			return
		}
		if l.holder == nil {
			l.holder = me
			l.count = 1
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
		l.released.Wait()
	}
}

// Release implements lock_release. Only the holder may call it; it
// panics otherwise, matching biscuit's "no-polite-failure" assertion
// style for invariant violations (spec.md §7).
func (l *Lock_t) Release() {
	me := Current()
	l.mu.Lock()
	if l.holder != me {
		l.mu.Unlock()
		panic("thread: release of lock not held by caller")
	}
	l.count--
	done := l.count == 0
	if done {
		l.holder = nil
	}
	l.mu.Unlock()
	if done {
		l.released.Broadcast()
	}
}

// Held reports whether the calling thread currently holds l, useful
// for the same kind of reentrancy checks KTFS performs before nesting
// a call back into itself (spec.md §4.7, §9 "Reentrant locks").
func (l *Lock_t) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder == Current()
}
