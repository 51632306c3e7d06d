// Package timer implements the kernel's hashed timing wheel: JIFFIES_PER_SECOND
// buckets indexed by (now+ticks) mod len(buckets), with a rounds counter on
// each entry for deadlines more than one revolution away. Grounded on
// original_source/proc/timer.c. Per spec §4's hardclock/softclock split,
// Tick plays the hardclock role (advance the jiffy counter, collect
// expired entries, nothing else) and Run plays softclock (actually invoke
// the expired callbacks) — keeping the "interrupt handler" path as cheap
// as the teacher's hardclock is meant to be.
package timer

import (
	"sync"

	"github.com/armpi/kernel/pkg/sched"
)

// Entry is a handle to a scheduled callback, usable with Wheel_t.Cancel.
type Entry struct {
	bucket int
	rounds int
	fn     func()
	armed  bool
}

// Wheel_t is a hashed timing wheel. There is one per CPU in the original
// design; this simulation runs a single wheel for the whole kernel, which
// is sufficient given the spec's no-SMP invariant.
type Wheel_t struct {
	mu      sync.Mutex
	buckets [][]*Entry
	cur     int
	pending []func()
	wake    *sched.Rendez_t
}

// MkWheel allocates a wheel with nbuckets slots — one jiffy per bucket.
func MkWheel(nbuckets int) *Wheel_t {
	if nbuckets < 1 {
		nbuckets = 1
	}
	return &Wheel_t{
		buckets: make([][]*Entry, nbuckets),
		wake:    sched.MkRendez(),
	}
}

// Add schedules fn to run after the given number of ticks (>= 1) and
// returns a handle that Cancel can use to abort it before it fires.
func (w *Wheel_t) Add(ticks int, fn func()) *Entry {
	if ticks < 1 {
		ticks = 1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.buckets)
	bucket := (w.cur + ticks) % n
	e := &Entry{bucket: bucket, rounds: (ticks - 1) / n, fn: fn, armed: true}
	w.buckets[bucket] = append(w.buckets[bucket], e)
	return e
}

// Cancel removes e before it fires, returning whether it was still armed.
func (w *Wheel_t) Cancel(e *Entry) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !e.armed {
		return false
	}
	e.armed = false
	q := w.buckets[e.bucket]
	for i, o := range q {
		if o == e {
			w.buckets[e.bucket] = append(q[:i], q[i+1:]...)
			break
		}
	}
	return true
}

// Tick advances the wheel by one jiffy (the hardclock role): every entry
// in the newly-current bucket either has its rounds counter decremented
// (if it's due a future revolution) or, once rounds reaches zero, is
// removed and queued for Run to execute. Tick itself never calls an
// arbitrary timer callback — that happens off the simulated interrupt
// path, in Run.
func (w *Wheel_t) Tick() {
	w.mu.Lock()
	n := len(w.buckets)
	w.cur = (w.cur + 1) % n
	q := w.buckets[w.cur]
	var remain []*Entry
	var due []*Entry
	for _, e := range q {
		if e.rounds > 0 {
			e.rounds--
			remain = append(remain, e)
			continue
		}
		e.armed = false
		due = append(due, e)
	}
	w.buckets[w.cur] = remain
	for _, e := range due {
		w.pending = append(w.pending, e.fn)
	}
	haswork := len(due) > 0
	w.mu.Unlock()
	if haswork {
		w.wake.TaskWakeupFromISR()
	}
}

// Run drains and invokes every callback Tick has queued as due, the
// softclock half of the split. Safe to call from any goroutine; typically
// a dedicated softclock goroutine loops calling Run after each wakeup.
func (w *Wheel_t) Run() int {
	w.mu.Lock()
	due := w.pending
	w.pending = nil
	w.mu.Unlock()
	for _, fn := range due {
		fn()
	}
	return len(due)
}

// WaitPending blocks the calling goroutine (the softclock worker) until
// Tick has queued at least one due callback, then returns after invoking
// them via Run.
func (w *Wheel_t) WaitPending() int {
	sched.Lock()
	for {
		w.mu.Lock()
		empty := len(w.pending) == 0
		w.mu.Unlock()
		if !empty {
			break
		}
		w.wake.Sleep()
	}
	sched.Unlock()
	return w.Run()
}
