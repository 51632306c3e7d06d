// Package futex implements userspace futex wait/wake/requeue, keyed by
// the user virtual address backing each futex word. Grounded on
// original_source/proc/thread_futex.c; built directly on pkg/sched's
// Rendez_t (each distinct futex address gets its own Rendez, created
// lazily and dropped once its waiter list is empty).
package futex

import (
	"sync"

	"github.com/armpi/kernel/pkg/defs"
	"github.com/armpi/kernel/pkg/limits"
	"github.com/armpi/kernel/pkg/res"
	"github.com/armpi/kernel/pkg/sched"
)

// Table_t is the system-wide futex table, one Rendez per live futex
// address. There is a single instance, futex.Sys.
type Table_t struct {
	mu   sync.Mutex
	rend map[uintptr]*sched.Rendez_t
}

// Sys is the system-wide futex table.
var Sys = &Table_t{rend: make(map[uintptr]*sched.Rendez_t)}

func (t *Table_t) get(addr uintptr, create bool) *sched.Rendez_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.rend[addr]
	if r == nil && create {
		r = sched.MkRendez()
		t.rend[addr] = r
	}
	return r
}

func (t *Table_t) dropIfEmpty(addr uintptr, r *sched.Rendez_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.Nwaiters() == 0 && t.rend[addr] == r {
		delete(t.rend, addr)
		res.Resdel(&limits.Syslimit.Futexes)
	}
}

// Wait blocks the calling thread on addr, provided load() (a read of the
// futex word under the BKL) still equals expected — exactly as
// FUTEX_WAIT's check-then-sleep must be atomic with respect to a
// concurrent FUTEX_WAKE. abort, if non-nil, unblocks the wait early
// (EINTR) without requiring the futex word to change.
func (t *Table_t) Wait(addr uintptr, expected uint32, load func() uint32, abort <-chan struct{}) defs.Err_t {
	sched.Lock()
	defer sched.Unlock()
	if load() != expected {
		return -defs.EAGAIN
	}
	r := t.get(addr, false)
	if r == nil {
		if !res.Resadd_noblock(&limits.Syslimit.Futexes) {
			return -defs.ENOHEAP
		}
		r = t.get(addr, true)
	}
	var interrupted bool
	if abort != nil {
		interrupted = r.SleepInterruptible(abort)
	} else {
		r.Sleep()
	}
	t.dropIfEmpty(addr, r)
	if interrupted {
		return -defs.EINTR
	}
	return 0
}

// Wake wakes up to n threads waiting on addr, returning the count woken.
func (t *Table_t) Wake(addr uintptr, n int) int {
	sched.Lock()
	defer sched.Unlock()
	r := t.get(addr, false)
	if r == nil {
		return 0
	}
	woken := 0
	for woken < n && r.TaskWakeup() {
		woken++
	}
	t.dropIfEmpty(addr, r)
	return woken
}

// Requeue wakes up to nwake threads waiting on src and moves up to
// nrequeue of the remaining waiters to wait on dst instead, without waking
// them — FUTEX_CMP_REQUEUE's defining optimization (avoids a thundering
// herd when e.g. a condvar broadcast only needs one thread running at a
// time). Returns (woken, requeued).
func (t *Table_t) Requeue(src, dst uintptr, nwake, nrequeue int) (int, int) {
	sched.Lock()
	defer sched.Unlock()
	sr := t.get(src, false)
	if sr == nil {
		return 0, 0
	}
	woken := 0
	for woken < nwake && sr.TaskWakeup() {
		woken++
	}
	requeued := 0
	if nrequeue > 0 && sr.Nwaiters() > 0 {
		dr := t.get(dst, false)
		if dr == nil && res.Resadd_noblock(&limits.Syslimit.Futexes) {
			dr = t.get(dst, true)
		}
		if dr != nil {
			requeued = sr.MoveWaiters(dr, nrequeue)
		}
	}
	t.dropIfEmpty(src, sr)
	return woken, requeued
}
