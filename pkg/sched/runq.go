package sched

import "sync"

// Priority levels: 0-15 are SCHED_OTHER (time-shared, subject to decay),
// 16-31 are realtime SCHED_FIFO/SCHED_RR, strictly above every SCHED_OTHER
// thread. Grounded on original_source/proc/sched.c's run-queue array and
// spec §4's "32 priority run queues" note.
const (
	NumPrios     = 32
	MinOtherPrio = 0
	MaxOtherPrio = 15
	MinRTPrio    = 16
	MaxRTPrio    = 31
)

// Runq_t is the set of runnable threads, bucketed by priority with FIFO
// order within each bucket — a goroutine-scheduler-friendly bookkeeping
// structure standing in for the teacher's CPU run queue: since this kernel
// delegates actual concurrent execution to the Go runtime, Runq_t instead
// records scheduling *decisions* (who would run next, in what order) for
// pkg/proc to honor when handing out cooperative continuation points
// (e.g. bulk IPC dispatch, the idle-CPU placeholder thread).
type Runq_t struct {
	mu   sync.Mutex
	runq [NumPrios][]int // Tid_t stored as int to avoid an import cycle with pkg/defs' process types
}

// MkRunq allocates an empty run queue set.
func MkRunq() *Runq_t {
	return &Runq_t{}
}

func clampPrio(prio int) int {
	if prio < 0 {
		return 0
	}
	if prio >= NumPrios {
		return NumPrios - 1
	}
	return prio
}

// Enqueue marks tid runnable at the given priority, appended to the end of
// that priority's FIFO.
func (rq *Runq_t) Enqueue(tid int, prio int) {
	prio = clampPrio(prio)
	rq.mu.Lock()
	defer rq.mu.Unlock()
	rq.runq[prio] = append(rq.runq[prio], tid)
}

// Remove removes tid from the given priority's queue if present, returning
// whether it was found.
func (rq *Runq_t) Remove(tid int, prio int) bool {
	prio = clampPrio(prio)
	rq.mu.Lock()
	defer rq.mu.Unlock()
	q := rq.runq[prio]
	for i, t := range q {
		if t == tid {
			rq.runq[prio] = append(q[:i], q[i+1:]...)
			return true
		}
	}
	return false
}

// PickNext pops the highest-priority, longest-waiting runnable thread.
// Realtime priorities (16-31) always preempt SCHED_OTHER (0-15) ones.
func (rq *Runq_t) PickNext() (int, int, bool) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	for p := NumPrios - 1; p >= 0; p-- {
		q := rq.runq[p]
		if len(q) == 0 {
			continue
		}
		tid := q[0]
		rq.runq[p] = q[1:]
		return tid, p, true
	}
	return 0, 0, false
}

// Len returns the total number of runnable threads across all priorities.
func (rq *Runq_t) Len() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	n := 0
	for _, q := range rq.runq {
		n += len(q)
	}
	return n
}

// Decay lowers a SCHED_OTHER thread's priority after it consumes a full
// quantum without blocking, and raises it back over time if it blocks
// quickly (I/O-bound threads stay responsive). Realtime priorities are
// never decayed. Mirrors original_source/proc/sched.c's priority-decay
// rule for the time-shared class.
func Decay(prio int, usedFullQuantum bool) int {
	if prio > MaxOtherPrio {
		return prio
	}
	if usedFullQuantum {
		if prio > MinOtherPrio {
			return prio - 1
		}
		return prio
	}
	if prio < MaxOtherPrio {
		return prio + 1
	}
	return prio
}
