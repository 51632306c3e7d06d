// Package accnt accumulates per-process/per-thread CPU accounting, exposed
// through a getrusage-equivalent. Grounded on biscuit/src/accnt/accnt.go,
// kept nearly verbatim (see SPEC_FULL.md §C).
package accnt

import (
	"sync/atomic"
	"time"
)

// Accnt_t accumulates user/system runtime in nanoseconds.
type Accnt_t struct {
	Userns int64
	Sysns  int64
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt_t) Utadd(delta time.Duration) {
	atomic.AddInt64(&a.Userns, int64(delta))
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt_t) Systadd(delta time.Duration) {
	atomic.AddInt64(&a.Sysns, int64(delta))
}

// Fetch returns a consistent snapshot of both counters.
func (a *Accnt_t) Fetch() (time.Duration, time.Duration) {
	return time.Duration(atomic.LoadInt64(&a.Userns)), time.Duration(atomic.LoadInt64(&a.Sysns))
}

// Add folds child's usage into a, used when a parent reaps an exited child
// (spec §3 Process lifecycle: "memory reclaimed when the parent reaps it").
func (a *Accnt_t) Add(child *Accnt_t) {
	u, s := child.Fetch()
	atomic.AddInt64(&a.Userns, int64(u))
	atomic.AddInt64(&a.Sysns, int64(s))
}
