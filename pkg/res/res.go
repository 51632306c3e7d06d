// Package res gates allocation of globally bounded kernel resources
// (vnodes, futexes, msgids, bufs, pipes, kqueues — pkg/limits.Syslimit)
// behind a uniform take/give API, so call sites like vm's page-table
// population loop don't each hand-roll their own retry-or-fail logic.
// Grounded on call sites in biscuit/src/vm/as.go (res.Resadd_noblock)
// and vm/userbuf.go.
package res

import "github.com/armpi/kernel/pkg/limits"

// Resadd_noblock attempts to reserve one unit of the resource tracked by
// lim, returning false immediately (never blocking) if the system limit is
// already exhausted. Callers that must have the resource (e.g. populating a
// page table entry that a page fault already promised the caller) retry in
// a loop; callers that can fail gracefully (e.g. opening a vnode past the
// Vnodes limit) propagate ENOHEAP.
func Resadd_noblock(lim *limits.Sysatomic_t) bool {
	return lim.Taken(1)
}

// Resadd blocks is deliberately not provided: every resource this kernel
// tracks is boundable by the caller backing off and retrying, and the
// scheduler has no "resource available" wakeup channel to block on (spec
// §4.1's pmap population path backs off via Rendez on the physical-memory
// low-watermark signal instead — see pkg/mem.WaitFree).
func Resdel(lim *limits.Sysatomic_t) {
	lim.Given(1)
}
