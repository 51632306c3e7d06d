// Package bounds records the iteration counts of the kernel's bounded
// retry loops (page-table population under memory pressure, msgport
// backlog-full backoff, ...) so a runaway loop shows up as a climbing
// high-water mark instead of silently spinning forever. Grounded on call
// sites in biscuit/src/vm/as.go and vm/userbuf.go (bounds.Bounds(id)).
package bounds

import "sync/atomic"

// Id names one bounded retry site.
type Id int

const (
	B_ASPACE_T_K2USER_INNER Id = iota
	B_ASPACE_T_USER2K_INNER
	B_ASPACE_T_USERDMAP8_INNER
	B_UBUF_T_UIOREAD
	B_UBUF_T_UIOWRITE
	B_MSGPORT_T_SEND
	numIds
)

var hwm [numIds]int64

// Bounds records that the call site named by id spun n times this call,
// updating the running high-water mark. It returns the new high-water mark
// so callers can klog.WarnOnce past a pathological threshold.
func Bounds(id Id, n int) int64 {
	for {
		old := atomic.LoadInt64(&hwm[id])
		if int64(n) <= old {
			return old
		}
		if atomic.CompareAndSwapInt64(&hwm[id], old, int64(n)) {
			return int64(n)
		}
	}
}

// Highwater returns the largest iteration count seen so far at id.
func Highwater(id Id) int64 {
	return atomic.LoadInt64(&hwm[id])
}
