// Package limits tracks system-wide resource limits with atomically
// updated counters. Grounded on biscuit/src/limits/limits.go, with the
// field set generalized to this spec's resources.
package limits

import "sync/atomic"

// Sysatomic_t is a numeric limit that can be atomically taken and given back.
type Sysatomic_t int64

// Taken tries to decrement the limit by n; it returns true on success and
// leaves the limit unchanged on failure.
func (s *Sysatomic_t) Taken(n uint) bool {
	g := atomic.AddInt64((*int64)(s), -int64(n))
	if g >= 0 {
		return true
	}
	atomic.AddInt64((*int64)(s), int64(n))
	return false
}

// Given increases the limit by n.
func (s *Sysatomic_t) Given(n uint) {
	atomic.AddInt64((*int64)(s), int64(n))
}

// Take decrements the limit by one, reporting success.
func (s *Sysatomic_t) Take() bool { return s.Taken(1) }

// Give increments the limit by one.
func (s *Sysatomic_t) Give() { s.Given(1) }

// Value returns the current remaining count.
func (s *Sysatomic_t) Value() int64 { return atomic.LoadInt64((*int64)(s)) }

// Syslimit_t holds the configured ceilings for kernel-managed resources.
type Syslimit_t struct {
	Sysprocs  Sysatomic_t // max live processes
	Systhreads Sysatomic_t // max live threads
	Vnodes    Sysatomic_t // max cached vnodes
	Futexes   Sysatomic_t // max distinct futex addresses tracked
	Msgids    Sysatomic_t // max concurrently in-flight messages, system wide
	Bufs      Sysatomic_t // max cached page buffers
	Pipes     Sysatomic_t
	Kqueues   Sysatomic_t
}

// MkSysLimit returns the default set of limits.
func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Sysprocs:   1e4,
		Systhreads: 1e4,
		Vnodes:     20000,
		Futexes:    1024,
		Msgids:     32 * 1024,
		Bufs:       1 << 16,
		Pipes:      1e4,
		Kqueues:    4096,
	}
}

// Syslimit is the process-wide instance used by default.
var Syslimit = MkSysLimit()
