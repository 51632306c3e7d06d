// Package stats provides compile-time-gated performance counters. Grounded
// on biscuit/src/stats/stats.go's Counter_t/Cycles_t pattern; Rdtsc() is
// replaced with a monotonic clock read since this repository does not carry
// the teacher's customized runtime (see DESIGN.md dropped-deps list).
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Stats and Timing gate counter/cycle accounting off in normal builds, as in
// the teacher; flip to true to enable while debugging.
const Stats = false
const Timing = false

// Counter_t is a statistical counter.
type Counter_t int64

// Cycles_t holds an elapsed-time accumulator, in nanoseconds.
type Cycles_t int64

// Inc increments the counter when Stats is enabled.
func (c *Counter_t) Inc() {
	if Stats {
		atomic.AddInt64((*int64)(c), 1)
	}
}

// Now returns a timestamp suitable for passing to Cycles_t.Add.
func Now() time.Time {
	if !Timing {
		return time.Time{}
	}
	return time.Now()
}

// Add adds the elapsed time since start to the accumulator.
func (c *Cycles_t) Add(start time.Time) {
	if Timing {
		atomic.AddInt64((*int64)(c), int64(time.Since(start)))
	}
}

// Stats2String converts a struct of counters to a printable string.
func Stats2String(st interface{}) string {
	if !Stats && !Timing {
		return ""
	}
	v := reflect.ValueOf(st)
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		switch {
		case strings.HasSuffix(t, "Counter_t"):
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		case strings.HasSuffix(t, "Cycles_t"):
			n := v.Field(i).Interface().(Cycles_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		}
	}
	return s + "\n"
}
