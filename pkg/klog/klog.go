// Package klog is the kernel's console log sink: a thin wrapper over
// fmt.Fprintf to the console writer, gated by level, plus a Panic helper
// that logs the panic site before unwinding. Grounded on the fmt.Printf
// diagnostics throughout the teacher (biscuit/src/mem/mem.go,
// biscuit/src/fs/blk.go's bdev_debug-gated prints) — a kernel's log target
// is the serial console, not a log aggregator, so no structured-logging
// library is introduced here.
package klog

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/armpi/kernel/pkg/caller"
)

// Level controls which messages reach Console.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var (
	mu      sync.Mutex
	Console io.Writer = os.Stderr
	Min     Level     = LevelInfo
	dedup             = &caller.Distinct_caller_t{Enabled: true}
)

func logf(lvl Level, prefix, format string, args ...interface{}) {
	if lvl > Min {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(Console, prefix+format+"\n", args...)
}

// Errorf logs an error-level message.
func Errorf(format string, args ...interface{}) { logf(LevelError, "[err] ", format, args...) }

// Warnf logs a warning-level message.
func Warnf(format string, args ...interface{}) { logf(LevelWarn, "[warn] ", format, args...) }

// Infof logs an info-level message.
func Infof(format string, args ...interface{}) { logf(LevelInfo, "[info] ", format, args...) }

// Debugf logs a debug-level message.
func Debugf(format string, args ...interface{}) { logf(LevelDebug, "[dbg] ", format, args...) }

// WarnOnce logs a warning the first time it is reached from a given call
// chain, suppressing repeats — used for best-effort paths (DNLC purge,
// mprotect no-ops) whose callers may hammer them.
func WarnOnce(format string, args ...interface{}) {
	if ok, _ := dedup.Distinct(); ok {
		Warnf(format, args...)
	}
}

// Panicf logs the panic site and then panics, matching the teacher's
// "unrecoverable kernel invariants panic — disable interrupts and spin,
// emitting the site to the serial log" policy (spec §7).
func Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	Errorf("PANIC: %s", msg)
	caller.Callerdump(2)
	panic(msg)
}
