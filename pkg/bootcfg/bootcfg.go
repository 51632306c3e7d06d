// Package bootcfg parses the handful of board parameters a kernel image
// integrator needs to override without recompiling: the physical page
// allocator's reservation size, the timer tick frequency, and the initial
// root mount path. See SPEC_FULL.md §A.
package bootcfg

import "github.com/spf13/pflag"

// Config holds the resolved boot parameters.
type Config struct {
	ReservedPages  int    // pages reserved for the buddy allocator at boot
	JiffiesPerSec  int    // timer wheel buckets / hardclock frequency
	RootMountPath  string // path the initial SuperBlock mounts onto
	SchedQuantum   int    // timer ticks per SCHED_RR quantum
}

// Default mirrors the constants the teacher bakes in at compile time
// (biscuit/src/mem/mem.go's respgs, mem/dmap.go's layout constants) but
// exposed as overridable defaults instead.
func Default() *Config {
	return &Config{
		ReservedPages: 1 << 16,
		JiffiesPerSec: 100,
		RootMountPath: "/",
		SchedQuantum:  5,
	}
}

// Parse populates a Config from the provided flag set, falling back to
// Default() for any flag left unset. Passing a nil set is valid and simply
// returns the defaults — tests construct a Config directly without going
// through flag parsing.
func Parse(args []string) *Config {
	c := Default()
	fs := pflag.NewFlagSet("kernel", pflag.ContinueOnError)
	fs.IntVar(&c.ReservedPages, "reserved-pages", c.ReservedPages, "physical pages reserved for the buddy allocator at boot")
	fs.IntVar(&c.JiffiesPerSec, "jiffies-per-sec", c.JiffiesPerSec, "timer wheel buckets / hardclock frequency")
	fs.StringVar(&c.RootMountPath, "root-mount", c.RootMountPath, "path the initial superblock mounts onto")
	fs.IntVar(&c.SchedQuantum, "sched-quantum", c.SchedQuantum, "timer ticks per SCHED_RR quantum")
	// Best-effort: boot tooling that doesn't care about flag errors (e.g.
	// tests invoking Parse with arbitrary args) still gets sane defaults.
	_ = fs.Parse(args)
	return c
}
