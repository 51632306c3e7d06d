// Package fdops defines the interfaces a Filp's concrete object (Vnode,
// SuperBlock, KQueue, pipe, ISRHandler — spec §3's Filp) must implement to
// be reachable through a file descriptor, and the Userio_i abstraction used
// to move bytes between kernel buffers and whichever address space issued
// the syscall (vm.Userbuf_t is its concrete implementation; ufs-style test
// doubles implement it directly over a Go byte slice).
package fdops

import "github.com/armpi/kernel/pkg/defs"

// Userio_i moves bytes to/from a caller-specified memory region — usually
// user virtual memory (vm.Userbuf_t) but occasionally a plain in-kernel
// buffer in tests.
type Userio_i interface {
	Uioread(dst []uint8) (int, defs.Err_t)
	Uiowrite(src []uint8) (int, defs.Err_t)
	Remain() int
	Totalsz() int
}

// Fdops_i is the operation set every Filp payload exposes. Regular files,
// directories, pipes, char/block devices, SuperBlock message ports, and
// KQueues each implement a subset meaningfully and return ENOTSUP/EINVAL
// for operations that don't apply to them (e.g. Lseek on a pipe).
type Fdops_i interface {
	Close() defs.Err_t
	Fstat(st Stat_i) defs.Err_t
	Lseek(off, whence int) (int, defs.Err_t)
	Mmapi(off, len int, inheritable bool) ([]MMapInfo, defs.Err_t)
	Pathi() Inum_i
	Read(dst Userio_i) (int, defs.Err_t)
	Reopen() defs.Err_t
	Write(src Userio_i) (int, defs.Err_t)
	Truncate(newlen uint) defs.Err_t
}

// Stat_i is satisfied by pkg/stat.Stat_t; kept as an interface here so
// fdops does not import pkg/stat (which would create an import cycle with
// pkg/vfs, which implements Fdops_i and already imports pkg/stat).
type Stat_i interface {
	Wdev(uint64)
	Wino(uint64)
	Wmode(uint64)
	Wsize(uint64)
	Wrdev(uint64)
	Wnlink(uint64)
	Wuid(uint64)
	Wgid(uint64)
	Wmtime(int64)
}

// Inum_i identifies the filesystem object backing a Filp, for path-dependent
// operations (fchdir, ioctl TIOCGSID) that need to know "which object".
type Inum_i interface {
	Inum() (sbid uint64, ino uint64)
}

// MMapInfo describes one physical page backing an mmap'd region, returned by
// Mmapi for the VM layer to install.
type MMapInfo struct {
	PA   uintptr
	Kptr []byte
}
