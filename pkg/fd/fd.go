// Package fd implements the per-process file descriptor table: the Fd_t
// handle a syscall dereferences to reach a Filp's Fdops_i, and the Cwd_t
// each process/thread group carries (current directory vnode + root vnode
// for chroot). Grounded on biscuit/src/fd/fd.go, adapted onto the new
// pkg/fdops interfaces.
package fd

import (
	"sync"

	"github.com/armpi/kernel/pkg/defs"
	"github.com/armpi/kernel/pkg/fdops"
)

// Fd_t is one entry of a process's file descriptor table.
type Fd_t struct {
	Fops     fdops.Fdops_i
	Perms    int // O_RDONLY/O_WRONLY/O_RDWR the descriptor was opened with
	Closeonexec bool
}

// Close releases one reference to the underlying Filp, invoking the
// close-on-last-reference semantics through Fdops_i.Close.
func (fd *Fd_t) Close() defs.Err_t {
	return fd.Fops.Close()
}

// Cwd_t is the directory-relative state shared by every thread in a
// process: current working directory and (for chroot) an alternate root.
// Both are held as vnode-shaped Fdops_i so fd does not import pkg/vfs.
type Cwd_t struct {
	sync.Mutex
	Fd   Fd_t       // cwd as a Filp, so Fstat/Pathi work uniformly
	Root fdops.Fdops_i
}

// Copyfd duplicates an Fd_t for dup/dup2/fork, bumping the underlying
// Filp's reference count via Reopen.
func Copyfd(fd *Fd_t) (*Fd_t, defs.Err_t) {
	if err := fd.Fops.Reopen(); err != 0 {
		return nil, err
	}
	nfd := &Fd_t{Fops: fd.Fops, Perms: fd.Perms}
	return nfd, 0
}

// Close_panic closes fd, panicking on failure; used on paths where a close
// error indicates a kernel invariant violation (e.g. closing the console
// device at process teardown) rather than a recoverable user error.
func Close_panic(fd *Fd_t) {
	if err := fd.Close(); err != 0 {
		panic("close failed")
	}
}

// Fdtable_t is a process's open file descriptor table, indexed by the
// small integer a syscall receives from userspace.
type Fdtable_t struct {
	sync.Mutex
	Fds    map[int]*Fd_t
	nextfd int
}

// MkFdtable allocates an empty descriptor table.
func MkFdtable() *Fdtable_t {
	return &Fdtable_t{Fds: make(map[int]*Fd_t)}
}

// Add installs fd at the lowest unused descriptor number and returns it.
func (ft *Fdtable_t) Add(fd *Fd_t) int {
	ft.Lock()
	defer ft.Unlock()
	for n := 0; ; n++ {
		if _, ok := ft.Fds[n]; !ok {
			ft.Fds[n] = fd
			return n
		}
	}
}

// Get returns the Fd_t installed at n, or nil if n is not open.
func (ft *Fdtable_t) Get(n int) *Fd_t {
	ft.Lock()
	defer ft.Unlock()
	return ft.Fds[n]
}

// Del removes and returns the Fd_t at n, or nil if n was not open.
func (ft *Fdtable_t) Del(n int) *Fd_t {
	ft.Lock()
	defer ft.Unlock()
	fd := ft.Fds[n]
	delete(ft.Fds, n)
	return fd
}

// Fork duplicates every entry of ft into a fresh table for a forked child,
// bumping each underlying Filp's reference count.
func (ft *Fdtable_t) Fork() (*Fdtable_t, defs.Err_t) {
	ft.Lock()
	defer ft.Unlock()
	nt := MkFdtable()
	nt.nextfd = ft.nextfd
	for n, f := range ft.Fds {
		nf, err := Copyfd(f)
		if err != 0 {
			return nil, err
		}
		nf.Closeonexec = f.Closeonexec
		nt.Fds[n] = nf
	}
	return nt, 0
}
