// Package proc ties together address spaces, threads, file descriptors,
// message ports, and signal state into the process/thread model spec §3
// describes, plus the PID/TID allocation and parent/child/wait/reap
// bookkeeping. Grounded on original_source/proc/proc.c (alloc_process,
// do_create_process, sys_fork's copy-on-write address-space duplication,
// sys_exit/sys_waitpid's detach-and-reap sequence) and proc/thread.c
// (fork_thread, do_create_thread, do_exit_thread/do_join_thread); PID
// allocation is grounded on proc/pid.c's "smallest free id" search.
package proc

import (
	"sync"

	"github.com/armpi/kernel/pkg/accnt"
	"github.com/armpi/kernel/pkg/defs"
	"github.com/armpi/kernel/pkg/fd"
	"github.com/armpi/kernel/pkg/kqueue"
	"github.com/armpi/kernel/pkg/limits"
	"github.com/armpi/kernel/pkg/sched"
	"github.com/armpi/kernel/pkg/signal"
	"github.com/armpi/kernel/pkg/vm"
)

// ThreadState enumerates the states do_create_thread/do_exit_thread
// transition a Thread_t through.
type ThreadState int

const (
	ThreadRunnable ThreadState = iota
	ThreadBlocked
	ThreadExited
)

// Thread_t is one schedulable thread within a Process_t: its own
// priority/runqueue bookkeeping and accounting, sharing the parent
// process's address space, fd table, and signal disposition.
type Thread_t struct {
	mu     sync.Mutex
	Tid    defs.Tid_t
	Proc   *Process_t
	Prio   int
	state  ThreadState
	Accnt  accnt.Accnt_t
	exit   chan int64 // buffer 1; ExitThread sends status here and also stores it in status
	status int64
}

func (t *Thread_t) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Table_t is the system-wide PID/TID allocator and live-process index,
// grounded on pid.c's "lowest unused id" allocation discipline (modeled
// here as a monotonic counter plus a free list fed back by Reap, since a
// real PID-reuse race is outside what this simulation needs to model).
type Table_t struct {
	mu       sync.Mutex
	next     defs.Pid_t
	nextTid  defs.Tid_t
	procs    map[defs.Pid_t]*Process_t
	freePids []defs.Pid_t
	Limits   *limits.Syslimit_t
}

// Process_t is one process: its address space, fd table, signal state,
// threads, and parent/child graph position.
type Process_t struct {
	mu       sync.Mutex
	Pid      defs.Pid_t
	Parent   *Process_t
	children map[defs.Pid_t]*Process_t

	As      *vm.AddressSpace_t
	Fds     *fd.Fdtable_t
	Sig     *signal.State
	Kq      *kqueue.Kqueue_t
	Accnt   accnt.Accnt_t
	Limits  *limits.Syslimit_t
	threads map[defs.Tid_t]*Thread_t

	exited   bool
	status   int
	waitCh   chan struct{} // closed when the process exits, for waitpid
	reaped   bool
}

// MkTable allocates an empty process table and records lim as its
// Limits. Create charges the lim it is passed; Fork charges the parent's
// Limits, which the child inherits.
func MkTable(lim *limits.Syslimit_t) *Table_t {
	return &Table_t{next: 1, nextTid: 1, procs: make(map[defs.Pid_t]*Process_t), Limits: lim}
}

func (t *Table_t) allocPid() defs.Pid_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.freePids); n > 0 {
		pid := t.freePids[n-1]
		t.freePids = t.freePids[:n-1]
		return pid
	}
	pid := t.next
	t.next++
	return pid
}

func (t *Table_t) allocTid() defs.Tid_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	tid := t.nextTid
	t.nextTid++
	return tid
}

// Create allocates a fresh, parentless process (the init/boot process),
// matching alloc_process with parent == NULL.
func (t *Table_t) Create(lim *limits.Syslimit_t) (*Process_t, defs.Err_t) {
	if !lim.Sysprocs.Taken(1) {
		return nil, -defs.ENOHEAP
	}
	p := &Process_t{
		Pid:      t.allocPid(),
		As:       vm.Mkas(),
		Fds:      fd.MkFdtable(),
		Sig:      signal.Init(),
		Kq:       kqueue.MkKqueue(),
		Limits:   lim,
		children: make(map[defs.Pid_t]*Process_t),
		threads:  make(map[defs.Tid_t]*Thread_t),
		waitCh:   make(chan struct{}),
	}
	t.mu.Lock()
	t.procs[p.Pid] = p
	t.mu.Unlock()
	return p, 0
}

// Fork duplicates parent into a new child process: the address space is
// copy-on-write duplicated (vm.AddressSpace_t.Fork), the fd table is
// dup'd (Fdtable_t.Fork), and signal disposition is copied but pending
// bits are not (signal.ForkFrom) — sys_fork's contract.
func (t *Table_t) Fork(parent *Process_t) (*Process_t, defs.Err_t) {
	if !parent.Limits.Sysprocs.Taken(1) {
		return nil, -defs.ENOHEAP
	}
	fds, err := parent.Fds.Fork()
	if err != 0 {
		parent.Limits.Sysprocs.Given(1)
		return nil, err
	}
	child := &Process_t{
		Pid:      t.allocPid(),
		Parent:   parent,
		As:       vm.Mkas(),
		Fds:      fds,
		Sig:      signal.ForkFrom(parent.Sig),
		Kq:       kqueue.MkKqueue(),
		Limits:   parent.Limits,
		children: make(map[defs.Pid_t]*Process_t),
		threads:  make(map[defs.Tid_t]*Thread_t),
		waitCh:   make(chan struct{}),
	}
	if err := parent.As.Fork(child.As); err != 0 {
		parent.Limits.Sysprocs.Given(1)
		return nil, err
	}

	parent.mu.Lock()
	parent.children[child.Pid] = child
	parent.mu.Unlock()

	t.mu.Lock()
	t.procs[child.Pid] = child
	t.mu.Unlock()
	return child, 0
}

// NewThread creates thread tid's first (or Nth) schedulable thread in p,
// enqueuing it on runq at prio — do_create_thread generalized off a
// single hardware CPU to the goroutine-backed scheduling model pkg/sched
// provides.
func (p *Process_t) NewThread(runq *sched.Runq_t, tbl *Table_t, prio int) *Thread_t {
	th := &Thread_t{Tid: tbl.allocTid(), Proc: p, Prio: prio, exit: make(chan int64, 1)}
	p.mu.Lock()
	p.threads[th.Tid] = th
	p.mu.Unlock()
	runq.Enqueue(int(th.Tid), prio)
	return th
}

// ExitThread marks th exited with status and removes it from p's thread
// set, matching do_exit_thread. If th was p's last thread, p itself is
// marked exited (matching processes exiting when their last thread
// does) and waiters are released.
func (th *Thread_t) ExitThread(status int64) {
	th.mu.Lock()
	th.state = ThreadExited
	th.status = status
	th.mu.Unlock()
	select {
	case th.exit <- status:
	default:
	}

	p := th.Proc
	p.mu.Lock()
	delete(p.threads, th.Tid)
	last := len(p.threads) == 0
	p.mu.Unlock()
	if last {
		p.Exit(int(status))
	}
}

// JoinThread blocks until th exits and returns its status, do_join_thread.
func (th *Thread_t) JoinThread() int64 {
	return <-th.exit
}

// Exit marks p exited with status and releases anything blocked in Wait.
// It does not reparent p's children: they keep p as Parent and remain in
// p's child set. Idempotent.
func (p *Process_t) Exit(status int) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.status = status
	p.mu.Unlock()
	close(p.waitCh)
}

// WaitOption flags the behavior of Wait, mirroring sys_waitpid's options
// argument.
type WaitOption int

// WNOHANG makes Wait return immediately with -EAGAIN rather than blocking
// if no child has exited yet, matching proc.c's "!found && (options &
// WNOHANG)" check.
const WNOHANG WaitOption = 1

// Wait blocks until one of p's children exits, reaps it (removing it
// from both p's child set and the table), and returns its pid and exit
// status — sys_waitpid's "any child" form. A process with no children
// gets -EINVAL (proc.c's pid==-1 branch: "child == NULL" before the wait
// loop is even entered), not -ECHILD. With WNOHANG set, Wait returns
// -EAGAIN instead of blocking when no child has exited yet.
func (t *Table_t) Wait(p *Process_t, options WaitOption) (defs.Pid_t, int, defs.Err_t) {
	p.mu.Lock()
	if len(p.children) == 0 {
		p.mu.Unlock()
		return 0, 0, -defs.EINVAL
	}
	children := make([]*Process_t, 0, len(p.children))
	for _, c := range p.children {
		children = append(children, c)
	}
	p.mu.Unlock()

	cases := make([]chan struct{}, len(children))
	for i, c := range children {
		cases[i] = c.waitCh
	}

	for {
		for _, c := range children {
			select {
			case <-c.waitCh:
				return t.reap(p, c)
			default:
			}
		}
		if options&WNOHANG != 0 {
			return 0, 0, -defs.EAGAIN
		}
		// No child has exited yet; block on the first one ready.
		selectAny(cases)
	}
}

// selectAny blocks until any of chs is closed. Used only by Wait's
// polling loop above, where the set of children is fixed for the call.
func selectAny(chs []chan struct{}) {
	if len(chs) == 0 {
		return
	}
	done := make(chan struct{}, 1)
	for _, ch := range chs {
		go func(ch chan struct{}) {
			<-ch
			select {
			case done <- struct{}{}:
			default:
			}
		}(ch)
	}
	<-done
}

func (t *Table_t) reap(parent *Process_t, child *Process_t) (defs.Pid_t, int, defs.Err_t) {
	child.mu.Lock()
	if child.reaped {
		child.mu.Unlock()
		return 0, 0, -defs.ECHILD
	}
	child.reaped = true
	status := child.status
	child.mu.Unlock()

	parent.Accnt.Add(&child.Accnt)

	parent.mu.Lock()
	delete(parent.children, child.Pid)
	parent.mu.Unlock()

	t.mu.Lock()
	delete(t.procs, child.Pid)
	t.freePids = append(t.freePids, child.Pid)
	parent.Limits.Sysprocs.Given(1)
	t.mu.Unlock()

	return child.Pid, status, 0
}

// Get looks up a live process by pid.
func (t *Table_t) Get(pid defs.Pid_t) (*Process_t, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	return p, ok
}
