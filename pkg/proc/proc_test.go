package proc

import (
	"testing"

	"github.com/armpi/kernel/pkg/defs"
	"github.com/armpi/kernel/pkg/limits"
	"github.com/armpi/kernel/pkg/mem"
	"github.com/armpi/kernel/pkg/sched"
)

func setupPhys(t *testing.T) {
	t.Helper()
	mem.Phys_init(256, 0)
}

func TestCreateAssignsDistinctPids(t *testing.T) {
	setupPhys(t)
	lim := limits.MkSysLimit()
	tbl := MkTable(lim)

	a, err := tbl.Create(lim)
	if err != 0 {
		t.Fatalf("Create: %d", err)
	}
	b, err := tbl.Create(lim)
	if err != 0 {
		t.Fatalf("Create: %d", err)
	}
	if a.Pid == b.Pid {
		t.Fatalf("expected distinct pids, got %d and %d", a.Pid, b.Pid)
	}
}

func TestForkCopiesFdsAndAddressSpace(t *testing.T) {
	setupPhys(t)
	lim := limits.MkSysLimit()
	tbl := MkTable(lim)

	parent, _ := tbl.Create(lim)
	parent.As.Vmadd_anon(0x1000, mem.PGSIZE, 0)
	if err := parent.As.Pgfault(0x1000, false); err != 0 {
		t.Fatalf("demand-zero fault: %d", err)
	}

	child, err := tbl.Fork(parent)
	if err != 0 {
		t.Fatalf("Fork: %d", err)
	}
	if child.Parent != parent {
		t.Fatal("expected child.Parent == parent")
	}
	if _, ok := parent.children[child.Pid]; !ok {
		t.Fatal("expected parent to record the child")
	}

	pte, _, ok := child.As.Pmap.Lookup(0x1000)
	if !ok || !pte.Valid() {
		t.Fatal("expected the forked child to inherit the mapping")
	}
}

func TestExitAndWaitReapsChild(t *testing.T) {
	setupPhys(t)
	lim := limits.MkSysLimit()
	tbl := MkTable(lim)

	parent, _ := tbl.Create(lim)
	child, _ := tbl.Fork(parent)

	go func() {
		child.Exit(7)
	}()

	pid, status, err := tbl.Wait(parent, 0)
	if err != 0 {
		t.Fatalf("Wait: %d", err)
	}
	if pid != child.Pid || status != 7 {
		t.Fatalf("Wait = (%d,%d), want (%d,7)", pid, status, child.Pid)
	}
	if _, ok := tbl.Get(child.Pid); ok {
		t.Fatal("expected reaped child to be removed from the table")
	}
	if _, ok := parent.children[child.Pid]; ok {
		t.Fatal("expected reaped child to be removed from parent.children")
	}
}

func TestWaitWithNoChildrenIsEinval(t *testing.T) {
	setupPhys(t)
	lim := limits.MkSysLimit()
	tbl := MkTable(lim)
	p, _ := tbl.Create(lim)

	if _, _, err := tbl.Wait(p, 0); err != -defs.EINVAL {
		t.Fatalf("Wait on childless process = %d, want -EINVAL", err)
	}
}

func TestWaitWnohangReturnsEagainWithoutBlocking(t *testing.T) {
	setupPhys(t)
	lim := limits.MkSysLimit()
	tbl := MkTable(lim)
	parent, _ := tbl.Create(lim)
	tbl.Fork(parent)

	if _, _, err := tbl.Wait(parent, WNOHANG); err != -defs.EAGAIN {
		t.Fatalf("Wait(WNOHANG) with no exited child = %d, want -EAGAIN", err)
	}
}

func TestThreadExitReleasesJoiner(t *testing.T) {
	setupPhys(t)
	lim := limits.MkSysLimit()
	tbl := MkTable(lim)
	p, _ := tbl.Create(lim)
	runq := sched.MkRunq()

	th := p.NewThread(runq, tbl, 5)
	done := make(chan int64, 1)
	go func() { done <- th.JoinThread() }()

	th.ExitThread(42)
	if got := <-done; got != 42 {
		t.Fatalf("JoinThread = %d, want 42", got)
	}
}

func TestLastThreadExitingExitsProcess(t *testing.T) {
	setupPhys(t)
	lim := limits.MkSysLimit()
	tbl := MkTable(lim)
	p, _ := tbl.Create(lim)
	runq := sched.MkRunq()

	th := p.NewThread(runq, tbl, 5)
	th.ExitThread(3)

	select {
	case <-p.waitCh:
	default:
		t.Fatal("expected process to be marked exited once its last thread exits")
	}
	if p.status != 3 {
		t.Fatalf("p.status = %d, want 3", p.status)
	}
}
