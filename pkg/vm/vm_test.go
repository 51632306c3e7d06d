package vm

import (
	"testing"

	"github.com/armpi/kernel/pkg/defs"
	"github.com/armpi/kernel/pkg/mem"
)

func setupPhys(t *testing.T) {
	t.Helper()
	mem.Phys_init(256, 0)
}

func TestDemandZeroFault(t *testing.T) {
	setupPhys(t)
	as := Mkas()
	as.Vmadd_anon(0x10000, 0x2000, defs.PROT_READ|defs.PROT_WRITE)

	if err := as.Pgfault(0x10000, false); err != 0 {
		t.Fatalf("Pgfault = %d, want 0", err)
	}
	pte, _, ok := as.Pmap.Lookup(0x10000)
	if !ok {
		t.Fatal("expected mapping after demand-zero fault")
	}
	if !pte.Write() {
		t.Fatal("expected writable mapping for PROT_WRITE region")
	}

	// Faulting outside any region is EFAULT.
	if err := as.Pgfault(0x900000, false); err != defs.Err_t(-defs.EFAULT) {
		t.Fatalf("Pgfault outside region = %d, want -EFAULT", err)
	}
}

func TestForkCOWThenWrite(t *testing.T) {
	setupPhys(t)
	parent := Mkas()
	parent.Vmadd_anon(0x20000, mem.PGSIZE, defs.PROT_READ|defs.PROT_WRITE)

	if err := parent.Pgfault(0x20000, true); err != 0 {
		t.Fatalf("initial fault: %d", err)
	}
	pte, _, _ := parent.Pmap.Lookup(0x20000)
	origPage := pte.Page()

	child := Mkas()
	if err := parent.Fork(child); err != 0 {
		t.Fatalf("Fork: %d", err)
	}

	ppte, pmeta, ok := parent.Pmap.Lookup(0x20000)
	if !ok || ppte.Write() || !pmeta.COW {
		t.Fatal("expected parent mapping to become read-only COW after fork")
	}
	cpte, cmeta, ok := child.Pmap.Lookup(0x20000)
	if !ok || cpte.Write() || !cmeta.COW || cpte.Page() != origPage {
		t.Fatal("expected child to share the parent's page, read-only COW")
	}
	if mem.Phys.Refcnt(origPage) != 2 {
		t.Fatalf("refcnt = %d, want 2 after fork", mem.Phys.Refcnt(origPage))
	}

	// Child writes: should copy, not mutate the parent's page.
	if err := child.Pgfault(0x20000, true); err != 0 {
		t.Fatalf("child write fault: %d", err)
	}
	cpte2, _, _ := child.Pmap.Lookup(0x20000)
	if cpte2.Page() == origPage {
		t.Fatal("expected child write fault to copy onto a new page")
	}
	if mem.Phys.Refcnt(origPage) != 1 {
		t.Fatalf("parent's page refcnt = %d, want 1 after child COW-copies", mem.Phys.Refcnt(origPage))
	}

	// Parent can still write in place since it is now sole owner.
	if err := parent.Pgfault(0x20000, true); err != 0 {
		t.Fatalf("parent write fault: %d", err)
	}
	ppte2, pmeta2, _ := parent.Pmap.Lookup(0x20000)
	if ppte2.Page() != origPage || !ppte2.Write() || pmeta2.COW {
		t.Fatal("expected parent to resolve COW in place as sole owner")
	}
}

func TestK2userUser2kRoundtrip(t *testing.T) {
	setupPhys(t)
	as := Mkas()
	as.Vmadd_anon(0x30000, 3*mem.PGSIZE, defs.PROT_READ|defs.PROT_WRITE)

	msg := []byte("hello from the kernel, spanning more than one page ")
	for len(msg) < mem.PGSIZE+16 {
		msg = append(msg, msg...)
	}
	if err := as.K2user(msg, 0x30000+mem.PGSIZE-8); err != 0 {
		t.Fatalf("K2user: %d", err)
	}
	out := make([]byte, len(msg))
	if err := as.User2k(out, 0x30000+mem.PGSIZE-8); err != 0 {
		t.Fatalf("User2k: %d", err)
	}
	for i := range msg {
		if msg[i] != out[i] {
			t.Fatalf("byte %d mismatch: wrote %d got %d", i, msg[i], out[i])
		}
	}
}

func TestMprotectUpdatesExistingMapping(t *testing.T) {
	setupPhys(t)
	as := Mkas()
	as.Vmadd_anon(0x50000, mem.PGSIZE, defs.PROT_READ|defs.PROT_WRITE)
	if err := as.Pgfault(0x50000, true); err != 0 {
		t.Fatalf("initial fault: %d", err)
	}

	if err := as.Mprotect(0x50000, mem.PGSIZE, defs.PROT_READ); err != 0 {
		t.Fatalf("Mprotect: %d", err)
	}
	pte, _, ok := as.Pmap.Lookup(0x50000)
	if !ok || pte.Write() {
		t.Fatal("expected Mprotect to clear the write bit on an already-mapped page")
	}
}

func TestMprotectOnUnmatchedRangeIsNotSupported(t *testing.T) {
	setupPhys(t)
	as := Mkas()
	as.Vmadd_anon(0x60000, 2*mem.PGSIZE, defs.PROT_READ|defs.PROT_WRITE)

	if err := as.Mprotect(0x60000, mem.PGSIZE, defs.PROT_READ); err != -defs.ENOTSUP {
		t.Fatalf("Mprotect over a sub-range = %d, want -ENOTSUP", err)
	}
}

func TestUserbufUioreadUiowrite(t *testing.T) {
	setupPhys(t)
	as := Mkas()
	as.Vmadd_anon(0x40000, mem.PGSIZE, defs.PROT_READ|defs.PROT_WRITE)

	payload := []byte("circbuf-bound payload")
	var wb Userbuf_t
	wb.Ub_init(as, 0x40000, len(payload))
	n, err := wb.Uiowrite(payload)
	if err != 0 || n != len(payload) {
		t.Fatalf("Uiowrite = (%d,%d), want (%d,0)", n, err, len(payload))
	}
	if wb.Remain() != 0 {
		t.Fatalf("Remain = %d, want 0", wb.Remain())
	}

	var rb Userbuf_t
	rb.Ub_init(as, 0x40000, len(payload))
	got := make([]byte, len(payload))
	n, err = rb.Uioread(got)
	if err != 0 || n != len(payload) {
		t.Fatalf("Uioread = (%d,%d), want (%d,0)", n, err, len(payload))
	}
	if string(got) != string(payload) {
		t.Fatalf("Uioread got %q, want %q", got, payload)
	}
}
