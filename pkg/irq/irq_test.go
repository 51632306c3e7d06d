package irq

import (
	"testing"

	"github.com/armpi/kernel/pkg/kqueue"
)

func TestAllocFreeRoundtrip(t *testing.T) {
	c := MkController(nil)
	line := c.Alloc()
	if line < 0 || line >= Nirqs {
		t.Fatalf("Alloc returned out-of-range line %d", line)
	}
	c.Free(line)
}

func TestDoubleAllocNeverCollides(t *testing.T) {
	c := MkController(nil)
	seen := make(map[int]bool)
	for i := 0; i < Nirqs; i++ {
		line := c.Alloc()
		if seen[line] {
			t.Fatalf("line %d allocated twice", line)
		}
		seen[line] = true
	}
}

func TestRaiseInvokesHandlerAndKqueue(t *testing.T) {
	kq := kqueue.MkKqueue()
	c := MkController(kq)
	line := c.Alloc()

	kq.Register(kqueue.Ident(line), kqueue.EVFILT_IRQ, kqueue.EV_ADD, nil)

	fired := false
	c.Addinterruptserver(line, func(l int) { fired = true })

	c.Raise(line)
	if !fired {
		t.Fatal("expected handler to run on Raise")
	}

	evs := kq.Wait(nil)
	if len(evs) != 1 || evs[0].Ident != kqueue.Ident(line) {
		t.Fatalf("Wait = %+v, want one EVFILT_IRQ event for line %d", evs, line)
	}
}

func TestMaskSuppressesRaise(t *testing.T) {
	c := MkController(nil)
	line := c.Alloc()
	fired := false
	c.Addinterruptserver(line, func(l int) { fired = true })
	c.Maskinterrupt(line)

	c.Raise(line)
	if fired {
		t.Fatal("expected masked line to suppress the handler")
	}

	c.Unmaskinterrupt(line)
	c.Raise(line)
	if !fired {
		t.Fatal("expected unmasked line to invoke the handler")
	}
}
