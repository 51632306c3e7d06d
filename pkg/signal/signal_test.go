package signal

import (
	"testing"
	"time"
)

func TestRaiseThenDeliverable(t *testing.T) {
	s := Init()
	if !s.Raise(15) { // SIGTERM
		t.Fatal("Raise(SIGTERM) should succeed under default disposition")
	}
	sig, ok := s.Deliverable()
	if !ok || sig != 15 {
		t.Fatalf("Deliverable = (%d,%v), want (15,true)", sig, ok)
	}
	if _, ok := s.Deliverable(); ok {
		t.Fatal("signal should be cleared after delivery")
	}
}

func TestIgnoredSignalNotRecorded(t *testing.T) {
	s := Init()
	s.Sigaction(28, Action{Handler: SigIgn}) // SIGWINCH
	if s.Raise(28) {
		t.Fatal("Raise of an ignored signal should report failure")
	}
	if _, ok := s.Deliverable(); ok {
		t.Fatal("ignored signal must never become deliverable")
	}
}

func TestMaskBlocksDelivery(t *testing.T) {
	s := Init()
	s.Procmask(SigBlock, sigbit(15))
	s.Raise(15)
	if _, ok := s.Deliverable(); ok {
		t.Fatal("masked signal should not be deliverable")
	}
	s.Procmask(SigUnblock, sigbit(15))
	sig, ok := s.Deliverable()
	if !ok || sig != 15 {
		t.Fatalf("Deliverable after unblock = (%d,%v), want (15,true)", sig, ok)
	}
}

func TestLowestNumberedSignalDeliveredFirst(t *testing.T) {
	s := Init()
	s.Raise(15)
	s.Raise(2)
	sig, ok := s.Deliverable()
	if !ok || sig != 2 {
		t.Fatalf("Deliverable = (%d,%v), want (2,true) (lowest pending first)", sig, ok)
	}
}

func TestExecResetsHandlersExceptIgn(t *testing.T) {
	s := Init()
	s.Sigaction(1, Action{Handler: Handler(0x1000)})
	s.Sigaction(2, Action{Handler: SigIgn})
	s.Exec()
	if s.GetAction(1).Handler != SigDfl {
		t.Fatal("non-SIG_IGN handler should reset to SIG_DFL on exec")
	}
	if s.GetAction(2).Handler != SigIgn {
		t.Fatal("SIG_IGN handler should survive exec")
	}
}

func TestForkFromCopiesDispositionNotPending(t *testing.T) {
	parent := Init()
	parent.Sigaction(9, Action{Handler: Handler(0x2000)})
	parent.Raise(15)

	child := ForkFrom(parent)
	if child.GetAction(9).Handler != Handler(0x2000) {
		t.Fatal("fork should copy disposition")
	}
	if _, ok := child.Deliverable(); ok {
		t.Fatal("fork should not copy pending signals")
	}
}

func TestSigpendingReportsOnlyBlockedAndRaised(t *testing.T) {
	s := Init()
	s.Procmask(SigBlock, sigbit(15))
	s.Raise(15) // blocked: should show up in Sigpending
	s.Raise(2)  // unblocked: pending too, but Sigpending only reports blocked ones
	if got := s.Sigpending(); got != sigbit(15) {
		t.Fatalf("Sigpending = %#x, want only SIGTERM's bit (%#x)", got, sigbit(15))
	}
}

func TestSigsuspendWakesOnRaise(t *testing.T) {
	s := Init()
	done := make(chan int, 1)
	abort := make(chan struct{})
	go func() {
		sig, ok := s.Sigsuspend(0, abort)
		if ok {
			done <- sig
		} else {
			done <- -1
		}
	}()

	time.Sleep(5 * time.Millisecond)
	s.Raise(9) // SIGKILL-numbered slot, but disposition defaults to SIG_DFL here

	select {
	case sig := <-done:
		if sig != 9 {
			t.Fatalf("Sigsuspend delivered %d, want 9", sig)
		}
	case <-time.After(time.Second):
		t.Fatal("Sigsuspend never woke after Raise")
	}
}

func TestSigsuspendAbortsWithoutDelivery(t *testing.T) {
	s := Init()
	abort := make(chan struct{})
	close(abort)
	if _, ok := s.Sigsuspend(0, abort); ok {
		t.Fatal("expected Sigsuspend to report no delivery when aborted")
	}
}

func TestBuildFrameAndSigreturnRoundtrip(t *testing.T) {
	s := Init()
	s.Mask = 0
	saved := Frame{PC: 0x8000, SP: 0x7ffff000}
	oldMask := s.Mask
	s.Mask = sigbit(15)

	f := BuildFrame(saved, Handler(0x9000), 15, oldMask)
	if f.PC != 0x9000 || f.R[0] != 15 {
		t.Fatalf("BuildFrame frame = %+v, want PC=0x9000 R[0]=15", f)
	}

	restored := s.Sigreturn(f)
	if s.Mask != oldMask {
		t.Fatal("Sigreturn should restore the pre-signal mask")
	}
	if restored.SP != saved.SP {
		t.Fatal("Sigreturn should hand back the original saved frame fields")
	}
}
