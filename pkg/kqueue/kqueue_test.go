package kqueue

import (
	"testing"
	"time"
)

func TestAddTriggerWait(t *testing.T) {
	kq := MkKqueue()
	kq.Register(3, EVFILT_READ, EV_ADD, "fd3")

	kq.Trigger(3, EVFILT_READ, 42)

	evs := kq.Wait(nil)
	if len(evs) != 1 || evs[0].Ident != 3 || evs[0].Data != 42 {
		t.Fatalf("Wait = %+v, want one event for ident 3 with data 42", evs)
	}
}

func TestDisableSuppressesTrigger(t *testing.T) {
	kq := MkKqueue()
	kq.Register(5, EVFILT_MSGPORT, EV_ADD, nil)
	kq.Register(5, EVFILT_MSGPORT, EV_DISABLE, nil)

	kq.Trigger(5, EVFILT_MSGPORT, 1)

	abort := make(chan struct{})
	close(abort)
	evs := kq.Wait(abort)
	if evs != nil {
		t.Fatalf("expected no events while disabled, got %+v", evs)
	}
}

func TestOneshotDisarmsAfterFirstEvent(t *testing.T) {
	kq := MkKqueue()
	kq.Register(1, EVFILT_IRQ, EV_ADD|EV_ONESHOT, nil)

	kq.Trigger(1, EVFILT_IRQ, 1)
	evs := kq.Wait(nil)
	if len(evs) != 1 {
		t.Fatalf("first Wait = %+v, want 1 event", evs)
	}

	kq.Trigger(1, EVFILT_IRQ, 1)
	abort := make(chan struct{})
	go func() { time.Sleep(10 * time.Millisecond); close(abort) }()
	evs = kq.Wait(abort)
	if evs != nil {
		t.Fatalf("expected oneshot knote to be gone after first fire, got %+v", evs)
	}
}

func TestDeleteRemovesKnote(t *testing.T) {
	kq := MkKqueue()
	kq.Register(2, EVFILT_VNODE, EV_ADD, nil)
	kq.Register(2, EVFILT_VNODE, EV_DELETE, nil)

	kq.Trigger(2, EVFILT_VNODE, 1)

	abort := make(chan struct{})
	close(abort)
	if evs := kq.Wait(abort); evs != nil {
		t.Fatalf("expected no events after delete, got %+v", evs)
	}
}
