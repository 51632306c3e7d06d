package timer

import "testing"

func TestFiresAfterExactTicks(t *testing.T) {
	w := MkWheel(8)
	fired := 0
	w.Add(3, func() { fired++ })

	for i := 0; i < 2; i++ {
		w.Tick()
		if n := w.Run(); n != 0 {
			t.Fatalf("tick %d: fired %d callbacks early", i, n)
		}
	}
	w.Tick()
	if n := w.Run(); n != 1 {
		t.Fatalf("expected exactly one callback on the 3rd tick, got %d", n)
	}
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	w := MkWheel(4)
	fired := false
	e := w.Add(2, func() { fired = true })
	if !w.Cancel(e) {
		t.Fatal("Cancel should succeed before the entry fires")
	}
	for i := 0; i < 4; i++ {
		w.Tick()
	}
	w.Run()
	if fired {
		t.Fatal("cancelled timer fired anyway")
	}
	if w.Cancel(e) {
		t.Fatal("Cancel twice should report already-disarmed")
	}
}

func TestMultiRevolutionDeadline(t *testing.T) {
	w := MkWheel(4)
	fired := 0
	// 10 ticks on a 4-bucket wheel: bucket (0+10)%4=2, rounds=10/4=2.
	w.Add(10, func() { fired++ })

	for i := 0; i < 9; i++ {
		w.Tick()
		w.Run()
	}
	if fired != 0 {
		t.Fatalf("fired too early: %d", fired)
	}
	w.Tick()
	w.Run()
	if fired != 1 {
		t.Fatalf("fired = %d after 10 ticks, want 1", fired)
	}
}
