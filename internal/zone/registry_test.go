package zone

import "testing"

func TestRegister_IntoIdle_DoesNotBumpEpoch(t *testing.T) {
	r := NewRegistry()
	r.Register("A", "S-N", []int{1, 2, 3})
	if r.Epoch() != 0 {
		t.Errorf("expected epoch 0 after first register, got %d", r.Epoch())
	}
	snap := r.Snapshot()
	if snap.Active == nil || snap.Active.ZoneName != "A" {
		t.Fatalf("expected active zone A, got %+v", snap.Active)
	}
}

func TestRegister_Replace_BumpsEpoch(t *testing.T) {
	r := NewRegistry()
	r.Register("A", "S-N", []int{1})
	r.Register("B", "N-S", []int{2})
	if r.Epoch() != 1 {
		t.Errorf("expected epoch 1 after replacement, got %d", r.Epoch())
	}
	snap := r.Snapshot()
	if snap.Active.ZoneName != "B" {
		t.Errorf("expected active zone B after replace, got %s", snap.Active.ZoneName)
	}
}

func TestUnregister_Unconditional_ClearsAndBumpsEpoch(t *testing.T) {
	r := NewRegistry()
	r.Register("A", "S-N", []int{1})
	ok, cleared := r.Unregister("", "")
	if !ok || cleared == nil || cleared.ZoneName != "A" {
		t.Fatalf("expected unconditional clear of zone A, got ok=%v cleared=%+v", ok, cleared)
	}
	if r.Epoch() != 1 {
		t.Errorf("expected epoch bump on clear, got %d", r.Epoch())
	}
	if r.Snapshot().Active != nil {
		t.Error("expected idle registry after unregister")
	}
}

func TestUnregister_MismatchedFilter_NoOp(t *testing.T) {
	r := NewRegistry()
	r.Register("A", "S-N", []int{1})
	ok, cleared := r.Unregister("B", "")
	if ok || cleared != nil {
		t.Fatalf("expected no-op on mismatched zone filter, got ok=%v cleared=%+v", ok, cleared)
	}
	if r.Epoch() != 0 {
		t.Errorf("expected epoch unchanged on no-op, got %d", r.Epoch())
	}
}

func TestUnregister_OnIdle_NoOp(t *testing.T) {
	r := NewRegistry()
	ok, cleared := r.Unregister("", "")
	if ok || cleared != nil {
		t.Fatalf("expected no-op on idle registry, got ok=%v cleared=%+v", ok, cleared)
	}
}

func TestPauseAssertion_BumpsEpochAndSetsReason(t *testing.T) {
	r := NewRegistry()
	r.Register("A", "S-N", []int{1})
	r.PauseAssertion("deactivation")
	snap := r.Snapshot()
	if !snap.Paused || snap.PauseReason != "deactivation" {
		t.Fatalf("expected paused=true reason=deactivation, got %+v", snap)
	}
	if snap.Epoch != 1 {
		t.Errorf("expected epoch bump on pause, got %d", snap.Epoch)
	}
}

func TestResumeAssertion_DoesNotBumpEpoch(t *testing.T) {
	r := NewRegistry()
	r.PauseAssertion("deactivation")
	epochAfterPause := r.Epoch()
	r.ResumeAssertion()
	if r.Epoch() != epochAfterPause {
		t.Errorf("expected resume to leave epoch unchanged, got %d vs %d", r.Epoch(), epochAfterPause)
	}
	if r.Snapshot().Paused {
		t.Error("expected paused=false after resume")
	}
}

func TestTouchAssert_OnlyUpdatesMatchingZone(t *testing.T) {
	r := NewRegistry()
	r.Register("A", "S-N", []int{1})
	before := r.Snapshot().Active.LastAssertAt

	if !r.TouchAssert("A", "S-N") {
		t.Fatal("expected TouchAssert to succeed for the currently active zone")
	}
	if r.TouchAssert("B", "N-S") {
		t.Fatal("expected TouchAssert to no-op for a non-active zone")
	}
	after := r.Snapshot().Active.LastAssertAt
	if !after.After(before) && after != before {
		t.Errorf("expected LastAssertAt to advance or stay equal, got before=%v after=%v", before, after)
	}
}

func TestSnapshot_CommandsAreDefensiveCopies(t *testing.T) {
	r := NewRegistry()
	r.Register("A", "S-N", []int{1, 2, 3})
	snap := r.Snapshot()
	snap.Active.Commands[0] = 999

	snap2 := r.Snapshot()
	if snap2.Active.Commands[0] == 999 {
		t.Fatal("mutating a snapshot's Commands slice must not affect the registry")
	}
}
