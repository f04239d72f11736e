package ukdelay

import (
	"testing"
	"time"
)

func TestFirstLimitAppliesImmediately(t *testing.T) {
	d := New(50*time.Millisecond, TriggerAnyChange, nil)
	if got := d.Submit(16); got != 16 {
		t.Errorf("got %v, want 16 on first submission", got)
	}
}

func TestSameLimitNoDelay(t *testing.T) {
	d := New(50*time.Millisecond, TriggerAnyChange, nil)
	d.Submit(16)
	if got := d.Submit(16); got != 16 {
		t.Errorf("got %v, want 16 (no change, no delay)", got)
	}
	if d.Current() != nil {
		t.Error("expected no active countdown for an unchanged limit")
	}
}

func TestAnyChangeTriggersDelay(t *testing.T) {
	d := New(30*time.Millisecond, TriggerAnyChange, nil)
	d.Submit(16)
	got := d.Submit(20)

	if got != 16 {
		t.Errorf("got %v during delay, want previous limit 16", got)
	}
	if d.Current() == nil {
		t.Fatal("expected active countdown")
	}

	time.Sleep(60 * time.Millisecond)
	if d.Current() != nil {
		t.Error("countdown should have cleared after expiry")
	}
}

func TestZeroNonZeroOnlyIgnoresNonZeroChanges(t *testing.T) {
	d := New(30*time.Millisecond, TriggerZeroNonZeroOnly, nil)
	d.Submit(16)
	got := d.Submit(20)
	if got != 20 {
		t.Errorf("got %v, want immediate apply (16->20 is not a zero transition)", got)
	}
}

func TestZeroNonZeroTriggersDelay(t *testing.T) {
	var newLimit float64 = -1
	done := make(chan struct{})
	d := New(20*time.Millisecond, TriggerZeroNonZeroOnly, func(l float64) {
		newLimit = l
		close(done)
	})
	d.Submit(0)
	got := d.Submit(16)
	if got != 0 {
		t.Errorf("got %v during delay, want previous limit 0", got)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onExpire never fired")
	}
	if newLimit != 16 {
		t.Errorf("onExpire got %v, want 16", newLimit)
	}
}

func TestResetCancelsDelay(t *testing.T) {
	fired := false
	d := New(20*time.Millisecond, TriggerAnyChange, func(float64) { fired = true })
	d.Submit(16)
	d.Submit(20)
	d.Reset()

	time.Sleep(40 * time.Millisecond)
	if fired {
		t.Error("onExpire should not fire after Reset")
	}
	if got := d.Submit(5); got != 5 {
		t.Errorf("after Reset, first submission should apply immediately, got %v", got)
	}
}
