package clock_test

import (
	"testing"
	"time"

	"pkt.systems/cqlwire/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestRealTimerFires(t *testing.T) {
	t.Parallel()

	timer := clock.Real{}.NewTimer(5 * time.Millisecond)
	select {
	case <-timer.C():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timer did not fire within timeout")
	}
	if timer.Stop() {
		t.Fatal("Stop after firing reported true")
	}
}

func TestManualTimerFiresOnAdvance(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(1000, 0))
	timer := m.NewTimer(time.Second)

	select {
	case <-timer.C():
		t.Fatal("timer fired before Advance")
	default:
	}

	m.Advance(999 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("timer fired before its deadline")
	default:
	}

	now := m.Advance(time.Millisecond)
	select {
	case at := <-timer.C():
		if !at.Equal(now) {
			t.Fatalf("fired at %v, want %v", at, now)
		}
	default:
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestManualTimerStop(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(1000, 0))
	timer := m.NewTimer(time.Second)
	if !timer.Stop() {
		t.Fatal("Stop before firing reported false")
	}
	if m.Pending() != 0 {
		t.Fatalf("Pending = %d after Stop, want 0", m.Pending())
	}
	m.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
	if timer.Stop() {
		t.Fatal("second Stop reported true")
	}
}

func TestManualZeroDurationFiresImmediately(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(1000, 0))
	timer := m.NewTimer(0)
	select {
	case <-timer.C():
	default:
		t.Fatal("zero-duration timer did not fire immediately")
	}
}

func TestManualAfterSharesTimerSemantics(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(1000, 0))
	ch := m.After(time.Minute)
	m.Advance(59 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired early")
	default:
	}
	m.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire at the deadline")
	}
}

func TestManualAdvanceFiresMultipleDueTimers(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(1000, 0))
	first := m.NewTimer(time.Second)
	second := m.NewTimer(2 * time.Second)
	third := m.NewTimer(time.Hour)

	m.Advance(5 * time.Second)
	for i, timer := range []clock.Timer{first, second} {
		select {
		case <-timer.C():
		default:
			t.Fatalf("timer %d did not fire", i)
		}
	}
	select {
	case <-third.C():
		t.Fatal("distant timer fired early")
	default:
	}
	if m.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", m.Pending())
	}
}
