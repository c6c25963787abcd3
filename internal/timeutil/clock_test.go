package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	d := clock.Since(past)

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestMockClock_Now(t *testing.T) {
	fixedTime := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(fixedTime)
	now := clock.Now()

	if !now.Equal(fixedTime) {
		t.Errorf("got %v, want %v", now, fixedTime)
	}
}

func TestMockClock_Set(t *testing.T) {
	clock := NewMockClock(time.Time{})
	newTime := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	clock.Set(newTime)

	if !clock.Now().Equal(newTime) {
		t.Errorf("got %v, want %v", clock.Now(), newTime)
	}
}

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.Advance(time.Hour)
	expected := start.Add(time.Hour)

	if !clock.Now().Equal(expected) {
		t.Errorf("got %v, want %v", clock.Now(), expected)
	}
}

func TestMockClock_Since(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(now)
	past := now.Add(-5 * time.Minute)
	d := clock.Since(past)

	if d != 5*time.Minute {
		t.Errorf("got %v, want 5m", d)
	}
}

func TestMockClock_AdvanceCrossesSince(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	mark := clock.Now()

	clock.Advance(30 * time.Second)
	if d := clock.Since(mark); d != 30*time.Second {
		t.Errorf("after first advance: got %v, want 30s", d)
	}

	clock.Advance(90 * time.Second)
	if d := clock.Since(mark); d != 2*time.Minute {
		t.Errorf("after second advance: got %v, want 2m", d)
	}
}

// Cooldown-style usage: components stamp Now and later compare Since against
// a window, exactly how the message queue and idle check consume the clock.
func TestMockClock_WindowExpiry(t *testing.T) {
	clock := NewMockClock(time.Unix(1000, 0))
	const window = 8 * time.Second

	stamp := clock.Now()
	clock.Advance(window - time.Second)
	if clock.Since(stamp) >= window {
		t.Error("window expired early")
	}
	clock.Advance(2 * time.Second)
	if clock.Since(stamp) < window {
		t.Error("window did not expire after advancing past it")
	}
}
