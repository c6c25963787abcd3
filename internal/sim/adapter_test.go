package sim

import (
	"context"
	"testing"
	"time"

	"github.com/apex-data/racecoach/internal/fanout"
	"github.com/apex-data/racecoach/internal/telemetry"
)

func testDescriptor() telemetry.SessionDescriptor {
	return telemetry.SessionDescriptor{
		TrackDisplayName: "Monza",
		CarScreenName:    "BMW M4 GT3",
		SessionKind:      telemetry.SessionPractice,
		StartedAt:        time.Now(),
	}
}

func rampSamples(n int) []telemetry.Sample {
	out := make([]telemetry.Sample, n)
	for i := range out {
		out[i] = telemetry.Sample{
			SessionTime: float64(i) / 60.0,
			LapDistPct:  float64(i%60) / 60.0,
			SpeedKmh:    200,
			TrackName:   "Monza",
			CarName:     "BMW M4 GT3",
		}
	}
	return out
}

func TestReplayConnectorDrainsRecording(t *testing.T) {
	conn := NewReplayConnector(testDescriptor(), rampSamples(3))
	ctx := context.Background()

	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	d, err := conn.PollSession(ctx)
	if err != nil || d == nil {
		t.Fatalf("PollSession = %v, %v; want descriptor", d, err)
	}
	if d2, _ := conn.PollSession(ctx); d2 != nil {
		t.Error("second PollSession should report no new data")
	}

	for i := 0; i < 3; i++ {
		s, err := conn.PollTelemetry(ctx)
		if err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
		if s == nil {
			t.Fatalf("sample %d: nil", i)
		}
	}
	if _, err := conn.PollTelemetry(ctx); err != ErrDisconnected {
		t.Errorf("exhausted replay should return ErrDisconnected, got %v", err)
	}
	if conn.IsConnected() {
		t.Error("connector should be disconnected after exhaustion")
	}
}

func TestAdapterPublishesToBuses(t *testing.T) {
	conn := NewReplayConnector(testDescriptor(), rampSamples(10))
	telemetryBus := fanout.New[telemetry.Sample]("telemetry", 64, fanout.DropOldest)
	sessionBus := fanout.New[telemetry.SessionDescriptor]("session", 8, fanout.NoDrop)
	defer telemetryBus.Close()
	defer sessionBus.Close()

	_, samples := telemetryBus.Subscribe()
	_, sessions := sessionBus.Subscribe()

	a := NewAdapter(conn, AdapterConfig{
		PollInterval:    time.Millisecond,
		SessionInterval: time.Hour, // primed on connect; no periodic poll needed
		BackoffBase:     time.Millisecond,
		BackoffCap:      2 * time.Millisecond,
	}, telemetryBus, sessionBus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case d := <-sessions:
		if d.TrackDisplayName != "Monza" {
			t.Errorf("descriptor track = %q", d.TrackDisplayName)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session descriptor")
	}

	got := 0
	deadline := time.After(2 * time.Second)
	for got < 5 {
		select {
		case <-samples:
			got++
		case <-deadline:
			t.Fatalf("timed out after %d samples", got)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("adapter did not stop on cancel")
	}
}

func TestAdapterDropsInvalidSamples(t *testing.T) {
	samples := rampSamples(4)
	samples[2].Throttle = 2.0 // out of range
	conn := NewReplayConnector(testDescriptor(), samples)

	telemetryBus := fanout.New[telemetry.Sample]("telemetry", 64, fanout.DropOldest)
	sessionBus := fanout.New[telemetry.SessionDescriptor]("session", 8, fanout.NoDrop)
	defer telemetryBus.Close()
	defer sessionBus.Close()
	_, out := telemetryBus.Subscribe()

	a := NewAdapter(conn, AdapterConfig{
		PollInterval:    time.Millisecond,
		SessionInterval: time.Hour,
	}, telemetryBus, sessionBus)

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	defer cancel()

	received := 0
	deadline := time.After(2 * time.Second)
	for received < 3 {
		select {
		case <-out:
			received++
		case <-deadline:
			t.Fatalf("timed out after %d samples", received)
		}
	}
	if got := a.ValidatorStats().DroppedRange.Load(); got != 1 {
		t.Errorf("range drops = %d, want 1", got)
	}
}

func TestBackoffProgression(t *testing.T) {
	if got := nextBackoff(time.Second, 10*time.Second); got != 2*time.Second {
		t.Errorf("nextBackoff(1s) = %v", got)
	}
	if got := nextBackoff(8*time.Second, 10*time.Second); got != 10*time.Second {
		t.Errorf("nextBackoff(8s) should cap at 10s, got %v", got)
	}
	for i := 0; i < 100; i++ {
		j := jitter(4 * time.Second)
		if j < 2*time.Second || j >= 4*time.Second+time.Millisecond {
			t.Fatalf("jitter out of range: %v", j)
		}
	}
}
