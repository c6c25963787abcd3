package coachpipe

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/apex-data/racecoach/internal/coach"
	"github.com/apex-data/racecoach/internal/history"
	"github.com/apex-data/racecoach/internal/laps"
	"github.com/apex-data/racecoach/internal/mistakes"
	"github.com/apex-data/racecoach/internal/msgqueue"
	"github.com/apex-data/racecoach/internal/telemetry"
	"github.com/apex-data/racecoach/internal/timeutil"
)

func testPipeline(t *testing.T, clock timeutil.Clock, rec *history.Recorder) *Pipeline {
	t.Helper()
	return New(Config{
		Refs:    laps.NewReferenceManager(nil),
		Tracker: mistakes.NewTracker(0),
		Queue:   msgqueue.New(clock),
		Engine:  coach.NewEngine(nil, 5),
		History: rec,
		Clock:   clock,
	})
}

func sampleAt(sessionTime float64, lap int, pct float64) telemetry.Sample {
	return telemetry.Sample{
		SessionTime: sessionTime,
		Lap:         lap,
		LapDistPct:  pct,
		SpeedKmh:    180,
		Throttle:    0.8,
		TrackName:   "monza",
		CarName:     "gt3_huracan",
		SessionKind: telemetry.SessionPractice,
	}
}

func TestFirstSampleStartsSession(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	p := testPipeline(t, clock, nil)

	p.onSample(context.Background(), sampleAt(0, 1, 0.0))

	if !p.active {
		t.Fatal("pipeline should be active after first sample")
	}
	if p.desc.TrackDisplayName != "monza" || p.desc.CarScreenName != "gt3_huracan" {
		t.Errorf("synthesized descriptor = %+v", p.desc)
	}
	if p.buffer.Len() != 1 {
		t.Errorf("buffer len = %d, want 1", p.buffer.Len())
	}
}

func TestLapCompletionCounted(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	p := testPipeline(t, clock, nil)
	ctx := context.Background()

	// One full lap at 1% per second, then the wrap onto lap 2.
	for i := 0; i < 100; i++ {
		pct := float64(i) / 100
		p.onSample(ctx, sampleAt(float64(i), 1, pct))
	}
	p.onSample(ctx, sampleAt(100.5, 2, 0.005))

	if p.lapsDone != 1 {
		t.Fatalf("laps done = %d, want 1", p.lapsDone)
	}
	if p.samplesIn != 101 {
		t.Errorf("samples in = %d, want 101", p.samplesIn)
	}
}

func TestSessionChangeResetsState(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	p := testPipeline(t, clock, nil)
	ctx := context.Background()

	p.onDescriptor(ctx, telemetry.SessionDescriptor{
		TrackDisplayName: "monza",
		CarScreenName:    "gt3_huracan",
		SessionKind:      telemetry.SessionPractice,
	})
	if !p.active {
		t.Fatal("session should be active")
	}

	p.offer(&coach.Insight{
		Text:       "Brake later into turn one",
		Category:   coach.CategoryBraking,
		Priority:   5,
		Confidence: 0.9,
		Importance: 0.2,
	})
	if p.cfg.Queue.Len() != 1 {
		t.Fatalf("queue len = %d, want 1", p.cfg.Queue.Len())
	}

	p.onDescriptor(ctx, telemetry.SessionDescriptor{
		TrackDisplayName: "spa",
		CarScreenName:    "gt3_huracan",
		SessionKind:      telemetry.SessionPractice,
	})
	if p.cfg.Queue.Len() != 0 {
		t.Errorf("queue should be drained on session change, len = %d", p.cfg.Queue.Len())
	}
	if p.desc.TrackDisplayName != "spa" {
		t.Errorf("descriptor not updated: %+v", p.desc)
	}
	if got := p.cfg.Tracker.Summary().TotalMistakes; got != 0 {
		t.Errorf("tracker not reset, total mistakes = %d", got)
	}
}

func TestSameDescriptorIsNoBoundary(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	p := testPipeline(t, clock, nil)
	ctx := context.Background()

	desc := telemetry.SessionDescriptor{
		TrackDisplayName: "monza",
		CarScreenName:    "gt3_huracan",
		SessionKind:      telemetry.SessionPractice,
	}
	p.onDescriptor(ctx, desc)
	p.onSample(ctx, sampleAt(0, 1, 0.0))
	p.onSample(ctx, sampleAt(1, 1, 0.01))

	// The periodic session poll repeats the same descriptor; buffered
	// samples must survive it.
	p.onDescriptor(ctx, desc)
	if p.buffer.Len() != 2 {
		t.Errorf("buffer len = %d after repeat descriptor, want 2", p.buffer.Len())
	}
}

func TestIdleTimeoutEndsSession(t *testing.T) {
	db, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer db.Close()
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	rec := history.NewRecorder(db, clock, nil)
	p := testPipeline(t, clock, rec)

	p.onDescriptor(context.Background(), telemetry.SessionDescriptor{
		TrackDisplayName: "monza",
		CarScreenName:    "gt3_huracan",
	})
	if p.sessionID == "" {
		t.Fatal("history session should have been started")
	}

	clock.Advance(30 * time.Second)
	p.checkIdle()
	if !p.active {
		t.Fatal("session ended too early")
	}

	clock.Advance(31 * time.Second)
	p.checkIdle()
	if p.active {
		t.Fatal("session should have ended after the idle timeout")
	}

	sessions, err := rec.Sessions(1)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].EndReason != "idle_timeout" {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestDeltaToBest(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	p := testPipeline(t, clock, nil)
	ctx := context.Background()

	p.onDescriptor(ctx, telemetry.SessionDescriptor{
		TrackDisplayName: "monza",
		CarScreenName:    "gt3_huracan",
	})

	s := sampleAt(31, 1, 0.33)
	s.LapCurrentTime = 31
	if _, ok := p.deltaToBest(&s); ok {
		t.Fatal("no delta expected before a reference lap exists")
	}

	p.cfg.Refs.Consider(&laps.LapRecord{
		Lap:         3,
		Track:       "monza",
		Car:         "gt3_huracan",
		TotalTime:   100,
		SectorTimes: []float64{30, 30, 40},
		Valid:       true,
	})

	// At the first sector boundary the best lap had 30.0 elapsed.
	delta, ok := p.deltaToBest(&s)
	if !ok {
		t.Fatal("delta expected once a personal best exists")
	}
	if math.Abs(delta-1.0) > 1e-9 {
		t.Errorf("delta = %f, want 1.0", delta)
	}

	// Halfway through sector one, interpolated best elapsed is 15.0.
	mid := sampleAt(14, 1, 0.165)
	mid.LapCurrentTime = 14
	delta, ok = p.deltaToBest(&mid)
	if !ok || math.Abs(delta-(-1.0)) > 1e-9 {
		t.Errorf("delta = %f ok=%v, want -1.0", delta, ok)
	}

	// Unreported lap time means no delta.
	unset := sampleAt(5, 1, 0.05)
	unset.LapCurrentTime = -1
	if _, ok := p.deltaToBest(&unset); ok {
		t.Error("no delta expected when the lap time is unreported")
	}
}
