package laps

import (
	"math"
	"testing"

	"github.com/apex-data/racecoach/internal/telemetry"
)

func sampleAt(t, pct float64, lap int) telemetry.Sample {
	return telemetry.Sample{
		SessionTime: t,
		Lap:         lap,
		LapDistPct:  pct,
		SpeedKmh:    200,
		TrackName:   "Monza",
		CarName:     "BMW M4 GT3",
	}
}

// lapRamp emits samples sweeping the full lap distance in lapTime seconds,
// starting at session time t0, stepPct apart.
func lapRamp(t0, lapTime float64, lap int, stepPct float64) []telemetry.Sample {
	var out []telemetry.Sample
	steps := int(1.0 / stepPct)
	for i := 0; i < steps; i++ {
		pct := float64(i) / float64(steps)
		out = append(out, sampleAt(t0+pct*lapTime, pct, lap))
	}
	return out
}

func TestWrapDetection(t *testing.T) {
	var completions []int
	m := NewManager(nil, nil, Events{
		LapCompleted: func(rec *LapRecord, pb bool) { completions = append(completions, rec.Lap) },
	})

	pcts := []float64{0.01, 0.50, 0.97, 0.02, 0.05}
	for i, pct := range pcts {
		m.Ingest(sampleAt(float64(i), pct, 3))
		if pct == 0.02 && len(completions) != 1 {
			t.Fatalf("lap completion not fired on 0.97 -> 0.02 transition")
		}
	}
	if len(completions) != 1 {
		t.Fatalf("completions = %d, want exactly 1", len(completions))
	}
	// Lap number is synthesised when the counter does not increment.
	if completions[0] != 3 {
		t.Errorf("completed lap number = %d, want 3", completions[0])
	}
}

func TestLapIncrementWithoutCleanWrap(t *testing.T) {
	done := 0
	m := NewManager(nil, nil, Events{
		LapCompleted: func(rec *LapRecord, pb bool) { done++ },
	})
	m.Ingest(sampleAt(0, 0.90, 5))
	// Sparse feed: the wrap itself was missed but the counter moved.
	m.Ingest(sampleAt(2, 0.10, 6))
	if done != 1 {
		t.Fatalf("lap increment should complete the lap, got %d completions", done)
	}
}

func TestSectorTimesInterpolated(t *testing.T) {
	var sectors []float64
	var rec *LapRecord
	m := NewManager(nil, nil, Events{
		SectorCompleted: func(idx int, sec float64) { sectors = append(sectors, sec) },
		LapCompleted:    func(r *LapRecord, pb bool) { rec = r },
	})

	// 100s lap at constant pace: sector times track the boundary spans.
	for _, s := range lapRamp(0, 100, 1, 0.01) {
		m.Ingest(s)
	}
	m.Ingest(sampleAt(100.5, 0.005, 2))

	if rec == nil {
		t.Fatal("lap never completed")
	}
	if len(rec.SectorTimes) != 3 {
		t.Fatalf("sector count = %d, want 3", len(rec.SectorTimes))
	}
	want := []float64{33, 33, 34}
	for i, w := range want {
		if math.Abs(rec.SectorTimes[i]-w) > 0.6 {
			t.Errorf("sector %d = %.3f, want ~%.0f", i, rec.SectorTimes[i], w)
		}
	}
	if math.Abs(rec.TotalTime-100) > 0.6 {
		t.Errorf("lap time = %.3f, want ~100", rec.TotalTime)
	}
	if !rec.Valid {
		t.Errorf("constant-pace lap marked invalid: %s", rec.Invalidation)
	}
	if len(sectors) != 3 {
		t.Errorf("SectorCompleted fired %d times, want 3", len(sectors))
	}
}

func TestPitEntryInvalidatesLap(t *testing.T) {
	var rec *LapRecord
	m := NewManager(nil, nil, Events{
		LapCompleted: func(r *LapRecord, pb bool) { rec = r },
	})

	for _, s := range lapRamp(0, 100, 1, 0.01) {
		if s.LapDistPct > 0.5 && s.LapDistPct < 0.55 {
			s.OnPitRoad = true
		}
		m.Ingest(s)
	}
	m.Ingest(sampleAt(100.5, 0.005, 2))

	if rec == nil {
		t.Fatal("lap never completed")
	}
	if rec.Valid {
		t.Error("pit entry mid-lap should invalidate the lap")
	}
	if rec.Invalidation != "pit_entry" {
		t.Errorf("invalidation = %q, want pit_entry", rec.Invalidation)
	}
}

func TestPitInFirstTenPercentAllowed(t *testing.T) {
	var rec *LapRecord
	m := NewManager(nil, nil, Events{
		LapCompleted: func(r *LapRecord, pb bool) { rec = r },
	})

	// Pit exit at the start of the lap does not invalidate.
	for _, s := range lapRamp(0, 100, 1, 0.01) {
		if s.LapDistPct < 0.08 {
			s.OnPitRoad = true
		}
		m.Ingest(s)
	}
	m.Ingest(sampleAt(100.5, 0.005, 2))

	if rec == nil || !rec.Valid {
		t.Fatal("pit exit in the first 10% of the lap should not invalidate")
	}
}

func TestOutlierLapExcluded(t *testing.T) {
	var recs []*LapRecord
	m := NewManager(nil, nil, Events{
		LapCompleted: func(r *LapRecord, pb bool) { recs = append(recs, r) },
	})

	t0 := 0.0
	for lap := 1; lap <= 3; lap++ {
		for _, s := range lapRamp(t0, 100, lap, 0.01) {
			m.Ingest(s)
		}
		t0 += 100
	}
	// A lap 1.6x the median is an outlier.
	for _, s := range lapRamp(t0, 160, 4, 0.01) {
		m.Ingest(s)
	}
	m.Ingest(sampleAt(t0+160.5, 0.005, 5))

	if len(recs) != 4 {
		t.Fatalf("completions = %d, want 4", len(recs))
	}
	last := recs[len(recs)-1]
	if !last.Outlier {
		t.Errorf("160s lap after 100s median should be an outlier (time %.1f)", last.TotalTime)
	}
	if !last.Valid {
		t.Error("outlier laps are still valid, only excluded from references")
	}
}

func TestTimestampRegressionResetsSession(t *testing.T) {
	boundary := ""
	done := 0
	m := NewManager(nil, nil, Events{
		SessionBoundary: func(reason string) { boundary = reason },
		LapCompleted:    func(r *LapRecord, pb bool) { done++ },
	})

	m.Ingest(sampleAt(50, 0.40, 2))
	m.Ingest(sampleAt(51, 0.41, 2))
	m.Ingest(sampleAt(1, 0.97, 0)) // sim restarted

	if boundary != "timestamp_regression" {
		t.Fatalf("session boundary = %q, want timestamp_regression", boundary)
	}
	// The wrap straddling the reset must not complete a lap.
	m.Ingest(sampleAt(2, 0.01, 1))
	if done != 1 {
		t.Errorf("completions after reset = %d, want 1 (post-reset wrap only)", done)
	}
	if m.CompletedLaps() != 1 {
		t.Errorf("CompletedLaps = %d after reset, want 1", m.CompletedLaps())
	}
}
