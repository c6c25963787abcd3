package laps

import (
	"testing"
	"time"

	"github.com/apex-data/racecoach/internal/refstore"
	"github.com/apex-data/racecoach/internal/telemetry"
	"github.com/apex-data/racecoach/internal/track"
)

func testLayout() *track.Layout {
	return &track.Layout{
		Track: "Monza",
		Segments: []track.Segment{
			{Name: "turn_1", StartPct: 0.10, EndPct: 0.20, Kind: track.KindCorner},
			{Name: "back_straight", StartPct: 0.20, EndPct: 0.60, Kind: track.KindStraight},
		},
	}
}

// cornerLap builds a completed lap with a braking-then-throttle trace through
// turn_1 and the given total time.
func cornerLap(lap int, total float64) *LapRecord {
	var samples []telemetry.Sample
	for i := 0; i < 100; i++ {
		pct := float64(i) / 100
		s := telemetry.Sample{
			SessionTime: pct * total,
			Lap:         lap,
			LapDistPct:  pct,
			SpeedKmh:    220,
			Throttle:    1.0,
			Gear:        5,
		}
		switch {
		case pct >= 0.10 && pct < 0.14:
			s.Brake, s.Throttle = 0.8, 0
			s.SpeedKmh = 160
		case pct >= 0.14 && pct < 0.16:
			s.SpeedKmh = 120 // apex
			s.Throttle = 0.2
			s.SteeringRad = 0.4
			s.Gear = 3
		case pct >= 0.16 && pct < 0.20:
			s.Throttle = 0.9
			s.SpeedKmh = 170
		}
		samples = append(samples, s)
	}
	return &LapRecord{
		Lap:         lap,
		Track:       "Monza",
		Car:         "BMW M4 GT3",
		TotalTime:   total,
		SectorTimes: []float64{total * 0.33, total * 0.33, total * 0.34},
		Valid:       true,
		Samples:     samples,
		CompletedAt: time.Now(),
	}
}

func TestPersonalBestPersistsAcrossSessions(t *testing.T) {
	dir := t.TempDir()
	store := refstore.NewStore(dir)

	rm := NewReferenceManager(store)
	rm.StartSession("Monza", "BMW M4 GT3", testLayout())
	if !rm.Consider(cornerLap(4, 95.2)) {
		t.Fatal("first valid lap should become personal best")
	}

	// A fresh manager over the same store sees the stored best.
	rm2 := NewReferenceManager(store)
	rm2.StartSession("Monza", "BMW M4 GT3", testLayout())
	pb := rm2.Get(RolePersonalBest)
	if pb == nil {
		t.Fatal("personal best not loaded from store")
	}
	if pb.LapTime != 95.2 {
		t.Errorf("loaded lap_time = %f, want 95.2", pb.LapTime)
	}
	if pb.SourceLap != 4 {
		t.Errorf("source lap = %d, want 4", pb.SourceLap)
	}
	// Session-scoped roles do not carry over.
	if rm2.Get(RoleSessionBest) != nil {
		t.Error("session_best should reset with a new session")
	}
}

func TestPersonalBestMonotonic(t *testing.T) {
	rm := NewReferenceManager(nil)
	rm.StartSession("Monza", "BMW M4 GT3", testLayout())

	rm.Consider(cornerLap(1, 95.2))
	if rm.Consider(cornerLap(2, 96.0)) {
		t.Error("slower lap must not replace the personal best")
	}
	if got := rm.Get(RolePersonalBest).LapTime; got != 95.2 {
		t.Errorf("personal best = %f after slower lap, want 95.2", got)
	}
	if !rm.Consider(cornerLap(3, 94.8)) {
		t.Error("faster lap should be promoted")
	}
}

func TestSegmentRefExtraction(t *testing.T) {
	rm := NewReferenceManager(nil)
	rm.StartSession("Monza", "BMW M4 GT3", testLayout())
	rm.Consider(cornerLap(1, 100))

	pb := rm.Get(RolePersonalBest)
	sr, ok := pb.Segments["turn_1"]
	if !ok {
		t.Fatal("turn_1 reference missing")
	}
	if sr.ApexSpeed != 120 {
		t.Errorf("apex speed = %f, want 120", sr.ApexSpeed)
	}
	if sr.BrakePoint < 9.9 || sr.BrakePoint > 10.1 {
		t.Errorf("brake point = %f, want ~10.0 (first brake at 10%% of a 100s lap)", sr.BrakePoint)
	}
	if sr.ThrottlePoint <= sr.BrakePoint {
		t.Errorf("throttle point %f should come after brake point %f", sr.ThrottlePoint, sr.BrakePoint)
	}
	if sr.Gear != 3 {
		t.Errorf("apex gear = %d, want 3", sr.Gear)
	}
	if sr.SteeringPeak != 0.4 {
		t.Errorf("steering peak = %f, want 0.4", sr.SteeringPeak)
	}
	if sr.PeakBrake != 0.8 {
		t.Errorf("peak brake = %f, want 0.8", sr.PeakBrake)
	}
	if sr.PeakThrottle != 0.9 {
		t.Errorf("peak throttle = %f, want 0.9", sr.PeakThrottle)
	}
	// Straights never get a segment reference.
	if _, ok := pb.Segments["back_straight"]; ok {
		t.Error("straight segment should not be referenced")
	}
}

func TestOptimalIsPerSectorMinimum(t *testing.T) {
	rm := NewReferenceManager(nil)
	rm.StartSession("Monza", "BMW M4 GT3", testLayout())

	a := cornerLap(1, 96)
	a.SectorTimes = []float64{31.0, 33.0, 32.0}
	b := cornerLap(2, 96)
	b.SectorTimes = []float64{32.0, 31.5, 32.5}
	rm.Consider(a)
	rm.Consider(b)

	opt := rm.Get(RoleOptimal)
	if opt == nil {
		t.Fatal("optimal reference missing")
	}
	want := []float64{31.0, 31.5, 32.0}
	for i, w := range want {
		if opt.SectorTimes[i] != w {
			t.Errorf("optimal sector %d = %f, want %f", i, opt.SectorTimes[i], w)
		}
	}
	if opt.LapTime != 94.5 {
		t.Errorf("optimal lap time = %f, want 94.5", opt.LapTime)
	}
}
