// Package analysis computes per-segment lap metrics and per-corner
// micro-analyses against the reference lap set.
package analysis

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/apex-data/racecoach/internal/laps"
	"github.com/apex-data/racecoach/internal/telemetry"
	"github.com/apex-data/racecoach/internal/timeutil"
	"github.com/apex-data/racecoach/internal/track"
)

// insightCooldown suppresses repeat segment insights per category.
const insightCooldown = 5 * time.Second

// Insight thresholds. Tuned against GT3-class reference traces.
const (
	lowFullThrottleShare = 0.80 // share of straight spent at >95% throttle
	highBrakeStdDev      = 0.15
	highSpeedVariance    = 400 // (km/h)^2 within a single corner
)

// SegmentMetrics is the per-segment aggregate computed at lap completion.
type SegmentMetrics struct {
	Segment           string  `json:"segment"`
	Kind              string  `json:"kind"`
	EntrySpeed        float64 `json:"entry_speed"`
	ExitSpeed         float64 `json:"exit_speed"`
	MeanThrottle      float64 `json:"mean_throttle"`
	MeanBrake         float64 `json:"mean_brake"`
	SteeringPeak      float64 `json:"steering_peak"`
	SpeedVariance     float64 `json:"speed_variance"`
	ThrottleStdDev    float64 `json:"throttle_std_dev"`
	BrakeStdDev       float64 `json:"brake_std_dev"`
	SteeringStdDev    float64 `json:"steering_std_dev"`
	FullThrottleShare float64 `json:"full_throttle_share"`
	Samples           int     `json:"samples"`
}

// SegmentInsight is a qualitative observation derived from segment metrics.
type SegmentInsight struct {
	Segment  string `json:"segment"`
	Category string `json:"category"`
	Text     string `json:"text"`
	Lap      int    `json:"lap"`
}

// SegmentAnalyzer buckets lap samples by track segment and derives aggregate
// metrics plus qualitative insights. Single-threaded by contract.
type SegmentAnalyzer struct {
	layout   *track.Layout
	clock    timeutil.Clock
	lastEmit map[string]time.Time
}

// NewSegmentAnalyzer builds an analyzer over the given layout. A nil layout
// degrades to the single-segment representation.
func NewSegmentAnalyzer(layout *track.Layout, clock timeutil.Clock) *SegmentAnalyzer {
	if layout == nil {
		layout = track.Degenerate("unknown")
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SegmentAnalyzer{
		layout:   layout,
		clock:    clock,
		lastEmit: make(map[string]time.Time),
	}
}

// SetLayout swaps the layout on session change.
func (a *SegmentAnalyzer) SetLayout(layout *track.Layout) {
	if layout != nil {
		a.layout = layout
	}
	a.lastEmit = make(map[string]time.Time)
}

// AnalyzeLap computes per-segment metrics for a completed lap and the
// qualitative insights that survive the per-category cooldown.
func (a *SegmentAnalyzer) AnalyzeLap(rec *laps.LapRecord) ([]SegmentMetrics, []SegmentInsight) {
	var metrics []SegmentMetrics
	var insights []SegmentInsight

	for _, seg := range a.layout.Segments {
		var in []telemetry.Sample
		for _, s := range rec.Samples {
			if seg.Contains(s.LapDistPct) {
				in = append(in, s)
			}
		}
		if len(in) < 2 {
			continue
		}
		m := segmentMetrics(&seg, in)
		metrics = append(metrics, m)
		for _, ins := range a.judge(&seg, &m, rec.Lap) {
			if a.allow(ins.Category) {
				insights = append(insights, ins)
			}
		}
	}
	return metrics, insights
}

func segmentMetrics(seg *track.Segment, in []telemetry.Sample) SegmentMetrics {
	speed := make([]float64, len(in))
	throttle := make([]float64, len(in))
	brake := make([]float64, len(in))
	steering := make([]float64, len(in))
	full := 0
	peak := 0.0
	for i, s := range in {
		speed[i] = s.SpeedKmh
		throttle[i] = s.Throttle
		brake[i] = s.Brake
		steering[i] = s.SteeringRad
		if s.Throttle > 0.95 {
			full++
		}
		if abs := math.Abs(s.SteeringRad); abs > peak {
			peak = abs
		}
	}
	return SegmentMetrics{
		Segment:           seg.Name,
		Kind:              string(seg.Kind),
		EntrySpeed:        in[0].SpeedKmh,
		ExitSpeed:         in[len(in)-1].SpeedKmh,
		MeanThrottle:      stat.Mean(throttle, nil),
		MeanBrake:         stat.Mean(brake, nil),
		SteeringPeak:      peak,
		SpeedVariance:     stat.Variance(speed, nil),
		ThrottleStdDev:    stat.StdDev(throttle, nil),
		BrakeStdDev:       stat.StdDev(brake, nil),
		SteeringStdDev:    stat.StdDev(steering, nil),
		FullThrottleShare: float64(full) / float64(len(in)),
		Samples:           len(in),
	}
}

func (a *SegmentAnalyzer) judge(seg *track.Segment, m *SegmentMetrics, lap int) []SegmentInsight {
	var out []SegmentInsight
	switch seg.Kind {
	case track.KindStraight:
		if m.FullThrottleShare < lowFullThrottleShare {
			out = append(out, SegmentInsight{
				Segment:  seg.Name,
				Category: "throttle",
				Text:     fmt.Sprintf("full throttle share low on %s (%.0f%%)", seg.Name, m.FullThrottleShare*100),
				Lap:      lap,
			})
		}
	case track.KindChicane:
		if m.BrakeStdDev > highBrakeStdDev {
			out = append(out, SegmentInsight{
				Segment:  seg.Name,
				Category: "braking",
				Text:     fmt.Sprintf("brake modulation high in %s", seg.Name),
				Lap:      lap,
			})
		}
	case track.KindCorner:
		if m.SpeedVariance > highSpeedVariance {
			out = append(out, SegmentInsight{
				Segment:  seg.Name,
				Category: "consistency",
				Text:     fmt.Sprintf("speed unstable through %s", seg.Name),
				Lap:      lap,
			})
		}
	}
	return out
}

// allow applies the 5s per-category insight cooldown.
func (a *SegmentAnalyzer) allow(category string) bool {
	now := a.clock.Now()
	if last, ok := a.lastEmit[category]; ok && now.Sub(last) < insightCooldown {
		return false
	}
	a.lastEmit[category] = now
	return true
}
