package analysis

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/apex-data/racecoach/internal/laps"
	"github.com/apex-data/racecoach/internal/telemetry"
	"github.com/apex-data/racecoach/internal/track"
)

// Pattern names a classified driving pattern. Most are mistakes;
// trail_braking is reported as positive technique.
type Pattern string

const (
	PatternLateApex             Pattern = "late_apex"
	PatternEarlyApex            Pattern = "early_apex"
	PatternOffThrottleOversteer Pattern = "off_throttle_oversteer"
	PatternUndersteer           Pattern = "understeer"
	PatternTrailBraking         Pattern = "trail_braking"
	PatternEarlyThrottle        Pattern = "early_throttle"
	PatternLateThrottle         Pattern = "late_throttle"
	PatternInconsistentInputs   Pattern = "inconsistent_inputs"
)

// Priority buckets a MicroAnalysis by estimated cost.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Classification thresholds.
const (
	brakeOnPct    = 0.05
	throttleOnPct = 0.50

	lateApexFraction  = 0.55
	earlyApexFraction = 0.45

	earlyThrottleFraction = 0.55
	lateThrottleFraction  = 0.65
	lateThrottleMaxPct    = 0.30

	trailBrakePct        = 0.10
	trailSteerShare      = 0.20
	trailMinDurationS    = 0.3
	oversteerYawProxy    = 0.0030 // |lat_accel| / speed^2, speed in m/s
	oversteerMaxThrottle = 0.10
	understeerSteerShare = 0.90
	understeerGainShare  = 0.50

	safetySpeedDelta = 10 // km/h at apex

	// Time-loss weights. Apex carries double weight.
	wBrakeTiming    = 0.1
	wThrottleTiming = 0.1
	wEntrySpeed     = 0.01
	wApexSpeed      = 0.02
	wExitSpeed      = 0.01
)

// Priority thresholds in seconds of estimated loss.
const (
	criticalLoss = 0.4
	highLoss     = 0.2
	mediumLoss   = 0.1
)

// MicroAnalysis is the per-corner comparison against the reference lap.
type MicroAnalysis struct {
	Corner string  `json:"corner"`
	Lap    int     `json:"lap"`
	Time   float64 `json:"time"` // session time at corner exit

	// Timing deltas in seconds, positive = later than reference.
	BrakeTimingDelta    float64 `json:"brake_timing_delta"`
	ThrottleTimingDelta float64 `json:"throttle_timing_delta"`

	// Speed deltas in km/h, positive = faster than reference.
	EntrySpeedDelta float64 `json:"entry_speed_delta"`
	ApexSpeedDelta  float64 `json:"apex_speed_delta"`
	ExitSpeedDelta  float64 `json:"exit_speed_delta"`

	// Input deltas, driver minus reference.
	PeakBrakeDelta    float64 `json:"peak_brake_delta"`
	PeakThrottleDelta float64 `json:"peak_throttle_delta"`
	PeakSteeringDelta float64 `json:"peak_steering_delta"`

	EntrySpeed float64 `json:"entry_speed"`
	ApexSpeed  float64 `json:"apex_speed"`
	ExitSpeed  float64 `json:"exit_speed"`
	Gear       int     `json:"gear"`

	// TimeLoss is the summed estimate; TimeLossBreakdown attributes it to
	// the contributing factor, in seconds per factor.
	TimeLoss          float64            `json:"time_loss"`
	TimeLossBreakdown map[string]float64 `json:"time_loss_breakdown,omitempty"`

	Patterns   []Pattern `json:"patterns"`
	Priority   Priority  `json:"priority"`
	Confidence float64   `json:"confidence"`
	HasRef     bool      `json:"has_reference"`
}

// MicroAnalyzer consumes the sample stream, detects corner entry and exit
// from the track layout, and emits one MicroAnalysis per corner traversal.
// Single-threaded by contract; never blocks on I/O.
type MicroAnalyzer struct {
	layout *track.Layout
	refs   *laps.ReferenceManager

	// inconsistencyBound is the summed input standard deviation above which
	// inconsistent_inputs fires.
	inconsistencyBound float64

	cur      *track.Segment
	buf      []telemetry.Sample
	lapStart float64
	lapKnown bool
	prevPct  float64
	havePrev bool
	lap      int
}

// NewMicroAnalyzer builds an analyzer over the layout and reference set.
func NewMicroAnalyzer(layout *track.Layout, refs *laps.ReferenceManager) *MicroAnalyzer {
	if layout == nil {
		layout = track.Degenerate("unknown")
	}
	return &MicroAnalyzer{
		layout:             layout,
		refs:               refs,
		inconsistencyBound: 0.45,
	}
}

// SetLayout swaps the layout and drops the in-progress corner.
func (ma *MicroAnalyzer) SetLayout(layout *track.Layout) {
	if layout != nil {
		ma.layout = layout
	}
	ma.Reset()
}

// Reset drops corner and lap tracking state. Called on session change.
func (ma *MicroAnalyzer) Reset() {
	ma.cur = nil
	ma.buf = nil
	ma.lapKnown = false
	ma.havePrev = false
}

// Ingest feeds one sample; returns a MicroAnalysis on corner exit, else nil.
func (ma *MicroAnalyzer) Ingest(s telemetry.Sample) *MicroAnalysis {
	// Track lap start so brake/throttle points are lap-relative like the
	// reference timings.
	if !ma.lapKnown {
		ma.lapStart = s.SessionTime
		ma.lapKnown = true
	} else if ma.havePrev && ma.prevPct >= 0.95 && s.LapDistPct <= 0.05 {
		ma.lapStart = s.SessionTime
	}
	ma.prevPct = s.LapDistPct
	ma.havePrev = true
	ma.lap = s.Lap

	seg := ma.cornerAt(s.LapDistPct)
	var out *MicroAnalysis

	switch {
	case ma.cur == nil && seg != nil:
		ma.cur = seg
		ma.buf = ma.buf[:0]
		ma.buf = append(ma.buf, s)
	case ma.cur != nil && (seg == nil || seg.Name != ma.cur.Name):
		out = ma.analyze()
		ma.cur = seg
		ma.buf = ma.buf[:0]
		if seg != nil {
			ma.buf = append(ma.buf, s)
		}
	case ma.cur != nil:
		ma.buf = append(ma.buf, s)
	}
	return out
}

// cornerAt returns the corner or chicane segment containing pct, nil for
// straights and gaps.
func (ma *MicroAnalyzer) cornerAt(pct float64) *track.Segment {
	seg := ma.layout.SegmentAt(pct)
	if seg == nil || seg.Kind == track.KindStraight {
		return nil
	}
	return seg
}

func (ma *MicroAnalyzer) analyze() *MicroAnalysis {
	if len(ma.buf) < 3 {
		return nil
	}
	in := ma.buf
	seg := ma.cur

	apexIdx := 0
	minSpeed := math.Inf(1)
	steerPeak, brakePeak, throttlePeak := 0.0, 0.0, 0.0
	for i, s := range in {
		if s.SpeedKmh < minSpeed {
			minSpeed = s.SpeedKmh
			apexIdx = i
		}
		if abs := math.Abs(s.SteeringRad); abs > steerPeak {
			steerPeak = abs
		}
		if s.Brake > brakePeak {
			brakePeak = s.Brake
		}
		if s.Throttle > throttlePeak {
			throttlePeak = s.Throttle
		}
	}

	m := &MicroAnalysis{
		Corner:     seg.Name,
		Lap:        ma.lap,
		Time:       in[len(in)-1].SessionTime,
		EntrySpeed: in[0].SpeedKmh,
		ApexSpeed:  in[apexIdx].SpeedKmh,
		ExitSpeed:  in[len(in)-1].SpeedKmh,
		Gear:       in[apexIdx].Gear,
	}

	brakePoint, throttlePoint := -1.0, -1.0
	for _, s := range in {
		if s.Brake >= brakeOnPct {
			brakePoint = s.SessionTime - ma.lapStart
			break
		}
	}
	for _, s := range in[apexIdx:] {
		if s.Throttle >= throttleOnPct {
			throttlePoint = s.SessionTime - ma.lapStart
			break
		}
	}

	if ref := ma.reference(seg.Name); ref != nil {
		m.HasRef = true
		if brakePoint >= 0 && ref.BrakePoint >= 0 {
			m.BrakeTimingDelta = brakePoint - ref.BrakePoint
		}
		if throttlePoint >= 0 && ref.ThrottlePoint >= 0 {
			m.ThrottleTimingDelta = throttlePoint - ref.ThrottlePoint
		}
		m.EntrySpeedDelta = m.EntrySpeed - ref.EntrySpeed
		m.ApexSpeedDelta = m.ApexSpeed - ref.ApexSpeed
		m.ExitSpeedDelta = m.ExitSpeed - ref.ExitSpeed
		m.PeakBrakeDelta = brakePeak - ref.PeakBrake
		m.PeakThrottleDelta = throttlePeak - ref.PeakThrottle
		m.PeakSteeringDelta = steerPeak - ref.SteeringPeak

		m.TimeLossBreakdown = map[string]float64{
			"brake_timing":    wBrakeTiming * math.Abs(m.BrakeTimingDelta),
			"throttle_timing": wThrottleTiming * math.Abs(m.ThrottleTimingDelta),
			"entry_speed":     wEntrySpeed * math.Abs(m.EntrySpeedDelta),
			"apex_speed":      wApexSpeed * math.Abs(m.ApexSpeedDelta),
			"exit_speed":      wExitSpeed * math.Abs(m.ExitSpeedDelta),
		}
		for _, loss := range m.TimeLossBreakdown {
			m.TimeLoss += loss
		}
	}

	ma.classify(m, in, apexIdx, steerPeak, seg)
	m.Priority = priorityFor(m)
	m.Confidence = confidenceFor(m, len(in))
	return m
}

func (ma *MicroAnalyzer) reference(corner string) *laps.SegmentRef {
	if ma.refs == nil {
		return nil
	}
	ref := ma.refs.Get(laps.RolePersonalBest)
	if ref == nil {
		return nil
	}
	sr, ok := ref.Segments[corner]
	if !ok {
		return nil
	}
	return &sr
}

func (ma *MicroAnalyzer) classify(m *MicroAnalysis, in []telemetry.Sample, apexIdx int, steerPeak float64, seg *track.Segment) {
	apexFrac := seg.Fraction(in[apexIdx].LapDistPct)
	if apexFrac > lateApexFraction {
		m.Patterns = append(m.Patterns, PatternLateApex)
	} else if apexFrac < earlyApexFraction {
		m.Patterns = append(m.Patterns, PatternEarlyApex)
	}

	// Throttle application relative to segment position.
	for _, s := range in {
		if s.Throttle > throttleOnPct && seg.Fraction(s.LapDistPct) < earlyThrottleFraction {
			m.Patterns = append(m.Patterns, PatternEarlyThrottle)
			break
		}
	}
	lateMax := 0.0
	seenLate := false
	for _, s := range in {
		if seg.Fraction(s.LapDistPct) > lateThrottleFraction {
			seenLate = true
			if s.Throttle > lateMax {
				lateMax = s.Throttle
			}
		}
	}
	if seenLate && lateMax < lateThrottleMaxPct {
		m.Patterns = append(m.Patterns, PatternLateThrottle)
	}

	if trailBrakeDuration(in, steerPeak) >= trailMinDurationS {
		m.Patterns = append(m.Patterns, PatternTrailBraking)
	}

	for _, s := range in {
		mps := s.SpeedKmh / 3.6
		if mps <= 1 {
			continue
		}
		if s.Throttle < oversteerMaxThrottle && math.Abs(s.LatAccel)/(mps*mps) > oversteerYawProxy {
			m.Patterns = append(m.Patterns, PatternOffThrottleOversteer)
			break
		}
	}

	if understeerDetected(in, steerPeak) {
		m.Patterns = append(m.Patterns, PatternUndersteer)
	}

	if inputStdDevSum(in) > ma.inconsistencyBound {
		m.Patterns = append(m.Patterns, PatternInconsistentInputs)
	}
}

// trailBrakeDuration measures the longest stretch with brake and significant
// steering applied together.
func trailBrakeDuration(in []telemetry.Sample, steerPeak float64) float64 {
	if steerPeak <= 0 {
		return 0
	}
	longest, start := 0.0, -1.0
	for _, s := range in {
		active := s.Brake > trailBrakePct && math.Abs(s.SteeringRad) > trailSteerShare*steerPeak
		if active {
			if start < 0 {
				start = s.SessionTime
			}
			if d := s.SessionTime - start; d > longest {
				longest = d
			}
		} else {
			start = -1
		}
	}
	return longest
}

// understeerDetected checks for steering near its peak while the lateral
// response per unit steering sits well below the segment median.
func understeerDetected(in []telemetry.Sample, steerPeak float64) bool {
	if steerPeak <= 0 {
		return false
	}
	var gains []float64
	for _, s := range in {
		if abs := math.Abs(s.SteeringRad); abs > 0.01 {
			gains = append(gains, math.Abs(s.LatAccel)/abs)
		}
	}
	if len(gains) < 3 {
		return false
	}
	sorted := append([]float64(nil), gains...)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	if median <= 0 {
		return false
	}
	for _, s := range in {
		abs := math.Abs(s.SteeringRad)
		if abs < understeerSteerShare*steerPeak || abs <= 0.01 {
			continue
		}
		if math.Abs(s.LatAccel)/abs < understeerGainShare*median {
			return true
		}
	}
	return false
}

func inputStdDevSum(in []telemetry.Sample) float64 {
	throttle := make([]float64, len(in))
	brake := make([]float64, len(in))
	steering := make([]float64, len(in))
	for i, s := range in {
		throttle[i] = s.Throttle
		brake[i] = s.Brake
		steering[i] = s.SteeringRad
	}
	return stat.StdDev(throttle, nil) + stat.StdDev(brake, nil) + stat.StdDev(steering, nil)
}

func priorityFor(m *MicroAnalysis) Priority {
	safety := false
	for _, p := range m.Patterns {
		if (p == PatternUndersteer || p == PatternOffThrottleOversteer) &&
			math.Abs(m.ApexSpeedDelta) > safetySpeedDelta {
			safety = true
		}
	}
	switch {
	case m.TimeLoss >= criticalLoss || safety:
		return PriorityCritical
	case m.TimeLoss >= highLoss:
		return PriorityHigh
	case m.TimeLoss >= mediumLoss:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// confidenceFor blends reference availability, pattern agreement, and sample
// coverage into a 0..1 confidence.
func confidenceFor(m *MicroAnalysis, samples int) float64 {
	c := 0.5
	if m.HasRef {
		c += 0.2
	}
	c += 0.05 * float64(len(m.Patterns))
	if samples >= 30 {
		c += 0.1
	}
	if c > 0.95 {
		c = 0.95
	}
	return c
}
