// Package mistakes aggregates classified corner events into per-(corner,
// mistake-type) patterns with frequency, cost, trend, and priority, and
// answers the advice queries built on them.
package mistakes

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/apex-data/racecoach/internal/analysis"
)

// Type is one of the closed set of mistake classifications.
type Type string

const (
	TypeLateBrake            Type = "late_brake"
	TypeEarlyBrake           Type = "early_brake"
	TypeLateThrottle         Type = "late_throttle"
	TypeEarlyThrottle        Type = "early_throttle"
	TypeLowEntrySpeed        Type = "low_entry_speed"
	TypeHighEntrySpeed       Type = "high_entry_speed"
	TypeLowApexSpeed         Type = "low_apex_speed"
	TypeHighApexSpeed        Type = "high_apex_speed"
	TypeLowExitSpeed         Type = "low_exit_speed"
	TypeUndersteer           Type = "understeer"
	TypeOversteer            Type = "oversteer"
	TypeOffThrottleOversteer Type = "off_throttle_oversteer"
	TypeTrailBrakingPoor     Type = "trail_braking_poor"
	TypeInconsistentInputs   Type = "inconsistent_inputs"
	TypeEarlyApex            Type = "early_apex"
	TypeLateApex             Type = "late_apex"
	TypePoorRacingLine       Type = "poor_racing_line"
	TypeLineDeviation        Type = "line_deviation"
	TypeLapTimeVariance      Type = "lap_time_variance"
	TypeSectorTimeVariance   Type = "sector_time_variance"
	TypeInputVariance        Type = "input_variance"
	TypePoorGearSelection    Type = "poor_gear_selection"
)

// Derivation thresholds: timing deltas in seconds, speed deltas in km/h.
const (
	timingDeltaThreshold = 0.05
	speedDeltaThreshold  = 5.0
	severityFullLoss     = 0.5 // seconds of loss mapping to severity 1.0
)

// Trend window parameters.
const (
	trendWindowS   = 600.0
	trendChangePct = 0.20
)

// Trend classifies how a pattern develops over the session.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendWorsening Trend = "worsening"
)

// Event is a single classified fault.
type Event struct {
	ID       string       `json:"id"`
	Time     float64      `json:"time"` // session seconds
	Corner   string       `json:"corner"`
	Type     Type         `json:"mistake_type"`
	Severity float64      `json:"severity"`
	TimeLoss float64      `json:"time_loss"`
	Context  EventContext `json:"context"`
}

// EventContext is the payload carried with each event for later inspection.
type EventContext struct {
	Gear           int     `json:"gear"`
	EntrySpeed     float64 `json:"entry_speed"`
	ApexSpeedDelta float64 `json:"apex_speed_delta"`
	Lap            int     `json:"lap"`
}

// Pattern is the aggregate over one (corner, mistake-type) pair.
type Pattern struct {
	Corner          string  `json:"corner"`
	Type            Type    `json:"mistake_type"`
	Frequency       int     `json:"frequency"`
	RecentFrequency int     `json:"recent_frequency"`
	TotalTimeLoss   float64 `json:"total_time_loss"`
	MeanTimeLoss    float64 `json:"mean_time_loss"`
	LastSeen        float64 `json:"last_seen"`
	Trend           Trend   `json:"trend"`
	Priority        string  `json:"priority"`
	Description     string  `json:"description"`
}

// SessionSummary is the aggregate view over the whole session.
type SessionSummary struct {
	SessionID        string   `json:"session_id"`
	DurationS        float64  `json:"duration_s"`
	TotalMistakes    int      `json:"total_mistakes"`
	TotalTimeLostS   float64  `json:"total_time_lost_s"`
	SessionScore     float64  `json:"session_score"`
	MostCommon       []string `json:"most_common_mistakes"`
	MostCostly       []string `json:"most_costly_mistakes"`
	ImprovementAreas []string `json:"improvement_areas"`
	Recommendations  []string `json:"recommendations"`
}

// FocusAreas is the prioritized what-to-work-on view.
type FocusAreas struct {
	Critical        []Pattern `json:"critical_focus_areas"`
	HighPriority    []Pattern `json:"high_priority_areas"`
	SessionScore    float64   `json:"session_score"`
	TotalTimeLostS  float64   `json:"total_time_lost_s"`
	Recommendations []string  `json:"recommendations"`
}

type aggregate struct {
	times    []float64
	losses   []float64
	total    float64
	lastSeen float64
}

// Tracker owns the mistake event log and pattern aggregates. All methods are
// safe for concurrent use; queries take a consistent snapshot under the lock.
type Tracker struct {
	mu        sync.Mutex
	sessionID string
	log       []Event
	maxEvents int
	patterns  map[patternKey]*aggregate
	firstTime float64
	lastTime  float64
	haveTime  bool
}

type patternKey struct {
	corner string
	typ    Type
}

// NewTracker creates a tracker bounded to maxEvents log entries (10000 when
// zero).
func NewTracker(maxEvents int) *Tracker {
	if maxEvents <= 0 {
		maxEvents = 10000
	}
	return &Tracker{
		sessionID: uuid.NewString(),
		maxEvents: maxEvents,
		patterns:  make(map[patternKey]*aggregate),
	}
}

// Reset clears all state for a new session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionID = uuid.NewString()
	t.log = nil
	t.patterns = make(map[patternKey]*aggregate)
	t.haveTime = false
}

// SessionID returns the identifier of the current session.
func (t *Tracker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Observe splits a MicroAnalysis into zero or more MistakeEvents and folds
// them into the pattern aggregates. Returns the derived events.
func (t *Tracker) Observe(m *analysis.MicroAnalysis) []Event {
	types := deriveTypes(m)
	if len(types) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.haveTime {
		t.firstTime = m.Time
		t.haveTime = true
	}
	t.lastTime = m.Time

	// The per-event loss share keeps the session total equal to the sum of
	// analysis losses.
	share := m.TimeLoss / float64(len(types))
	var out []Event
	for _, typ := range types {
		e := Event{
			ID:       uuid.NewString(),
			Time:     m.Time,
			Corner:   m.Corner,
			Type:     typ,
			Severity: math.Min(1, m.TimeLoss/severityFullLoss),
			TimeLoss: share,
			Context: EventContext{
				Gear:           m.Gear,
				EntrySpeed:     m.EntrySpeed,
				ApexSpeedDelta: m.ApexSpeedDelta,
				Lap:            m.Lap,
			},
		}
		t.log = append(t.log, e)
		if len(t.log) > t.maxEvents {
			t.log = t.log[1:]
		}
		k := patternKey{corner: e.Corner, typ: e.Type}
		agg, ok := t.patterns[k]
		if !ok {
			agg = &aggregate{}
			t.patterns[k] = agg
		}
		agg.times = append(agg.times, e.Time)
		agg.losses = append(agg.losses, e.TimeLoss)
		agg.total += e.TimeLoss
		agg.lastSeen = e.Time
		out = append(out, e)
	}
	return out
}

// deriveTypes maps a MicroAnalysis to the mistake types it evidences.
func deriveTypes(m *analysis.MicroAnalysis) []Type {
	var out []Type
	for _, p := range m.Patterns {
		switch p {
		case analysis.PatternLateApex:
			out = append(out, TypeLateApex)
		case analysis.PatternEarlyApex:
			out = append(out, TypeEarlyApex)
		case analysis.PatternOffThrottleOversteer:
			out = append(out, TypeOffThrottleOversteer)
		case analysis.PatternUndersteer:
			out = append(out, TypeUndersteer)
		case analysis.PatternEarlyThrottle:
			out = append(out, TypeEarlyThrottle)
		case analysis.PatternLateThrottle:
			out = append(out, TypeLateThrottle)
		case analysis.PatternInconsistentInputs:
			out = append(out, TypeInconsistentInputs)
		}
		// trail_braking is positive technique, never a mistake event.
	}
	if !m.HasRef {
		return out
	}
	if m.BrakeTimingDelta > timingDeltaThreshold {
		out = append(out, TypeLateBrake)
	} else if m.BrakeTimingDelta < -timingDeltaThreshold {
		out = append(out, TypeEarlyBrake)
	}
	if m.EntrySpeedDelta < -speedDeltaThreshold {
		out = append(out, TypeLowEntrySpeed)
	} else if m.EntrySpeedDelta > speedDeltaThreshold {
		out = append(out, TypeHighEntrySpeed)
	}
	if m.ApexSpeedDelta < -speedDeltaThreshold {
		out = append(out, TypeLowApexSpeed)
	} else if m.ApexSpeedDelta > speedDeltaThreshold {
		out = append(out, TypeHighApexSpeed)
	}
	if m.ExitSpeedDelta < -speedDeltaThreshold {
		out = append(out, TypeLowExitSpeed)
	}
	return out
}

// patternLocked materializes the Pattern view for one aggregate.
func (t *Tracker) patternLocked(k patternKey, agg *aggregate) Pattern {
	recent := 0
	for _, ts := range agg.times {
		if t.lastTime-ts <= trendWindowS {
			recent++
		}
	}
	freq := len(agg.times)
	mean := agg.total / float64(freq)
	p := Pattern{
		Corner:          k.corner,
		Type:            k.typ,
		Frequency:       freq,
		RecentFrequency: recent,
		TotalTimeLoss:   agg.total,
		MeanTimeLoss:    mean,
		LastSeen:        agg.lastSeen,
		Trend:           t.trendLocked(agg),
		Description:     describe(k.corner, k.typ),
	}
	// Priority thresholds evaluated strictly in order.
	switch {
	case freq >= 5 && mean >= 0.3:
		p.Priority = "critical"
	case freq >= 3 && mean >= 0.2:
		p.Priority = "high"
	case freq >= 2 && mean >= 0.1:
		p.Priority = "medium"
	default:
		p.Priority = "low"
	}
	return p
}

// trendLocked compares the per-minute event rate of the trailing trend window
// with the rate before it.
func (t *Tracker) trendLocked(agg *aggregate) Trend {
	cutoff := t.lastTime - trendWindowS
	priorSpan := cutoff - t.firstTime
	if priorSpan <= 0 {
		return TrendStable
	}
	recent, prior := 0, 0
	for _, ts := range agg.times {
		if ts > cutoff {
			recent++
		} else {
			prior++
		}
	}
	recentRate := float64(recent) / (trendWindowS / 60)
	priorRate := float64(prior) / (priorSpan / 60)
	if priorRate == 0 {
		if recentRate > 0 {
			return TrendWorsening
		}
		return TrendStable
	}
	switch {
	case recentRate < priorRate*(1-trendChangePct):
		return TrendImproving
	case recentRate > priorRate*(1+trendChangePct):
		return TrendWorsening
	default:
		return TrendStable
	}
}

// PersistentMistakes returns patterns with frequency >= 2, sorted by
// (priority, total time loss) descending.
func (t *Tracker) PersistentMistakes() []Pattern {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Pattern
	for k, agg := range t.patterns {
		if len(agg.times) < 2 {
			continue
		}
		out = append(out, t.patternLocked(k, agg))
	}
	sortPatterns(out)
	return out
}

// ByCorner returns the pattern list for one corner.
func (t *Tracker) ByCorner(corner string) []Pattern {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Pattern
	for k, agg := range t.patterns {
		if k.corner != corner {
			continue
		}
		out = append(out, t.patternLocked(k, agg))
	}
	sortPatterns(out)
	return out
}

// Recent returns events within the trailing window, newest last, capped at
// limit (unlimited when <= 0).
func (t *Tracker) Recent(windowS float64, limit int) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.lastTime - windowS
	var out []Event
	for _, e := range t.log {
		if e.Time >= cutoff {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Summary assembles the whole-session aggregate view.
func (t *Tracker) Summary() SessionSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := 0.0
	for _, agg := range t.patterns {
		total += agg.total
	}
	duration := t.lastTime - t.firstTime

	var pats []Pattern
	for k, agg := range t.patterns {
		pats = append(pats, t.patternLocked(k, agg))
	}

	byFreq := append([]Pattern(nil), pats...)
	sort.Slice(byFreq, func(i, j int) bool { return byFreq[i].Frequency > byFreq[j].Frequency })
	byCost := append([]Pattern(nil), pats...)
	sort.Slice(byCost, func(i, j int) bool { return byCost[i].TotalTimeLoss > byCost[j].TotalTimeLoss })

	s := SessionSummary{
		SessionID:      t.sessionID,
		DurationS:      duration,
		TotalMistakes:  len(t.log),
		TotalTimeLostS: total,
		SessionScore:   sessionScore(total, duration),
	}
	for i, p := range byFreq {
		if i == 3 {
			break
		}
		s.MostCommon = append(s.MostCommon, fmt.Sprintf("%s at %s", p.Type, p.Corner))
	}
	for i, p := range byCost {
		if i == 3 {
			break
		}
		s.MostCostly = append(s.MostCostly, fmt.Sprintf("%s at %s (%.2fs)", p.Type, p.Corner, p.TotalTimeLoss))
		s.ImprovementAreas = append(s.ImprovementAreas, p.Corner)
		s.Recommendations = append(s.Recommendations, p.Description)
	}
	return s
}

// Focus assembles the prioritized focus-area view.
func (t *Tracker) Focus() FocusAreas {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := 0.0
	var f FocusAreas
	for k, agg := range t.patterns {
		total += agg.total
		p := t.patternLocked(k, agg)
		switch p.Priority {
		case "critical":
			f.Critical = append(f.Critical, p)
			f.Recommendations = append(f.Recommendations, p.Description)
		case "high":
			f.HighPriority = append(f.HighPriority, p)
		}
	}
	sortPatterns(f.Critical)
	sortPatterns(f.HighPriority)
	f.TotalTimeLostS = total
	f.SessionScore = sessionScore(total, t.lastTime-t.firstTime)
	return f
}

// sessionScore maps time lost per minute onto [0,1]; losing 2s per minute or
// more scores zero.
func sessionScore(totalLoss, durationS float64) float64 {
	if durationS <= 0 {
		return 1
	}
	perMin := totalLoss / (durationS / 60)
	score := 1 - perMin/2
	if score < 0 {
		return 0
	}
	return score
}

var priorityRank = map[string]int{"critical": 3, "high": 2, "medium": 1, "low": 0}

func sortPatterns(p []Pattern) {
	sort.Slice(p, func(i, j int) bool {
		if priorityRank[p[i].Priority] != priorityRank[p[j].Priority] {
			return priorityRank[p[i].Priority] > priorityRank[p[j].Priority]
		}
		return p[i].TotalTimeLoss > p[j].TotalTimeLoss
	})
}

var adviceByType = map[Type]string{
	TypeLateBrake:            "brake earlier into %s",
	TypeEarlyBrake:           "carry braking deeper into %s",
	TypeLateThrottle:         "get on the power sooner out of %s",
	TypeEarlyThrottle:        "delay throttle until the car is rotated in %s",
	TypeLowEntrySpeed:        "carry more speed into %s",
	TypeHighEntrySpeed:       "slow the entry to %s to make the apex",
	TypeLowApexSpeed:         "raise minimum speed through %s",
	TypeHighApexSpeed:        "sacrifice a little apex speed in %s for drive",
	TypeLowExitSpeed:         "prioritize exit speed from %s",
	TypeUndersteer:           "reduce steering and trail more brake into %s",
	TypeOversteer:            "smoother inputs through %s to settle the rear",
	TypeOffThrottleOversteer: "keep a stabilizing throttle through %s",
	TypeTrailBrakingPoor:     "release the brake more progressively into %s",
	TypeInconsistentInputs:   "smooth pedal and steering inputs through %s",
	TypeEarlyApex:            "turn in later at %s",
	TypeLateApex:             "turn in earlier at %s",
	TypePoorRacingLine:       "review the line through %s",
	TypeLineDeviation:        "hit consistent marks through %s",
	TypeLapTimeVariance:      "focus on repeatable laps",
	TypeSectorTimeVariance:   "stabilize pace through %s",
	TypeInputVariance:        "smooth inputs through %s",
	TypePoorGearSelection:    "check gear choice for %s",
}

func describe(corner string, typ Type) string {
	tmpl, ok := adviceByType[typ]
	if !ok {
		return fmt.Sprintf("work on %s at %s", typ, corner)
	}
	if !strings.Contains(tmpl, "%s") {
		return tmpl
	}
	return fmt.Sprintf(tmpl, corner)
}
