package coach

import (
	"fmt"
	"math"
	"time"

	"github.com/apex-data/racecoach/internal/analysis"
	"github.com/apex-data/racecoach/internal/timeutil"
)

// categoryCooldown suppresses repeat insights per category.
const categoryCooldown = 8 * time.Second

// importanceFullLoss is the time loss in seconds mapping to importance 1.0.
const importanceFullLoss = 0.5

// LocalCoach converts micro-analyses and segment insights into coaching
// insights with locally generated text. Single-threaded by contract.
type LocalCoach struct {
	clock    timeutil.Clock
	lastEmit map[Category]time.Time
	seen     map[patternSeenKey]int
}

type patternSeenKey struct {
	corner  string
	pattern analysis.Pattern
}

// NewLocalCoach builds a coach over the given clock.
func NewLocalCoach(clock timeutil.Clock) *LocalCoach {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &LocalCoach{
		clock:    clock,
		lastEmit: make(map[Category]time.Time),
		seen:     make(map[patternSeenKey]int),
	}
}

// Reset clears cooldowns and pattern history on session change.
func (c *LocalCoach) Reset() {
	c.lastEmit = make(map[Category]time.Time)
	c.seen = make(map[patternSeenKey]int)
}

// FromMicro produces at most one insight for a corner analysis: the most
// costly finding, gated by the category cooldown.
func (c *LocalCoach) FromMicro(m *analysis.MicroAnalysis) *Insight {
	for _, p := range m.Patterns {
		c.seen[patternSeenKey{corner: m.Corner, pattern: p}]++
	}

	text, category := c.phrase(m)
	if text == "" {
		return nil
	}
	if !c.allow(category) {
		return nil
	}

	importance := math.Min(1, m.TimeLoss/importanceFullLoss)
	ins := &Insight{
		Text:       text,
		Category:   category,
		Corner:     m.Corner,
		Priority:   priorityScore(m, importance),
		Confidence: c.blendConfidence(m),
		Importance: importance,
		TimeLoss:   m.TimeLoss,
		Source:     SourceLocal,
		Time:       m.Time,
	}
	return ins
}

// FromSegment wraps a qualitative segment insight, gated by the same
// category cooldown.
func (c *LocalCoach) FromSegment(si analysis.SegmentInsight, sessionTime float64) *Insight {
	category := Category(si.Category)
	if !KnownCategory(category) {
		category = CategoryGeneral
	}
	if !c.allow(category) {
		return nil
	}
	return &Insight{
		Text:       si.Text,
		Category:   category,
		Corner:     si.Segment,
		Priority:   3,
		Confidence: 0.7,
		Importance: 0.3,
		Source:     SourceLocal,
		Time:       sessionTime,
	}
}

// phrase picks the dominant finding and renders it.
func (c *LocalCoach) phrase(m *analysis.MicroAnalysis) (string, Category) {
	// Safety findings first.
	for _, p := range m.Patterns {
		switch p {
		case analysis.PatternUndersteer:
			return fmt.Sprintf("Understeer through %s, ease the steering and slow the entry", m.Corner), CategorySafety
		case analysis.PatternOffThrottleOversteer:
			return fmt.Sprintf("Car is rotating off throttle in %s, keep a touch of power on", m.Corner), CategorySafety
		}
	}

	if m.HasRef {
		switch {
		case m.BrakeTimingDelta > 0.05:
			return fmt.Sprintf("Braking %.2fs late into %s, move the brake point up", m.BrakeTimingDelta, m.Corner), CategoryBraking
		case m.BrakeTimingDelta < -0.05:
			return fmt.Sprintf("Braking %.2fs early into %s, carry it deeper", -m.BrakeTimingDelta, m.Corner), CategoryBraking
		case m.ApexSpeedDelta < -5:
			return fmt.Sprintf("Apex speed %.0f km/h down in %s, carry more through the middle", -m.ApexSpeedDelta, m.Corner), CategoryCornering
		case m.ThrottleTimingDelta > 0.05:
			return fmt.Sprintf("Throttle %.2fs late out of %s, commit earlier", m.ThrottleTimingDelta, m.Corner), CategoryThrottle
		case m.ExitSpeedDelta < -5:
			return fmt.Sprintf("Exit speed down from %s, prioritize the run off the corner", m.Corner), CategoryThrottle
		}
	}

	for _, p := range m.Patterns {
		switch p {
		case analysis.PatternLateApex:
			return fmt.Sprintf("Apexing late in %s, turn in a touch earlier", m.Corner), CategoryRacingLine
		case analysis.PatternEarlyApex:
			return fmt.Sprintf("Apexing early in %s, be patient on turn-in", m.Corner), CategoryRacingLine
		case analysis.PatternEarlyThrottle:
			return fmt.Sprintf("Throttle too early in %s, let the car rotate first", m.Corner), CategoryThrottle
		case analysis.PatternLateThrottle:
			return fmt.Sprintf("Late on the power out of %s", m.Corner), CategoryThrottle
		case analysis.PatternInconsistentInputs:
			return fmt.Sprintf("Inputs are busy through %s, smooth hands and feet", m.Corner), CategoryConsistency
		case analysis.PatternTrailBraking:
			return fmt.Sprintf("Good trail braking into %s, keep that up", m.Corner), CategoryTechnique
		}
	}
	return "", CategoryGeneral
}

// blendConfidence combines analysis confidence with how often the pattern has
// repeated: a mistake seen five times is near certain.
func (c *LocalCoach) blendConfidence(m *analysis.MicroAnalysis) float64 {
	maxSeen := 0
	for _, p := range m.Patterns {
		if n := c.seen[patternSeenKey{corner: m.Corner, pattern: p}]; n > maxSeen {
			maxSeen = n
		}
	}
	freq := math.Min(1, float64(maxSeen)/5)
	conf := 0.7*m.Confidence + 0.3*freq
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}

// allow applies the per-category cooldown.
func (c *LocalCoach) allow(category Category) bool {
	now := c.clock.Now()
	if last, ok := c.lastEmit[category]; ok && now.Sub(last) < categoryCooldown {
		return false
	}
	c.lastEmit[category] = now
	return true
}

// priorityScore maps the analysis priority band onto the 1..10 message scale.
func priorityScore(m *analysis.MicroAnalysis, importance float64) int {
	switch m.Priority {
	case analysis.PriorityCritical:
		return 9
	case analysis.PriorityHigh:
		return 7
	case analysis.PriorityMedium:
		return 5
	default:
		if importance > 0.3 {
			return 3
		}
		return 2
	}
}
