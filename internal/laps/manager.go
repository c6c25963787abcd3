// Package laps segments the telemetry feed into laps and sectors, applies the
// validity and outlier rules, and maintains the per-(track,car) reference laps
// that the analyzers compare against.
package laps

import (
	"math"
	"sort"
	"time"

	"github.com/apex-data/racecoach/internal/monitoring"
	"github.com/apex-data/racecoach/internal/telemetry"
)

// DefaultSectorBoundaries is the global sector partition used when a track
// layout carries no override.
var DefaultSectorBoundaries = []float64{0.0, 0.33, 0.66}

// sectorSumTolerance is the accepted relative mismatch between the sector sum
// and the lap total before the record is treated as an invariant violation.
const sectorSumTolerance = 0.02

// outlierFactor and outlierWindow define the outlier-lap rule: a lap slower
// than outlierFactor times the rolling median of the last outlierWindow valid
// laps is excluded from reference promotion.
const (
	outlierFactor = 1.5
	outlierWindow = 5
)

// LapRecord is a completed lap with its raw samples. Samples are retained
// until the record has been consumed by the analyzers and the exporter.
type LapRecord struct {
	Lap         int
	Track       string
	Car         string
	TotalTime   float64
	SectorTimes []float64
	StartTime   float64 // session time at lap start
	Valid       bool
	Invalidation string // reason when not valid
	Outlier     bool
	Samples     []telemetry.Sample
	CompletedAt time.Time
}

// Events are the callbacks fired by the Manager. Nil callbacks are skipped.
type Events struct {
	// LapCompleted fires once per completed lap; personalBest is true when
	// the lap was promoted to the personal_best reference.
	LapCompleted func(rec *LapRecord, personalBest bool)
	// SectorCompleted fires at each sector boundary crossing with the
	// interpolated sector time.
	SectorCompleted func(idx int, seconds float64)
	// SessionBoundary fires when the feed resets (timestamp regression).
	SessionBoundary func(reason string)
}

// Manager consumes canonical samples and detects sector and lap boundaries.
// It is single-threaded by contract: one goroutine calls Ingest.
type Manager struct {
	boundaries []float64
	events     Events
	refs       *ReferenceManager

	prev        *telemetry.Sample
	cur         []telemetry.Sample
	lapNum      int
	lapStart    float64
	lastCross   float64
	sectorTimes []float64
	pitMidLap   bool
	haveLap     bool

	recentValid []float64
	completed   int
}

// NewManager creates a lap manager with the given sector boundaries (the
// global default when nil) and an optional reference manager.
func NewManager(boundaries []float64, refs *ReferenceManager, events Events) *Manager {
	if len(boundaries) == 0 {
		boundaries = DefaultSectorBoundaries
	}
	return &Manager{
		boundaries: boundaries,
		events:     events,
		refs:       refs,
	}
}

// CompletedLaps returns the number of laps completed this session.
func (m *Manager) CompletedLaps() int { return m.completed }

// Reset drops all in-progress lap state. Called on session change.
func (m *Manager) Reset() {
	m.prev = nil
	m.cur = nil
	m.sectorTimes = nil
	m.pitMidLap = false
	m.haveLap = false
	m.recentValid = nil
	m.completed = 0
}

// Ingest feeds one sample through boundary detection.
func (m *Manager) Ingest(s telemetry.Sample) {
	if m.prev != nil && s.SessionTime < m.prev.SessionTime {
		// Hard session boundary: the simulator clock went backwards.
		monitoring.Logf("[laps] timestamp regression %.3f -> %.3f, resetting lap state",
			m.prev.SessionTime, s.SessionTime)
		m.Reset()
		if m.events.SessionBoundary != nil {
			m.events.SessionBoundary("timestamp_regression")
		}
	}

	if m.prev == nil {
		m.startLap(s, s.Lap)
		m.prev = &s
		m.cur = append(m.cur, s)
		return
	}

	prev := m.prev
	wrapped := prev.LapDistPct >= 0.95 && s.LapDistPct <= 0.05
	incremented := s.Lap > prev.Lap

	if incremented || wrapped {
		crossT := wrapCrossingTime(prev, &s)
		m.completeLap(crossT)
		next := s.Lap
		if !incremented {
			// Wrap without an increment: synthesise the lap number.
			next = prev.Lap + 1
		}
		m.startLapAt(crossT, &s, next)
	} else {
		m.checkSectorCrossings(prev, &s)
	}

	if s.OnPitRoad && s.LapDistPct > 0.10 {
		m.pitMidLap = true
	}
	m.cur = append(m.cur, s)
	m.prev = &s
}

func (m *Manager) startLap(s telemetry.Sample, lap int) {
	m.startLapAt(s.SessionTime, &s, lap)
}

func (m *Manager) startLapAt(start float64, s *telemetry.Sample, lap int) {
	m.cur = nil
	m.lapNum = lap
	m.lapStart = start
	m.lastCross = start
	m.sectorTimes = make([]float64, 0, len(m.boundaries))
	m.pitMidLap = s.OnPitRoad && s.LapDistPct > 0.10
	m.haveLap = true
}

// checkSectorCrossings fires sector completions for every boundary passed
// between two consecutive samples, interpolating the crossing time linearly
// by lap distance.
func (m *Manager) checkSectorCrossings(prev, cur *telemetry.Sample) {
	for i, b := range m.boundaries {
		if b <= 0 {
			continue // boundary 0 is the lap start itself
		}
		if prev.LapDistPct < b && cur.LapDistPct >= b {
			t := interpolateCrossing(prev, cur, b)
			sector := i - 1
			dt := t - m.lastCross
			m.lastCross = t
			m.sectorTimes = append(m.sectorTimes, dt)
			if m.events.SectorCompleted != nil {
				m.events.SectorCompleted(sector, dt)
			}
		}
	}
}

// completeLap assembles the LapRecord for the samples held since the previous
// completion and runs validity, outlier, and reference promotion.
func (m *Manager) completeLap(endTime float64) {
	if !m.haveLap || len(m.cur) == 0 {
		return
	}

	// Close the final sector at the wrap crossing.
	finalSector := endTime - m.lastCross
	sectors := append(append([]float64(nil), m.sectorTimes...), finalSector)
	lastSectorIdx := len(m.boundaries) - 1
	if m.events.SectorCompleted != nil {
		m.events.SectorCompleted(lastSectorIdx, finalSector)
	}

	first := m.cur[0]
	rec := &LapRecord{
		Lap:         m.lapNum,
		Track:       first.TrackName,
		Car:         first.CarName,
		TotalTime:   endTime - m.lapStart,
		SectorTimes: sectors,
		StartTime:   m.lapStart,
		Samples:     m.cur,
		CompletedAt: time.Now(),
		Valid:       true,
	}

	switch {
	case rec.TotalTime <= 0:
		rec.Valid = false
		rec.Invalidation = "non_positive_time"
		monitoring.Logf("[laps] invariant violation: lap %d has non-positive time %.3f", rec.Lap, rec.TotalTime)
	case m.pitMidLap:
		rec.Valid = false
		rec.Invalidation = "pit_entry"
	case len(sectors) == len(m.boundaries) && sectorSumMismatch(rec):
		rec.Valid = false
		rec.Invalidation = "sector_sum_mismatch"
		monitoring.Logf("[laps] invariant violation: lap %d sector sum %.3f vs total %.3f",
			rec.Lap, sum(sectors), rec.TotalTime)
	}

	if rec.Valid {
		rec.Outlier = m.isOutlier(rec.TotalTime)
		if !rec.Outlier {
			m.recentValid = append(m.recentValid, rec.TotalTime)
			if len(m.recentValid) > outlierWindow {
				m.recentValid = m.recentValid[1:]
			}
		}
	}

	personalBest := false
	if m.refs != nil && rec.Valid && !rec.Outlier {
		personalBest = m.refs.Consider(rec)
	}
	m.completed++

	if m.events.LapCompleted != nil {
		m.events.LapCompleted(rec, personalBest)
	}
}

// isOutlier applies the rolling-median rule over the last valid laps.
func (m *Manager) isOutlier(lapTime float64) bool {
	if len(m.recentValid) == 0 {
		return false
	}
	sorted := append([]float64(nil), m.recentValid...)
	sort.Float64s(sorted)
	median := sorted[len(sorted)/2]
	if len(sorted)%2 == 0 {
		median = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}
	return lapTime > outlierFactor*median
}

func sectorSumMismatch(rec *LapRecord) bool {
	s := sum(rec.SectorTimes)
	return math.Abs(s-rec.TotalTime) > sectorSumTolerance*rec.TotalTime
}

func sum(v []float64) float64 {
	t := 0.0
	for _, x := range v {
		t += x
	}
	return t
}

// wrapCrossingTime interpolates the session time at which the car crossed the
// start/finish line between two samples straddling the wrap.
func wrapCrossingTime(prev, cur *telemetry.Sample) float64 {
	before := 1 - prev.LapDistPct
	after := cur.LapDistPct
	span := before + after
	if span <= 0 {
		return cur.SessionTime
	}
	return prev.SessionTime + (before/span)*(cur.SessionTime-prev.SessionTime)
}

// interpolateCrossing interpolates the session time at which lap distance
// crossed boundary b between two samples on the same lap.
func interpolateCrossing(prev, cur *telemetry.Sample, b float64) float64 {
	span := cur.LapDistPct - prev.LapDistPct
	if span <= 0 {
		return cur.SessionTime
	}
	frac := (b - prev.LapDistPct) / span
	return prev.SessionTime + frac*(cur.SessionTime-prev.SessionTime)
}
