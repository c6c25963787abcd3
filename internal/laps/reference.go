package laps

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/apex-data/racecoach/internal/monitoring"
	"github.com/apex-data/racecoach/internal/refstore"
	"github.com/apex-data/racecoach/internal/telemetry"
	"github.com/apex-data/racecoach/internal/track"
)

// Role names a reference lap slot.
type Role string

const (
	RolePersonalBest Role = "personal_best"
	RoleSessionBest  Role = "session_best"
	RoleOptimal      Role = "optimal"
	RoleEngineer     Role = "engineer"
)

// persistTimeout bounds each store write. After the first timeout the manager
// stops persisting for the rest of the session and keeps references in memory.
const persistTimeout = time.Second

// brakeOnThreshold and throttleOnThreshold define the input events extracted
// per corner: first brake application and first committed throttle after the
// apex.
const (
	brakeOnThreshold    = 0.05
	throttleOnThreshold = 0.50
)

// SegmentRef captures how a reference lap drove one corner.
type SegmentRef struct {
	EntrySpeed    float64 `json:"entry_speed"`
	ApexSpeed     float64 `json:"apex_speed"`
	ExitSpeed     float64 `json:"exit_speed"`
	BrakePoint    float64 `json:"brake_point"`    // seconds from lap start, -1 when no braking
	ThrottlePoint float64 `json:"throttle_point"` // seconds from lap start, -1 when never committed
	Gear          int     `json:"gear"`
	SteeringPeak  float64 `json:"steering_peak"`
	PeakBrake     float64 `json:"peak_brake"`
	PeakThrottle  float64 `json:"peak_throttle"`
	CornerTime    float64 `json:"corner_time"`
}

// ReferenceLap is one promoted lap, persisted per role.
type ReferenceLap struct {
	Track       string                `json:"track"`
	Car         string                `json:"car"`
	Role        Role                  `json:"role"`
	LapTime     float64               `json:"lap_time"`
	SectorTimes []float64             `json:"sector_times"`
	Segments    map[string]SegmentRef `json:"per_segment"`
	SourceLap   int                   `json:"source_lap"`
	UpdatedAt   int64                 `json:"updated_at"`
}

// ReferenceManager holds the per-session reference lap set and promotes
// completed laps into it. Personal bests are durable across sessions via the
// store; session best and optimal reset with each session.
type ReferenceManager struct {
	store *refstore.Store // nil for memory-only operation

	mu        sync.Mutex
	trackName string
	car       string
	layout    *track.Layout
	refs      map[Role]*ReferenceLap
	persistOK bool
}

// NewReferenceManager creates a manager over the given store. A nil store
// keeps all references in memory.
func NewReferenceManager(store *refstore.Store) *ReferenceManager {
	return &ReferenceManager{
		store:     store,
		refs:      make(map[Role]*ReferenceLap),
		persistOK: store != nil,
	}
}

// StartSession binds the manager to a (track, car) pair, loads the stored
// personal best, and clears the session-scoped roles.
func (rm *ReferenceManager) StartSession(trackName, car string, layout *track.Layout) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.trackName = trackName
	rm.car = car
	rm.layout = layout
	rm.refs = make(map[Role]*ReferenceLap)
	rm.persistOK = rm.store != nil

	if rm.store == nil {
		return
	}
	doc, err := rm.store.Load(trackName, car)
	if err != nil {
		monitoring.Logf("[refs] load failed for %s/%s: %v", trackName, car, err)
		return
	}
	for _, role := range []Role{RolePersonalBest, RoleEngineer} {
		raw, ok := doc.Laps[string(role)]
		if !ok {
			continue
		}
		var ref ReferenceLap
		if err := json.Unmarshal(raw, &ref); err != nil {
			monitoring.Logf("[refs] discarding unreadable %s reference for %s/%s: %v", role, trackName, car, err)
			continue
		}
		ref.Role = role
		rm.refs[role] = &ref
	}
}

// Get returns a copy of the reference lap for role, or nil when unset.
func (rm *ReferenceManager) Get(role Role) *ReferenceLap {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	ref, ok := rm.refs[role]
	if !ok {
		return nil
	}
	cp := *ref
	cp.SectorTimes = append([]float64(nil), ref.SectorTimes...)
	cp.Segments = make(map[string]SegmentRef, len(ref.Segments))
	for k, v := range ref.Segments {
		cp.Segments[k] = v
	}
	return &cp
}

// Roles returns the currently populated roles.
func (rm *ReferenceManager) Roles() []Role {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]Role, 0, len(rm.refs))
	for r := range rm.refs {
		out = append(out, r)
	}
	return out
}

// Consider promotes a valid, non-outlier lap into the reference set and
// reports whether it became the new personal best. Personal best times are
// monotonic: a promotion never replaces a faster stored lap.
func (rm *ReferenceManager) Consider(rec *LapRecord) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	cand := rm.buildLocked(rec)

	pb := false
	if cur, ok := rm.refs[RolePersonalBest]; !ok || cand.LapTime < cur.LapTime {
		ref := cand
		ref.Role = RolePersonalBest
		rm.refs[RolePersonalBest] = &ref
		rm.persistLocked(&ref)
		pb = true
	}

	if cur, ok := rm.refs[RoleSessionBest]; !ok || cand.LapTime < cur.LapTime {
		ref := cand
		ref.Role = RoleSessionBest
		rm.refs[RoleSessionBest] = &ref
	}

	rm.mergeOptimalLocked(&cand)
	return pb
}

// mergeOptimalLocked recomputes the synthetic optimal lap: the per-sector
// minimum across every promoted lap, with per-corner data taken from
// whichever lap drove that corner fastest.
func (rm *ReferenceManager) mergeOptimalLocked(cand *ReferenceLap) {
	cur, ok := rm.refs[RoleOptimal]
	if !ok || len(cur.SectorTimes) != len(cand.SectorTimes) {
		ref := *cand
		ref.Role = RoleOptimal
		ref.SectorTimes = append([]float64(nil), cand.SectorTimes...)
		ref.Segments = copySegments(cand.Segments)
		rm.refs[RoleOptimal] = &ref
		return
	}

	total := 0.0
	for i, s := range cand.SectorTimes {
		if s < cur.SectorTimes[i] {
			cur.SectorTimes[i] = s
		}
		total += cur.SectorTimes[i]
	}
	cur.LapTime = total
	for name, seg := range cand.Segments {
		old, ok := cur.Segments[name]
		if !ok || (seg.CornerTime > 0 && seg.CornerTime < old.CornerTime) {
			cur.Segments[name] = seg
		}
	}
	cur.UpdatedAt = cand.UpdatedAt
}

// persistLocked writes the personal best through the store with a bounded
// wait. On timeout the manager degrades to memory-only for the session.
func (rm *ReferenceManager) persistLocked(ref *ReferenceLap) {
	if rm.store == nil || !rm.persistOK {
		return
	}
	done := make(chan error, 1)
	store, trackName, car := rm.store, rm.trackName, rm.car
	payload := *ref
	go func() {
		done <- store.SaveLap(trackName, car, string(ref.Role), &payload)
	}()
	select {
	case err := <-done:
		if err != nil {
			monitoring.Logf("[refs] persist failed for %s/%s: %v", trackName, car, err)
		}
	case <-time.After(persistTimeout):
		rm.persistOK = false
		monitoring.Logf("[refs] persist timed out for %s/%s, continuing in memory only", trackName, car)
	}
}

func (rm *ReferenceManager) buildLocked(rec *LapRecord) ReferenceLap {
	ref := ReferenceLap{
		Track:       rm.trackName,
		Car:         rm.car,
		LapTime:     rec.TotalTime,
		SectorTimes: append([]float64(nil), rec.SectorTimes...),
		Segments:    make(map[string]SegmentRef),
		SourceLap:   rec.Lap,
		UpdatedAt:   time.Now().Unix(),
	}
	if ref.Track == "" {
		ref.Track = rec.Track
	}
	if ref.Car == "" {
		ref.Car = rec.Car
	}
	if rm.layout == nil {
		return ref
	}
	for _, seg := range rm.layout.Segments {
		if seg.Kind == track.KindStraight {
			continue
		}
		if sr, ok := extractSegmentRef(rec, &seg); ok {
			ref.Segments[seg.Name] = sr
		}
	}
	return ref
}

// extractSegmentRef derives the per-corner reference data from the lap's raw
// samples. Returns false when the lap has no samples inside the segment.
func extractSegmentRef(rec *LapRecord, seg *track.Segment) (SegmentRef, bool) {
	var in []telemetry.Sample
	for _, s := range rec.Samples {
		if seg.Contains(s.LapDistPct) {
			in = append(in, s)
		}
	}
	if len(in) == 0 {
		return SegmentRef{}, false
	}

	apexIdx := 0
	minSpeed := math.Inf(1)
	for i, s := range in {
		if s.SpeedKmh < minSpeed {
			minSpeed = s.SpeedKmh
			apexIdx = i
		}
	}

	sr := SegmentRef{
		EntrySpeed:    in[0].SpeedKmh,
		ApexSpeed:     in[apexIdx].SpeedKmh,
		ExitSpeed:     in[len(in)-1].SpeedKmh,
		BrakePoint:    -1,
		ThrottlePoint: -1,
		Gear:          in[apexIdx].Gear,
		CornerTime:    in[len(in)-1].SessionTime - in[0].SessionTime,
	}
	for _, s := range in {
		if abs := math.Abs(s.SteeringRad); abs > sr.SteeringPeak {
			sr.SteeringPeak = abs
		}
		if s.Brake > sr.PeakBrake {
			sr.PeakBrake = s.Brake
		}
		if s.Throttle > sr.PeakThrottle {
			sr.PeakThrottle = s.Throttle
		}
	}
	for _, s := range in {
		if s.Brake >= brakeOnThreshold {
			sr.BrakePoint = s.SessionTime - rec.StartTime
			break
		}
	}
	for _, s := range in[apexIdx:] {
		if s.Throttle >= throttleOnThreshold {
			sr.ThrottlePoint = s.SessionTime - rec.StartTime
			break
		}
	}
	return sr, true
}

func copySegments(in map[string]SegmentRef) map[string]SegmentRef {
	out := make(map[string]SegmentRef, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
