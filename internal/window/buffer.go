// Package window keeps a sliding time-series buffer of recent telemetry and
// classified events, and assembles the structured snapshots handed to the
// remote coach.
package window

import (
	"sync"

	"github.com/apex-data/racecoach/internal/telemetry"
)

// eventRingCap bounds the classified-event history carried in snapshots.
const eventRingCap = 16

// Event is one classified driving event kept in the recent history.
type Event struct {
	Time        float64 `json:"time"`
	Corner      string  `json:"corner"`
	Kind        string  `json:"kind"`
	Severity    float64 `json:"severity"`
	Description string  `json:"description,omitempty"`
}

// SessionHeader identifies the session a snapshot was taken from.
type SessionHeader struct {
	Track string `json:"track"`
	Car   string `json:"car"`
	Kind  string `json:"session_kind"`
	Lap   int    `json:"lap"`
}

// Series holds the parallel time-series arrays of a snapshot. All arrays
// share the Time axis.
type Series struct {
	Time     []float64 `json:"time"`
	Speed    []float64 `json:"speed"`
	Throttle []float64 `json:"throttle"`
	Brake    []float64 `json:"brake"`
	Steering []float64 `json:"steering"`
	LatAccel []float64 `json:"lat_accel"`
	LonAccel []float64 `json:"lon_accel"`
	Gear     []int     `json:"gear"`
	// Tire temperatures keyed lf/rf/lr/rr; present only when the simulator
	// reports tire data.
	TireTempC map[string][]float64 `json:"tire_temp_c,omitempty"`
}

// ReferenceSummary is the compact reference comparison included alongside the
// raw series.
type ReferenceSummary struct {
	BestApexSpeed   float64 `json:"best_apex_speed"`
	DriverApexSpeed float64 `json:"driver_apex_speed"`
	SectorDeltaS    float64 `json:"sector_delta_s"`
	ReferenceRole   string  `json:"reference_role"`
}

// Snapshot is the fixed-schema context object consumed by the remote coach.
type Snapshot struct {
	Session      SessionHeader     `json:"session"`
	EventTime    float64           `json:"event_time"`
	Series       Series            `json:"series"`
	RecentEvents []Event           `json:"recent_events"`
	Reference    *ReferenceSummary `json:"reference,omitempty"`
}

// Buffer is a fixed-capacity ring over recent samples plus a short event
// history. Push is called from the telemetry consumer; Snapshot may be called
// concurrently from the coaching path.
type Buffer struct {
	mu      sync.RWMutex
	samples []telemetry.Sample
	head    int // next write position
	size    int

	events  [eventRingCap]Event
	evHead  int
	evSize  int
	session SessionHeader
}

// NewBuffer sizes the ring for durationS seconds at sampleHz.
func NewBuffer(durationS float64, sampleHz float64) *Buffer {
	capacity := int(durationS * sampleHz)
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{samples: make([]telemetry.Sample, capacity)}
}

// SetSession records the header attached to every snapshot.
func (b *Buffer) SetSession(h SessionHeader) {
	b.mu.Lock()
	b.session = h
	b.mu.Unlock()
}

// Push appends a sample, overwriting the oldest once full.
func (b *Buffer) Push(s telemetry.Sample) {
	b.mu.Lock()
	b.samples[b.head] = s
	b.head = (b.head + 1) % len(b.samples)
	if b.size < len(b.samples) {
		b.size++
	}
	b.session.Lap = s.Lap
	b.mu.Unlock()
}

// RecordEvent appends a classified event to the history ring.
func (b *Buffer) RecordEvent(e Event) {
	b.mu.Lock()
	b.events[b.evHead] = e
	b.evHead = (b.evHead + 1) % eventRingCap
	if b.evSize < eventRingCap {
		b.evSize++
	}
	b.mu.Unlock()
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Reset drops all buffered samples and events. Called on session change.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.head, b.size = 0, 0
	b.evHead, b.evSize = 0, 0
	b.mu.Unlock()
}

// Snapshot assembles the series covering [eventTime-preS, eventTime+postS]
// together with the recent event history and session header.
func (b *Buffer) Snapshot(eventTime, preS, postS float64) *Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	lo, hi := eventTime-preS, eventTime+postS
	snap := &Snapshot{
		Session:   b.session,
		EventTime: eventTime,
	}

	for i := 0; i < b.size; i++ {
		s := &b.samples[(b.head-b.size+i+len(b.samples))%len(b.samples)]
		if s.SessionTime < lo || s.SessionTime > hi {
			continue
		}
		snap.Series.Time = append(snap.Series.Time, s.SessionTime)
		snap.Series.Speed = append(snap.Series.Speed, s.SpeedKmh)
		snap.Series.Throttle = append(snap.Series.Throttle, s.Throttle)
		snap.Series.Brake = append(snap.Series.Brake, s.Brake)
		snap.Series.Steering = append(snap.Series.Steering, s.SteeringRad)
		snap.Series.LatAccel = append(snap.Series.LatAccel, s.LatAccel)
		snap.Series.LonAccel = append(snap.Series.LonAccel, s.LonAccel)
		snap.Series.Gear = append(snap.Series.Gear, s.Gear)
		if s.Tires != nil {
			if snap.Series.TireTempC == nil {
				snap.Series.TireTempC = map[string][]float64{}
			}
			snap.Series.TireTempC["lf"] = append(snap.Series.TireTempC["lf"], s.Tires.LF.TempC)
			snap.Series.TireTempC["rf"] = append(snap.Series.TireTempC["rf"], s.Tires.RF.TempC)
			snap.Series.TireTempC["lr"] = append(snap.Series.TireTempC["lr"], s.Tires.LR.TempC)
			snap.Series.TireTempC["rr"] = append(snap.Series.TireTempC["rr"], s.Tires.RR.TempC)
		}
	}

	for i := 0; i < b.evSize; i++ {
		snap.RecentEvents = append(snap.RecentEvents,
			b.events[(b.evHead-b.evSize+i+eventRingCap)%eventRingCap])
	}
	return snap
}
