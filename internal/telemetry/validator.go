package telemetry

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Raw is an untyped sample as decoded from a fixture file or an older
// simulator build. Keys may use legacy names; the validator repairs them via
// the rename map before building a canonical Sample.
type Raw map[string]any

// renameMap maps legacy field names to canonical ones. Unknown keys are
// rejected, not tolerated.
var renameMap = map[string]string{
	"lapDistPct":   "lap_distance_pct",
	"brake_pct":    "brake", // percent scale, normalised to 0-1
	"throttle_pct": "throttle",
	"trackName":    "track_name",
	"carName":      "car_name",
	"speed_mps":    "speed", // m/s, converted to km/h
	"speed_mph":    "speed", // mph, converted to km/h
}

// percentScaled marks legacy keys whose values arrive on a 0-100 scale.
var percentScaled = map[string]bool{
	"brake_pct":    true,
	"throttle_pct": true,
}

// ValidatorStats counts validator outcomes. All fields are atomics so the
// stats can be read while the data path is running.
type ValidatorStats struct {
	Accepted     atomic.Uint64
	Repaired     atomic.Uint64
	DroppedRange atomic.Uint64
	DroppedOrder atomic.Uint64
}

// Validator validates inbound samples against the canonical schema. It never
// returns errors into the data path: a bad sample is dropped with a counter
// increment and the previous state is untouched.
type Validator struct {
	stats    ValidatorStats
	lastTime float64
	hasLast  bool
}

// NewValidator returns a Validator with zeroed counters.
func NewValidator() *Validator {
	return &Validator{}
}

// Stats exposes the outcome counters.
func (v *Validator) Stats() *ValidatorStats { return &v.stats }

// Reset clears the monotonicity state. Call on a session boundary, where a
// timestamp regression is expected rather than a data fault.
func (v *Validator) Reset() {
	v.hasLast = false
	v.lastTime = 0
}

// Check validates a canonical sample: range checks on pedal inputs and lap
// distance, and non-decreasing timestamps within a connection. Returns false
// when the sample must be dropped.
func (v *Validator) Check(s *Sample) bool {
	if s.Throttle < 0 || s.Throttle > 1 || s.Brake < 0 || s.Brake > 1 {
		v.stats.DroppedRange.Add(1)
		return false
	}
	if s.LapDistPct < 0 || s.LapDistPct > 1 {
		v.stats.DroppedRange.Add(1)
		return false
	}
	if math.IsNaN(s.SessionTime) || math.IsInf(s.SessionTime, 0) {
		v.stats.DroppedRange.Add(1)
		return false
	}
	if v.hasLast && s.SessionTime < v.lastTime {
		// A regression is a hard session boundary handled upstream; a sample
		// that still carries an older timestamp here is out of order.
		v.stats.DroppedOrder.Add(1)
		return false
	}
	v.lastTime = s.SessionTime
	v.hasLast = true
	v.stats.Accepted.Add(1)
	return true
}

// Canonicalize builds a Sample from a raw record, applying the rename map and
// unit conversions. Unknown keys fail the sample rather than being carried
// through as ad-hoc fields.
func (v *Validator) Canonicalize(raw Raw) (Sample, error) {
	var s Sample
	repaired := false
	for key, val := range raw {
		canonical := key
		if mapped, ok := renameMap[key]; ok {
			canonical = mapped
			repaired = true
		}
		f, isNum := toFloat(val)
		if percentScaled[key] && isNum {
			f /= 100
		}
		switch canonical {
		case "session_time":
			s.SessionTime = f
		case "lap":
			s.Lap = int(f)
		case "lap_distance_pct":
			s.LapDistPct = f
		case "speed":
			switch key {
			case "speed_mps":
				s.SpeedKmh = KmhFromMps(f)
			case "speed_mph":
				s.SpeedKmh = KmhFromMph(f)
			default:
				s.SpeedKmh = f
			}
		case "rpm":
			s.RPM = f
		case "gear":
			s.Gear = int(f)
		case "throttle":
			s.Throttle = f
		case "brake":
			s.Brake = f
		case "steering":
			s.SteeringRad = f
		case "lat_accel":
			s.LatAccel = f
		case "lon_accel":
			s.LonAccel = f
		case "fuel_level":
			s.FuelLevel = f
		case "lap_current_time":
			s.LapCurrentTime = f
		case "lap_last_time":
			s.LapLastTime = f
		case "lap_best_time":
			s.LapBestTime = f
		case "on_pit_road":
			b, ok := val.(bool)
			if !ok {
				b = f != 0
			}
			s.OnPitRoad = b
		case "track_name":
			s.TrackName, _ = val.(string)
		case "car_name":
			s.CarName, _ = val.(string)
		case "session_kind":
			str, _ := val.(string)
			s.SessionKind = SessionKind(str)
		default:
			return Sample{}, fmt.Errorf("unknown telemetry field %q", key)
		}
	}
	if s.SessionKind != "" && !KnownSessionKind(s.SessionKind) {
		return Sample{}, fmt.Errorf("unknown session kind %q", s.SessionKind)
	}
	if repaired {
		v.stats.Repaired.Add(1)
	}
	return s, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
