// Package telemetry defines the canonical sample and session records that flow
// through the coaching pipeline, plus the schema validator that canonicalises
// raw simulator output at the edge.
package telemetry

import "time"

// SessionKind identifies the kind of session the simulator is running.
type SessionKind string

const (
	SessionPractice SessionKind = "practice"
	SessionQualify  SessionKind = "qualify"
	SessionRace     SessionKind = "race"
	SessionTest     SessionKind = "test"
)

// KnownSessionKind reports whether k is one of the closed session kinds.
func KnownSessionKind(k SessionKind) bool {
	switch k {
	case SessionPractice, SessionQualify, SessionRace, SessionTest:
		return true
	}
	return false
}

// TireCorner holds pressure and temperature for one corner of the car.
// Pressure is kPa, temperature °C.
type TireCorner struct {
	PressureKPa float64 `json:"pressure_kpa"`
	TempC       float64 `json:"temp_c"`
}

// TireSet holds optional per-corner tire state.
type TireSet struct {
	LF TireCorner `json:"lf"`
	RF TireCorner `json:"rf"`
	LR TireCorner `json:"lr"`
	RR TireCorner `json:"rr"`
}

// Sample is an immutable record of a single simulator tick. Units are
// normalised at the edge: speed km/h, temperatures °C, pressures kPa,
// throttle/brake in [0,1], steering radians.
//
// Lap time fields use negative values to mean "not reported"; the simulator
// reports -1 before the first flying lap completes.
type Sample struct {
	SessionTime float64 `json:"session_time"` // seconds, monotonic within a connection
	Lap         int     `json:"lap"`
	LapDistPct  float64 `json:"lap_distance_pct"` // 0.0-1.0, wraps at lap end
	SpeedKmh    float64 `json:"speed"`
	RPM         float64 `json:"rpm"`
	Gear        int     `json:"gear"` // -1 reverse, 0 neutral
	Throttle    float64 `json:"throttle"`
	Brake       float64 `json:"brake"`
	SteeringRad float64 `json:"steering"`
	LatAccel    float64 `json:"lat_accel"` // m/s²
	LonAccel    float64 `json:"lon_accel"` // m/s²
	FuelLevel   float64 `json:"fuel_level"` // liters

	LapCurrentTime float64 `json:"lap_current_time"`
	LapLastTime    float64 `json:"lap_last_time"`
	LapBestTime    float64 `json:"lap_best_time"`

	OnPitRoad bool `json:"on_pit_road"`

	TrackName   string      `json:"track_name"`
	CarName     string      `json:"car_name"`
	SessionKind SessionKind `json:"session_kind"`

	Tires *TireSet `json:"tires,omitempty"`
}

// SessionDescriptor is the slow-changing session metadata. One descriptor per
// simulator connection attempt; replaced, never mutated.
type SessionDescriptor struct {
	TrackDisplayName string      `json:"track_display_name"`
	TrackConfigName  string      `json:"track_config_name"`
	CarScreenName    string      `json:"car_screen_name"`
	DriverName       string      `json:"driver_name"`
	SessionKind      SessionKind `json:"session_kind"`
	WeatherDesc      string      `json:"weather"`
	AirTempC         float64     `json:"air_temp_c"`
	TrackTempC       float64     `json:"track_temp_c"`
	StartedAt        time.Time   `json:"started_at"`
}

// Key returns the (track, car) identity used to key reference laps and
// session change detection.
func (d SessionDescriptor) Key() string {
	return d.TrackDisplayName + "|" + d.CarScreenName
}

// SameSession reports whether two descriptors describe the same logical
// session. A change in track, car, or kind is a session boundary downstream.
func (d SessionDescriptor) SameSession(o SessionDescriptor) bool {
	return d.TrackDisplayName == o.TrackDisplayName &&
		d.TrackConfigName == o.TrackConfigName &&
		d.CarScreenName == o.CarScreenName &&
		d.SessionKind == o.SessionKind
}
