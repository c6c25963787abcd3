package sim

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/apex-data/racecoach/internal/telemetry"
)

// ReplayConnector replays a recorded list of samples, one per PollTelemetry
// call. It backs the -dev mode and every pipeline test, standing in for a live
// simulator connection.
type ReplayConnector struct {
	mu         sync.Mutex
	samples    []telemetry.Sample
	desc       telemetry.SessionDescriptor
	pos        int
	connected  bool
	sessionHit bool

	// Loop restarts the replay from the beginning when the recording runs
	// out, instead of reporting a disconnect.
	Loop bool
}

// NewReplayConnector creates a connector that replays the given samples under
// the given session descriptor.
func NewReplayConnector(desc telemetry.SessionDescriptor, samples []telemetry.Sample) *ReplayConnector {
	return &ReplayConnector{samples: samples, desc: desc}
}

// LoadFixture reads a JSON-lines fixture of raw sample records. Each line is a
// JSON object keyed by canonical or legacy field names; the validator's rename
// map is applied while loading so old recordings keep working.
func LoadFixture(path string, desc telemetry.SessionDescriptor) (*ReplayConnector, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixture: %w", err)
	}
	defer f.Close()

	v := telemetry.NewValidator()
	var samples []telemetry.Sample
	scan := bufio.NewScanner(f)
	line := 0
	for scan.Scan() {
		line++
		text := strings.TrimSpace(scan.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var raw telemetry.Raw
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			return nil, fmt.Errorf("fixture line %d: %w", line, err)
		}
		s, err := v.Canonicalize(raw)
		if err != nil {
			return nil, fmt.Errorf("fixture line %d: %w", line, err)
		}
		if s.TrackName == "" {
			s.TrackName = desc.TrackDisplayName
		}
		if s.CarName == "" {
			s.CarName = desc.CarScreenName
		}
		samples = append(samples, s)
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	return NewReplayConnector(desc, samples), nil
}

// Connect marks the replay as live and rewinds it.
func (r *ReplayConnector) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = true
	r.pos = 0
	r.sessionHit = false
	return nil
}

// Disconnect marks the replay as stopped.
func (r *ReplayConnector) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = false
	return nil
}

// IsConnected reports whether the replay is live.
func (r *ReplayConnector) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// PollTelemetry returns the next recorded sample. When the recording is
// exhausted it either loops or reports ErrDisconnected.
func (r *ReplayConnector) PollTelemetry(ctx context.Context) (*telemetry.Sample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return nil, ErrDisconnected
	}
	if r.pos >= len(r.samples) {
		if r.Loop && len(r.samples) > 0 {
			r.pos = 0
			r.sessionHit = false
		} else {
			r.connected = false
			return nil, ErrDisconnected
		}
	}
	s := r.samples[r.pos]
	r.pos++
	return &s, nil
}

// PollSession returns the descriptor once per connection; afterwards it
// reports no new data.
func (r *ReplayConnector) PollSession(ctx context.Context) (*telemetry.SessionDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return nil, ErrDisconnected
	}
	if r.sessionHit {
		return nil, nil
	}
	r.sessionHit = true
	d := r.desc
	return &d, nil
}
