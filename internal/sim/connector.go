// Package sim acquires telemetry from a driving simulator and publishes it to
// the fan-out buses. The Connector interface isolates the simulator SDK so
// that a recorded-replay implementation can stand in for a live connection.
package sim

import (
	"context"
	"errors"

	"github.com/apex-data/racecoach/internal/telemetry"
)

// ErrDisconnected is returned by the poll methods when the simulator
// connection has been lost. The adapter responds with backoff and reconnect.
var ErrDisconnected = errors.New("simulator disconnected")

// Connector is the capability interface over one simulator connection.
// PollTelemetry and PollSession return (nil, nil) when no new data is
// available; the connector owns its connection lifecycle.
type Connector interface {
	// Connect establishes the connection to the simulator.
	Connect(ctx context.Context) error
	// Disconnect tears the connection down.
	Disconnect() error
	// IsConnected reports the current connection state.
	IsConnected() bool

	// PollTelemetry returns the next telemetry sample, or nil when none is
	// pending.
	PollTelemetry(ctx context.Context) (*telemetry.Sample, error)
	// PollSession returns the current session descriptor, or nil when it has
	// not changed since the last poll.
	PollSession(ctx context.Context) (*telemetry.SessionDescriptor, error)
}
