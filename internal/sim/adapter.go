package sim

import (
	"context"
	"math/rand"
	"time"

	"github.com/apex-data/racecoach/internal/fanout"
	"github.com/apex-data/racecoach/internal/monitoring"
	"github.com/apex-data/racecoach/internal/telemetry"
)

// AdapterConfig holds the polling and backoff parameters for the Adapter.
type AdapterConfig struct {
	// PollInterval is the telemetry polling period. Default 16.7 ms (~60 Hz).
	PollInterval time.Duration
	// SessionInterval is the session descriptor polling period. Default 5 s.
	SessionInterval time.Duration
	// BackoffBase is the initial reconnect delay. Default 1 s.
	BackoffBase time.Duration
	// BackoffCap bounds the reconnect delay. Default 10 s.
	BackoffCap time.Duration
}

func (c *AdapterConfig) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 16700 * time.Microsecond
	}
	if c.SessionInterval <= 0 {
		c.SessionInterval = 5 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 10 * time.Second
	}
}

// Adapter polls a Connector on a steady loop and publishes canonical samples
// and session descriptors to the fan-out buses. Samples that fail validation
// are dropped with a counter increment; a poll error triggers a disconnect
// event and jittered backoff before reconnecting.
type Adapter struct {
	conn         Connector
	cfg          AdapterConfig
	validator    *telemetry.Validator
	telemetryBus *fanout.Bus[telemetry.Sample]
	sessionBus   *fanout.Bus[telemetry.SessionDescriptor]

	lastTime float64
	hasLast  bool
}

// NewAdapter wires a connector to the two buses.
func NewAdapter(conn Connector, cfg AdapterConfig,
	telemetryBus *fanout.Bus[telemetry.Sample],
	sessionBus *fanout.Bus[telemetry.SessionDescriptor]) *Adapter {
	cfg.defaults()
	return &Adapter{
		conn:         conn,
		cfg:          cfg,
		validator:    telemetry.NewValidator(),
		telemetryBus: telemetryBus,
		sessionBus:   sessionBus,
	}
}

// ValidatorStats exposes the schema-drop counters for the status endpoint.
func (a *Adapter) ValidatorStats() *telemetry.ValidatorStats {
	return a.validator.Stats()
}

// Run drives the polling loop until ctx is cancelled. It returns ctx.Err() on
// cancellation; connection failures are handled internally with backoff.
func (a *Adapter) Run(ctx context.Context) error {
	backoff := a.cfg.BackoffBase
	for {
		if err := a.conn.Connect(ctx); err != nil {
			monitoring.Logf("[sim] connect failed: %v (retrying in %v)", err, backoff)
			if !sleepCtx(ctx, jitter(backoff)) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, a.cfg.BackoffCap)
			continue
		}
		backoff = a.cfg.BackoffBase
		a.validator.Reset()
		a.hasLast = false

		if err := a.pollLoop(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			monitoring.Logf("[sim] connection lost: %v (reconnecting in %v)", err, backoff)
			if !sleepCtx(ctx, jitter(backoff)) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, a.cfg.BackoffCap)
		}
	}
}

// pollLoop polls telemetry and session data on their respective periods until
// the connection drops or ctx is cancelled.
func (a *Adapter) pollLoop(ctx context.Context) error {
	telemetryTick := time.NewTicker(a.cfg.PollInterval)
	defer telemetryTick.Stop()
	sessionTick := time.NewTicker(a.cfg.SessionInterval)
	defer sessionTick.Stop()

	// Prime the session descriptor immediately rather than waiting a period.
	if err := a.pollSession(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-telemetryTick.C:
			if err := a.pollTelemetry(ctx); err != nil {
				return err
			}
		case <-sessionTick.C:
			if err := a.pollSession(ctx); err != nil {
				return err
			}
		}
	}
}

func (a *Adapter) pollTelemetry(ctx context.Context) error {
	s, err := a.conn.PollTelemetry(ctx)
	if err != nil {
		return err
	}
	if s == nil {
		return nil
	}
	// A timestamp regression on a live connection means the simulator reset;
	// treat it as a hard session boundary and accept the new epoch.
	if a.hasLast && s.SessionTime < a.lastTime {
		monitoring.Logf("[sim] timestamp regression %.3f -> %.3f, session boundary", a.lastTime, s.SessionTime)
		a.validator.Reset()
	}
	a.lastTime = s.SessionTime
	a.hasLast = true

	if !a.validator.Check(s) {
		return nil
	}
	a.telemetryBus.Publish(*s)
	return nil
}

func (a *Adapter) pollSession(ctx context.Context) error {
	d, err := a.conn.PollSession(ctx)
	if err != nil {
		return err
	}
	if d == nil {
		return nil
	}
	a.sessionBus.Publish(*d)
	return nil
}

// jitter spreads reconnect attempts over [d/2, d) to avoid thundering polls
// against a simulator that is starting up.
func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func nextBackoff(d, cap time.Duration) time.Duration {
	d *= 2
	if d > cap {
		d = cap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
