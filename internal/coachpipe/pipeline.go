// Package coachpipe wires the stages of the coaching pipeline together:
// telemetry fan-in, lap timing, windowed context, corner analysis, mistake
// tracking, insight generation, and queue admission. One goroutine owns the
// whole data path; remote enrichment, the queue, and the hub handle their own
// concurrency.
package coachpipe

import (
	"context"
	"time"

	"github.com/apex-data/racecoach/internal/analysis"
	"github.com/apex-data/racecoach/internal/coach"
	"github.com/apex-data/racecoach/internal/fanout"
	"github.com/apex-data/racecoach/internal/history"
	"github.com/apex-data/racecoach/internal/laps"
	"github.com/apex-data/racecoach/internal/mistakes"
	"github.com/apex-data/racecoach/internal/msgqueue"
	"github.com/apex-data/racecoach/internal/telemetry"
	"github.com/apex-data/racecoach/internal/timeutil"
	"github.com/apex-data/racecoach/internal/track"
	"github.com/apex-data/racecoach/internal/ui"
	"github.com/apex-data/racecoach/internal/window"
)

// Snapshot bounds around an event, in seconds of session time.
const (
	snapshotPreS  = 10.0
	snapshotPostS = 2.0
)

// idleCheckInterval is how often the run loop checks for a stale feed.
const idleCheckInterval = time.Second

// Config holds the pipeline dependencies. TelemetryBus, SessionBus, Refs,
// Tracker, Queue, and Engine are required; Hub, Tracks, and History are
// optional.
type Config struct {
	TelemetryBus *fanout.Bus[telemetry.Sample]
	SessionBus   *fanout.Bus[telemetry.SessionDescriptor]

	Tracks  *track.Store
	Refs    *laps.ReferenceManager
	Tracker *mistakes.Tracker
	Queue   *msgqueue.Queue
	Engine  *coach.Engine
	Hub     *ui.Hub
	History *history.Recorder
	Clock   timeutil.Clock

	SectorBoundaries []float64
	BufferDurationS  float64
	SampleHz         float64
	Mode             string
	// IdleTimeout ends the session when no sample arrives for this long.
	// Default 60 s.
	IdleTimeout time.Duration
}

// Pipeline is the single-goroutine data path. Construct with New, drive with
// Run; SetMode and Status are safe to call from other goroutines because they
// only touch concurrency-safe components.
type Pipeline struct {
	cfg Config

	buffer  *window.Buffer
	local   *coach.LocalCoach
	micro   *analysis.MicroAnalyzer
	segment *analysis.SegmentAnalyzer
	lapman  *laps.Manager

	desc       telemetry.SessionDescriptor
	active     bool
	sessionID  string
	lastSample time.Time
	mode       string

	samplesIn int
	lapsDone  int
}

// New assembles a pipeline from its dependencies.
func New(cfg Config) *Pipeline {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.BufferDurationS <= 0 {
		cfg.BufferDurationS = 30
	}
	if cfg.SampleHz <= 0 {
		cfg.SampleHz = 60
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = "intermediate"
	}

	p := &Pipeline{
		cfg:     cfg,
		buffer:  window.NewBuffer(cfg.BufferDurationS, cfg.SampleHz),
		local:   coach.NewLocalCoach(cfg.Clock),
		micro:   analysis.NewMicroAnalyzer(nil, cfg.Refs),
		segment: analysis.NewSegmentAnalyzer(nil, cfg.Clock),
		mode:    cfg.Mode,
	}
	p.lapman = laps.NewManager(cfg.SectorBoundaries, cfg.Refs, laps.Events{
		LapCompleted:    p.onLap,
		SectorCompleted: p.onSector,
		SessionBoundary: p.onBoundary,
	})
	p.cfg.Queue.SetMode(cfg.Mode)
	p.cfg.Engine.SetMode(cfg.Mode)
	return p
}

// SetMode switches the coaching mode across the engine and queue.
func (p *Pipeline) SetMode(mode string) {
	p.mode = mode
	p.cfg.Queue.SetMode(mode)
	p.cfg.Engine.SetMode(mode)
	diagf("coaching mode set to %s", mode)
}

// Status returns the counters served to get_status requests.
func (p *Pipeline) Status() any {
	remote, local := p.cfg.Engine.Counts()
	return map[string]any{
		"mode":           p.mode,
		"session_active": p.active,
		"samples":        p.samplesIn,
		"laps":           p.lapsDone,
		"queue":          p.cfg.Queue.Stats(),
		"remote_count":   remote,
		"local_count":    local,
	}
}

// Run consumes the buses until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	tid, samples := p.cfg.TelemetryBus.Subscribe()
	defer p.cfg.TelemetryBus.Unsubscribe(tid)
	sid, descs := p.cfg.SessionBus.Subscribe()
	defer p.cfg.SessionBus.Unsubscribe(sid)

	idle := time.NewTicker(idleCheckInterval)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			p.endSession("shutdown")
			return ctx.Err()
		case d, ok := <-descs:
			if !ok {
				return nil
			}
			p.onDescriptor(ctx, d)
		case s, ok := <-samples:
			if !ok {
				return nil
			}
			p.onSample(ctx, s)
		case <-idle.C:
			p.checkIdle()
		}
	}
}

// checkIdle ends the session when the telemetry feed has gone quiet.
func (p *Pipeline) checkIdle() {
	if p.active && p.cfg.Clock.Since(p.lastSample) >= p.cfg.IdleTimeout {
		opsf("no telemetry for %v, ending session", p.cfg.IdleTimeout)
		p.endSession("idle_timeout")
	}
}

// onDescriptor handles the slow session poll. A change of track, car, or
// session kind is a hard boundary: everything session-scoped resets.
func (p *Pipeline) onDescriptor(ctx context.Context, d telemetry.SessionDescriptor) {
	if p.active && p.desc.SameSession(d) {
		return
	}
	if p.active {
		opsf("session change %s -> %s", p.desc.Key(), d.Key())
		p.endSession("session_change")
	}
	p.startSession(ctx, d)
}

func (p *Pipeline) startSession(ctx context.Context, d telemetry.SessionDescriptor) {
	var layout *track.Layout
	if p.cfg.Tracks != nil {
		layout = p.cfg.Tracks.Layout(ctx, d.TrackDisplayName)
	} else {
		layout = track.Degenerate(d.TrackDisplayName)
	}

	p.cfg.Refs.StartSession(d.TrackDisplayName, d.CarScreenName, layout)
	p.micro.SetLayout(layout)
	p.micro.Reset()
	p.segment.SetLayout(layout)
	p.lapman.Reset()
	p.buffer.Reset()
	p.buffer.SetSession(window.SessionHeader{
		Track: d.TrackDisplayName,
		Car:   d.CarScreenName,
		Kind:  string(d.SessionKind),
	})
	p.cfg.Tracker.Reset()
	p.local.Reset()
	if dropped := p.cfg.Queue.Drain(); len(dropped) > 0 {
		diagf("drained %d pending messages on session start", len(dropped))
	}

	if p.cfg.History != nil {
		id, err := p.cfg.History.StartSession(history.Descriptor{
			Track:       d.TrackDisplayName,
			Car:         d.CarScreenName,
			SessionKind: string(d.SessionKind),
		})
		if err != nil {
			opsf("history session start failed: %v", err)
		}
		p.sessionID = id
	}

	p.desc = d
	p.active = true
	p.lapsDone = 0
	p.lastSample = p.cfg.Clock.Now()
	opsf("session started: %s / %s (%s), %d track segments",
		d.TrackDisplayName, d.CarScreenName, d.SessionKind, len(layout.Segments))

	if p.cfg.Hub != nil {
		p.cfg.Hub.PublishSession(d)
	}
}

// endSession flushes session-scoped state to history. Safe to call when no
// session is active.
func (p *Pipeline) endSession(reason string) {
	if !p.active {
		return
	}
	p.active = false
	if p.cfg.History != nil && p.sessionID != "" {
		var refs []*laps.ReferenceLap
		for _, role := range p.cfg.Refs.Roles() {
			refs = append(refs, p.cfg.Refs.Get(role))
		}
		err := p.cfg.History.EndSession(p.sessionID, reason,
			p.cfg.Tracker.Summary(), p.cfg.Tracker.PersistentMistakes(), refs)
		if err != nil {
			opsf("history session end failed: %v", err)
		}
	}
	p.sessionID = ""
	diagf("session ended: %s", reason)
}

func (p *Pipeline) onSample(ctx context.Context, s telemetry.Sample) {
	if !p.active {
		// Telemetry before the first descriptor poll lands; synthesize a
		// descriptor from the sample so the session starts without waiting.
		p.startSession(ctx, telemetry.SessionDescriptor{
			TrackDisplayName: s.TrackName,
			CarScreenName:    s.CarName,
			SessionKind:      s.SessionKind,
			StartedAt:        p.cfg.Clock.Now(),
		})
	}
	p.lastSample = p.cfg.Clock.Now()
	p.samplesIn++

	p.lapman.Ingest(s)
	p.buffer.Push(s)
	if ma := p.micro.Ingest(s); ma != nil {
		p.onMicro(ma)
	}

	if p.cfg.Hub != nil {
		p.cfg.Hub.PublishTelemetry(p.telemetryView(&s))
	}
}

// onMicro routes one corner analysis through the mistake tracker and the
// coaching decision path.
func (p *Pipeline) onMicro(ma *analysis.MicroAnalysis) {
	tracef("corner %s lap %d: loss %.3fs, %d patterns", ma.Corner, ma.Lap, ma.TimeLoss, len(ma.Patterns))

	for _, ev := range p.cfg.Tracker.Observe(ma) {
		p.buffer.RecordEvent(window.Event{
			Time:     ev.Time,
			Corner:   ev.Corner,
			Kind:     string(ev.Type),
			Severity: ev.Severity,
		})
	}

	ins := p.local.FromMicro(ma)
	if ins == nil {
		return
	}
	ins.Context = p.buffer.Snapshot(ma.Time, snapshotPreS, snapshotPostS)
	p.offer(ins)
}

// onLap runs the per-lap segment analysis and records the lap to history.
func (p *Pipeline) onLap(rec *laps.LapRecord, personalBest bool) {
	p.lapsDone++
	diagf("lap %d complete: %.3fs valid=%v outlier=%v pb=%v",
		rec.Lap, rec.TotalTime, rec.Valid, rec.Outlier, personalBest)

	_, insights := p.segment.AnalyzeLap(rec)
	for _, si := range insights {
		ins := p.local.FromSegment(si, rec.StartTime+rec.TotalTime)
		if ins == nil {
			continue
		}
		p.offer(ins)
	}

	if p.cfg.History != nil && p.sessionID != "" {
		if err := p.cfg.History.RecordLap(p.sessionID, rec); err != nil {
			opsf("history lap record failed: %v", err)
		}
	}

	if p.cfg.Hub != nil {
		p.cfg.Hub.PublishSession(map[string]any{
			"lap":           rec.Lap,
			"lap_time":      rec.TotalTime,
			"sector_times":  rec.SectorTimes,
			"valid":         rec.Valid,
			"personal_best": personalBest,
		})
	}
}

func (p *Pipeline) onSector(idx int, seconds float64) {
	tracef("sector %d: %.3fs", idx+1, seconds)
}

// onBoundary handles a feed reset detected by the lap manager.
func (p *Pipeline) onBoundary(reason string) {
	opsf("session boundary: %s", reason)
	p.endSession(reason)
}

// offer runs the local/remote decision and hands the result to the queue.
// Remote enrichment happens on the engine's worker; only the queue hand-off
// runs here.
func (p *Pipeline) offer(ins *coach.Insight) {
	p.cfg.Engine.Submit(ins, func(decided *coach.Insight) {
		if ok, reason := p.cfg.Queue.Offer(decided); !ok {
			tracef("message rejected (%s): %s", reason, decided.Text)
		}
	})
}

// telemetryView projects a sample for the UI, including the live delta to the
// personal best where one exists.
func (p *Pipeline) telemetryView(s *telemetry.Sample) ui.TelemetryView {
	v := ui.TelemetryView{
		SessionTime: s.SessionTime,
		Lap:         s.Lap,
		LapDistPct:  s.LapDistPct,
		Speed:       s.SpeedKmh,
		RPM:         s.RPM,
		Gear:        s.Gear,
		Throttle:    s.Throttle,
		Brake:       s.Brake,
		FuelLevel:   s.FuelLevel,
	}
	if delta, ok := p.deltaToBest(s); ok {
		v.DeltaToBest = delta
		v.HasDelta = true
	}
	return v
}

// deltaToBest compares the current lap's elapsed time against the personal
// best's elapsed time at the same lap fraction, interpolated piecewise over
// the best lap's sector times.
func (p *Pipeline) deltaToBest(s *telemetry.Sample) (float64, bool) {
	if s.LapCurrentTime < 0 {
		return 0, false
	}
	pb := p.cfg.Refs.Get(laps.RolePersonalBest)
	if pb == nil || pb.LapTime <= 0 {
		return 0, false
	}

	bounds := p.cfg.SectorBoundaries
	if len(bounds) == 0 {
		bounds = laps.DefaultSectorBoundaries
	}
	if len(pb.SectorTimes) != len(bounds) {
		// Sector layout changed since the reference was saved; fall back to a
		// linear share of the best lap time.
		return s.LapCurrentTime - pb.LapTime*s.LapDistPct, true
	}

	best := 0.0
	for i, start := range bounds {
		end := 1.0
		if i+1 < len(bounds) {
			end = bounds[i+1]
		}
		if s.LapDistPct >= end {
			best += pb.SectorTimes[i]
			continue
		}
		if s.LapDistPct > start {
			best += pb.SectorTimes[i] * (s.LapDistPct - start) / (end - start)
		}
		break
	}
	return s.LapCurrentTime - best, true
}
