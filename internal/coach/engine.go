package coach

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/apex-data/racecoach/internal/monitoring"
	"github.com/apex-data/racecoach/internal/window"
)

// Decision thresholds.
const (
	localConfidence  = 0.8
	remoteImportance = 0.7
	lowConfidence    = 0.6
)

// remoteTimeout bounds each enrichment request.
const remoteTimeout = 5 * time.Second

// enrichQueueDepth bounds the enrichment backlog. A full backlog degrades new
// requests to local text rather than stalling the caller.
const enrichQueueDepth = 8

// RemoteCoach enriches an insight with natural-language text. Implementations
// own their network access; callers own timeout and rate budget.
type RemoteCoach interface {
	Enrich(ctx context.Context, ins *Insight, snap *window.Snapshot, mode string) (*Enrichment, error)
}

// Enrichment is the remote coach's response.
type Enrichment struct {
	Text       string  `json:"enriched_text"`
	Audio      []byte  `json:"audio,omitempty"`
	Confidence float64 `json:"confidence"`
}

// request carries one insight through the asynchronous enrichment path.
type request struct {
	ins     *Insight
	deliver func(*Insight)
}

// Engine decides per insight between local-only delivery and remote
// enrichment, under a token-bucket budget. Failure mode is always the
// original insight unchanged. Remote calls run on the Run worker, never on
// the submitting goroutine.
type Engine struct {
	remote   RemoteCoach
	limiter  *rate.Limiter
	timeout  time.Duration
	requests chan request

	mu   sync.Mutex
	mode string

	remoteCount atomic.Int64
	localCount  atomic.Int64
}

// NewEngine builds a decision engine. remote may be nil (local-only
// operation); perMinute is the remote budget (default 5).
func NewEngine(remote RemoteCoach, perMinute int) *Engine {
	if perMinute <= 0 {
		perMinute = 5
	}
	return &Engine{
		remote:   remote,
		limiter:  rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute),
		timeout:  remoteTimeout,
		requests: make(chan request, enrichQueueDepth),
		mode:     "intermediate",
	}
}

// SetMode sets the coaching mode forwarded with remote requests.
func (e *Engine) SetMode(mode string) {
	e.mu.Lock()
	e.mode = mode
	e.mu.Unlock()
}

func (e *Engine) currentMode() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Counts returns how many insights were enriched remotely vs passed local.
func (e *Engine) Counts() (remote, local int) {
	return int(e.remoteCount.Load()), int(e.localCount.Load())
}

// Submit routes one insight without blocking the caller. Local-only decisions
// deliver inline; remote candidates are handed to the Run worker and deliver
// from there. A full worker backlog degrades to the local text immediately.
func (e *Engine) Submit(ins *Insight, deliver func(*Insight)) {
	if !e.claimRemote(ins) {
		e.localCount.Add(1)
		deliver(ins)
		return
	}
	select {
	case e.requests <- request{ins: ins, deliver: deliver}:
	default:
		e.localCount.Add(1)
		deliver(ins)
	}
}

// Run services queued enrichment requests until ctx is cancelled. Pending
// requests at shutdown fail their remote call and deliver the local text.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-e.requests:
			req.deliver(e.enrich(ctx, req.ins))
		}
	}
}

// Decide routes one insight synchronously. The returned insight is always
// deliverable: remote failures and budget exhaustion degrade to the local
// text. Used where the caller already runs off the data path.
func (e *Engine) Decide(ctx context.Context, ins *Insight) *Insight {
	if !e.claimRemote(ins) {
		e.localCount.Add(1)
		return ins
	}
	return e.enrich(ctx, ins)
}

// claimRemote reports whether the insight earned a remote slot, consuming a
// budget token when it did.
func (e *Engine) claimRemote(ins *Insight) bool {
	if e.remote == nil || !e.wantsRemote(ins) {
		return false
	}
	// budget_exhausted: degrade gracefully.
	return e.limiter.Allow()
}

// enrich performs the remote call for an insight that already claimed a slot.
func (e *Engine) enrich(ctx context.Context, ins *Insight) *Insight {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	enr, err := e.remote.Enrich(ctx, ins, ins.Context, e.currentMode())
	if err != nil || enr == nil || enr.Text == "" {
		monitoring.Logf("[coach] remote enrichment failed, using local text: %v", err)
		e.localCount.Add(1)
		return ins
	}

	e.remoteCount.Add(1)
	out := *ins
	out.Text = enr.Text
	out.Audio = enr.Audio
	out.Source = SourceRemote
	if enr.Confidence > 0 {
		out.Confidence = (out.Confidence + enr.Confidence) / 2
		out.Source = SourceCombined
	}
	return &out
}

// wantsRemote applies the routing rule: local-only when confident and
// unimportant; remote when important or uncertain.
func (e *Engine) wantsRemote(ins *Insight) bool {
	if ins.Confidence >= localConfidence && ins.Importance < remoteImportance {
		return false
	}
	return ins.Importance >= remoteImportance || ins.Confidence < lowConfidence
}
