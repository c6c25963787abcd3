package msgqueue

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// pollInterval is how often the dispatcher checks for pending work. Delivery
// pacing comes from the token buckets, not from this.
const pollInterval = 100 * time.Millisecond

// Dispatcher drains the queue at a token-bucket pace and hands each message
// to the publish callback (the UI hub). Two buckets apply: a short-term pace
// for clusters and an overall per-minute chattiness cap. Safety-priority
// messages bypass both.
type Dispatcher struct {
	queue   *Queue
	pace    *rate.Limiter
	perMin  *rate.Limiter
	publish func(Message)
}

// NewDispatcher paces delivery at one message per interval with the given
// burst (defaults 2s / 3), capped at maxPerMinute overall (default 4).
func NewDispatcher(q *Queue, publish func(Message), interval time.Duration, burst, maxPerMinute int) *Dispatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if burst <= 0 {
		burst = 3
	}
	if maxPerMinute <= 0 {
		maxPerMinute = 4
	}
	return &Dispatcher{
		queue:   q,
		pace:    rate.NewLimiter(rate.Every(interval), burst),
		perMin:  rate.NewLimiter(rate.Limit(float64(maxPerMinute)/60), maxPerMinute),
		publish: publish,
	}
}

// SetPace swaps the short-term delivery rate, used by coaching-mode changes.
func (d *Dispatcher) SetPace(interval time.Duration, burst int) {
	d.pace.SetLimit(rate.Every(interval))
	d.pace.SetBurst(burst)
}

// Run delivers until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick()
		}
	}
}

// Tick dispatches as many pending messages as the token buckets allow right
// now. Exposed so tests can drive delivery without the run loop.
func (d *Dispatcher) Tick() int {
	n := 0
	for d.queue.Len() > 0 {
		prio, ok := d.queue.PeekPriority()
		if !ok {
			break
		}
		if prio < bypassPriority {
			if !d.pace.Allow() {
				break
			}
			if !d.perMin.Allow() {
				break
			}
		}
		msg := d.queue.Next()
		if msg == nil {
			break
		}
		d.queue.MarkDispatched(msg)
		if d.publish != nil {
			d.publish(*msg)
		}
		n++
	}
	return n
}
