// Package fanout provides a multi-subscriber broadcast bus with bounded
// per-subscriber queues. The producer never blocks: the telemetry bus drops
// the oldest queued sample on subscriber overflow (freshness beats
// completeness at 60 Hz), while the session bus spills overflow to an
// unbounded backlog because session events are rare and must not be lost.
package fanout

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"

	"github.com/apex-data/racecoach/internal/monitoring"
)

// Policy selects the overflow behaviour for a bus.
type Policy int

const (
	// DropOldest discards the oldest queued item to make room for the new one.
	DropOldest Policy = iota
	// NoDrop never discards: overflow spills to an unbounded per-subscriber
	// backlog and a forwarder goroutine feeds the channel as the consumer
	// drains. Backlog growth is logged because it indicates a stuck consumer.
	NoDrop
)

// SubscriberStats is a point-in-time view of one subscriber queue.
type SubscriberStats struct {
	ID     string `json:"id"`
	Depth  int    `json:"depth"`
	Queued int    `json:"queued"`
	Drops  uint64 `json:"drops"`
}

type subscriber[T any] struct {
	ch    chan T
	drops atomic.Uint64

	// Lossless state, used only on NoDrop buses. The forwarder goroutine
	// owns closing ch.
	lossless bool
	mu       sync.Mutex
	cond     *sync.Cond
	spill    []T
	stopped  bool
	quit     chan struct{}
}

// Bus is a multi-producer/multi-subscriber broadcast channel. Each subscriber
// receives items in publish order over its own bounded queue.
type Bus[T any] struct {
	name   string
	depth  int
	policy Policy

	mu     sync.Mutex
	subs   map[string]*subscriber[T]
	closed bool
}

// New creates a bus with the given default per-subscriber queue depth.
func New[T any](name string, depth int, policy Policy) *Bus[T] {
	if depth < 1 {
		depth = 1
	}
	return &Bus[T]{
		name:   name,
		depth:  depth,
		policy: policy,
		subs:   make(map[string]*subscriber[T]),
	}
}

// randomID generates a random subscriber ID (8 byte random hex encoded value).
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a new subscriber with the bus default queue depth.
func (b *Bus[T]) Subscribe() (string, <-chan T) {
	return b.SubscribeDepth(b.depth)
}

// SubscribeDepth registers a new subscriber with an explicit queue depth.
func (b *Bus[T]) SubscribeDepth(depth int) (string, <-chan T) {
	if depth < 1 {
		depth = 1
	}
	id := randomID()
	sub := &subscriber[T]{ch: make(chan T, depth)}
	if b.policy == NoDrop {
		sub.lossless = true
		sub.cond = sync.NewCond(&sub.mu)
		sub.quit = make(chan struct{})
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return id, sub.ch
	}
	b.subs[id] = sub
	if sub.lossless {
		go sub.forward()
	}
	return id, sub.ch
}

// forward drains the spill backlog into the subscriber channel, blocking on
// the consumer rather than dropping. Runs until stop, then closes the channel.
func (s *subscriber[T]) forward() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		for len(s.spill) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		v := s.spill[0]
		s.spill = s.spill[1:]
		s.mu.Unlock()

		select {
		case s.ch <- v:
		case <-s.quit:
			return
		}
	}
}

// stop terminates the forwarder. The forwarder closes the channel on exit.
func (s *subscriber[T]) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.quit)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus[T]) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		if sub.lossless {
			sub.stop()
		} else {
			close(sub.ch)
		}
		delete(b.subs, id)
	}
}

// Publish delivers v to every subscriber without ever blocking the caller.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, sub := range b.subs {
		if sub.lossless {
			sub.mu.Lock()
			if !sub.stopped {
				sub.spill = append(sub.spill, v)
				if n := len(sub.spill); n > cap(sub.ch) {
					monitoring.Logf("[fanout:%s] subscriber %s backlog at %d events", b.name, id, n)
				}
				sub.cond.Signal()
			}
			sub.mu.Unlock()
			continue
		}
		select {
		case sub.ch <- v:
			continue
		default:
		}
		// Queue full: evict the oldest item, then retry once. The eviction
		// and retry can both lose a race with the consumer; either way one
		// item is dropped at most.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- v:
		default:
		}
		sub.drops.Add(1)
	}
}

// Stats returns per-subscriber queue depth and drop counts.
func (b *Bus[T]) Stats() []SubscriberStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SubscriberStats, 0, len(b.subs))
	for id, sub := range b.subs {
		queued := len(sub.ch)
		if sub.lossless {
			sub.mu.Lock()
			queued += len(sub.spill)
			sub.mu.Unlock()
		}
		out = append(out, SubscriberStats{
			ID:     id,
			Depth:  cap(sub.ch),
			Queued: queued,
			Drops:  sub.drops.Load(),
		})
	}
	return out
}

// Close closes every subscriber channel and rejects further publishes.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		if sub.lossless {
			sub.stop()
		} else {
			close(sub.ch)
		}
		delete(b.subs, id)
	}
}
