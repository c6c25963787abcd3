// Package msgqueue is the bounded priority queue between the coaching
// pipeline and the UI: admission runs schema, dedup, combination, cooldown,
// and capacity policies; delivery is token-bucket paced.
package msgqueue

import (
	"container/heap"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apex-data/racecoach/internal/coach"
	"github.com/apex-data/racecoach/internal/timeutil"
)

// Defaults.
const (
	DefaultCapacity    = 64
	DefaultHistorySize = 100
	defaultDedupFront  = 12 * time.Second
	defaultDedupBack   = 8 * time.Second
	defaultCooldown    = 8 * time.Second
	defaultCombineSpan = 3 * time.Second
	bypassPriority     = 8
	combineMinKeywords = 2
)

// Message is a queued or dispatched coaching message.
type Message struct {
	ID         string         `json:"id"`
	Text       string         `json:"text"`
	Category   coach.Category `json:"category"`
	Corner     string         `json:"corner,omitempty"`
	Priority   int            `json:"priority"`
	Confidence float64        `json:"confidence"`
	TimeLoss   float64        `json:"time_loss"`
	Source     coach.Source   `json:"source"`
	Secondary  []string       `json:"secondary_messages,omitempty"`
	Audio      []byte         `json:"audio,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`

	seq int64
}

// Reject reasons reported by Offer.
const (
	RejectSchema   = "schema"
	RejectDupFront = "duplicate_frontend"
	RejectDupBack  = "duplicate_backend"
	RejectCooldown = "category_cooldown"
	RejectPriority = "below_mode_priority"
)

// Stats counts admission outcomes.
type Stats struct {
	Accepted   int `json:"accepted"`
	Combined   int `json:"combined"`
	Rejected   int `json:"rejected"`
	Evicted    int `json:"evicted"`
	Dispatched int `json:"dispatched"`
}

// Queue is the admission-controlled priority queue. Safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	clock timeutil.Clock

	items msgHeap
	seq   int64

	capacity    int
	dedupFront  time.Duration
	dedupBack   time.Duration
	cooldown    time.Duration
	combineSpan time.Duration
	minPriority int
	perCategory map[coach.Category]time.Duration

	lastDispatch map[string]time.Time         // text -> dispatch time
	lastEnqueue  map[string]time.Time         // text -> enqueue time
	lastCategory map[coach.Category]time.Time // category -> accept time
	enqueuedAt   map[string]time.Time         // message id -> enqueue time

	history []Message
	histCap int
	stats   Stats
}

// New creates a queue with the default policy set.
func New(clock timeutil.Clock) *Queue {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Queue{
		clock:        clock,
		capacity:     DefaultCapacity,
		dedupFront:   defaultDedupFront,
		dedupBack:    defaultDedupBack,
		cooldown:     defaultCooldown,
		combineSpan:  defaultCombineSpan,
		perCategory:  make(map[coach.Category]time.Duration),
		lastDispatch: make(map[string]time.Time),
		lastEnqueue:  make(map[string]time.Time),
		lastCategory: make(map[coach.Category]time.Time),
		enqueuedAt:   make(map[string]time.Time),
		histCap:      DefaultHistorySize,
	}
}

// Tune overrides the admission windows. Zero or negative values keep the
// current setting. Called once at wiring time, before the data path runs.
func (q *Queue) Tune(cooldown, combineSpan, dedupFront, dedupBack time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cooldown > 0 {
		q.cooldown = cooldown
	}
	if combineSpan > 0 {
		q.combineSpan = combineSpan
	}
	if dedupFront > 0 {
		q.dedupFront = dedupFront
	}
	if dedupBack > 0 {
		q.dedupBack = dedupBack
	}
}

// SetCategoryCooldown overrides the cooldown for one category.
func (q *Queue) SetCategoryCooldown(c coach.Category, d time.Duration) {
	q.mu.Lock()
	q.perCategory[c] = d
	q.mu.Unlock()
}

// SetMode applies the coaching-mode preset: how chatty the queue is and what
// priority floor applies.
func (q *Queue) SetMode(mode string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch mode {
	case "beginner":
		q.cooldown = 12 * time.Second
		q.minPriority = 0
	case "advanced":
		q.cooldown = 6 * time.Second
		q.minPriority = 0
	case "race":
		// Race mode: only things worth saying on a hot lap.
		q.cooldown = 20 * time.Second
		q.minPriority = 6
	default: // intermediate
		q.cooldown = defaultCooldown
		q.minPriority = 0
	}
}

// Offer runs one insight through the admission policy. Returns whether it was
// admitted (possibly by combination) and a reject reason otherwise.
func (q *Queue) Offer(ins *coach.Insight) (bool, string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// 1. Schema.
	if ins == nil || strings.TrimSpace(ins.Text) == "" || !coach.KnownCategory(ins.Category) {
		q.stats.Rejected++
		return false, RejectSchema
	}
	if ins.Priority < q.minPriority && ins.Priority < bypassPriority {
		q.stats.Rejected++
		return false, RejectPriority
	}

	now := q.clock.Now()
	bypass := ins.Priority >= bypassPriority

	// 2. Duplicate suppression on exact text.
	if !bypass {
		if ts, ok := q.lastDispatch[ins.Text]; ok && now.Sub(ts) < q.dedupFront {
			q.stats.Rejected++
			return false, RejectDupFront
		}
		if ts, ok := q.lastEnqueue[ins.Text]; ok && now.Sub(ts) < q.dedupBack {
			q.stats.Rejected++
			return false, RejectDupBack
		}
	}

	msg := &Message{
		ID:         uuid.NewString(),
		Text:       ins.Text,
		Category:   ins.Category,
		Corner:     ins.Corner,
		Priority:   ins.Priority,
		Confidence: ins.Confidence,
		TimeLoss:   ins.TimeLoss,
		Source:     ins.Source,
		Audio:      ins.Audio,
		Timestamp:  now,
	}

	// 3. Semantic combination with recently queued same-category messages.
	if other := q.combinableLocked(msg, now); other != nil {
		combined := combine(other, msg)
		combined.seq = q.nextSeq()
		q.removeLocked(other.ID)
		q.pushLocked(combined, now)
		q.lastEnqueue[msg.Text] = now
		q.lastCategory[msg.Category] = now
		q.stats.Combined++
		return true, ""
	}

	// 4. Category cooldown.
	if !bypass {
		cd := q.cooldown
		if d, ok := q.perCategory[msg.Category]; ok {
			cd = d
		}
		if ts, ok := q.lastCategory[msg.Category]; ok && now.Sub(ts) < cd {
			q.stats.Rejected++
			return false, RejectCooldown
		}
	}

	// 5. Capacity: drop the lowest-priority oldest pending message.
	if q.items.Len() >= q.capacity {
		q.evictLocked()
	}

	msg.seq = q.nextSeq()
	q.pushLocked(msg, now)
	q.lastEnqueue[msg.Text] = now
	q.lastCategory[msg.Category] = now
	q.stats.Accepted++
	return true, ""
}

// Next pops the highest-priority pending message, nil when empty. The caller
// is the dispatcher and must follow up with MarkDispatched.
func (q *Queue) Next() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil
	}
	msg := heap.Pop(&q.items).(*Message)
	delete(q.enqueuedAt, msg.ID)
	return msg
}

// PeekPriority reports the priority of the next message without removing it.
func (q *Queue) PeekPriority() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return 0, false
	}
	return q.items[0].Priority, true
}

// MarkDispatched records a delivered message into the dedup ledger and the
// recent-history ring.
func (q *Queue) MarkDispatched(msg *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastDispatch[msg.Text] = q.clock.Now()
	q.history = append(q.history, *msg)
	if len(q.history) > q.histCap {
		q.history = q.history[1:]
	}
	q.stats.Dispatched++
}

// History returns the most recent n dispatched messages, oldest first.
func (q *Queue) History(n int) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || n > len(q.history) {
		n = len(q.history)
	}
	out := make([]Message, n)
	copy(out, q.history[len(q.history)-n:])
	return out
}

// Len returns the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Stats returns the admission counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Drain empties the pending queue and dedup state for a session change and
// returns what was discarded.
func (q *Queue) Drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Message
	for q.items.Len() > 0 {
		out = append(out, *heap.Pop(&q.items).(*Message))
	}
	q.lastDispatch = make(map[string]time.Time)
	q.lastEnqueue = make(map[string]time.Time)
	q.lastCategory = make(map[coach.Category]time.Time)
	q.enqueuedAt = make(map[string]time.Time)
	return out
}

func (q *Queue) nextSeq() int64 {
	q.seq++
	return q.seq
}

func (q *Queue) pushLocked(msg *Message, now time.Time) {
	heap.Push(&q.items, msg)
	q.enqueuedAt[msg.ID] = now
}

// combinableLocked finds a queued same-category message within the
// combination window sharing enough keywords.
func (q *Queue) combinableLocked(msg *Message, now time.Time) *Message {
	kws := categoryKeywords[msg.Category]
	if len(kws) == 0 {
		return nil
	}
	for _, other := range q.items {
		if other.Category != msg.Category {
			continue
		}
		at, ok := q.enqueuedAt[other.ID]
		if !ok || now.Sub(at) > q.combineSpan {
			continue
		}
		if sharedKeywords(msg.Text, other.Text, kws) >= combineMinKeywords {
			return other
		}
	}
	return nil
}

func (q *Queue) removeLocked(id string) {
	for i, m := range q.items {
		if m.ID == id {
			heap.Remove(&q.items, i)
			delete(q.enqueuedAt, id)
			return
		}
	}
}

// evictLocked drops the lowest-priority oldest pending message.
func (q *Queue) evictLocked() {
	victim := -1
	for i, m := range q.items {
		if victim == -1 {
			victim = i
			continue
		}
		v := q.items[victim]
		if m.Priority < v.Priority || (m.Priority == v.Priority && m.seq < v.seq) {
			victim = i
		}
	}
	if victim >= 0 {
		m := q.items[victim]
		heap.Remove(&q.items, victim)
		delete(q.enqueuedAt, m.ID)
		q.stats.Evicted++
	}
}

// msgHeap orders by priority descending, then enqueue order ascending.
type msgHeap []*Message

func (h msgHeap) Len() int { return len(h) }
func (h msgHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h msgHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *msgHeap) Push(x any)   { *h = append(*h, x.(*Message)) }
func (h *msgHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
