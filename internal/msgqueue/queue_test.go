package msgqueue

import (
	"fmt"
	"testing"
	"time"

	"github.com/apex-data/racecoach/internal/coach"
	"github.com/apex-data/racecoach/internal/timeutil"
)

func insight(text string, cat coach.Category, prio int) *coach.Insight {
	return &coach.Insight{
		Text:       text,
		Category:   cat,
		Priority:   prio,
		Confidence: 0.8,
		Source:     coach.SourceLocal,
	}
}

func TestSchemaRejection(t *testing.T) {
	q := New(timeutil.NewMockClock(time.Unix(1000, 0)))
	if ok, reason := q.Offer(insight("", coach.CategoryBraking, 5)); ok || reason != RejectSchema {
		t.Errorf("empty text admitted: %v %s", ok, reason)
	}
	if ok, reason := q.Offer(insight("x", "telemetry", 5)); ok || reason != RejectSchema {
		t.Errorf("unknown category admitted: %v %s", ok, reason)
	}
}

func TestPriorityOrderingFIFOWithinPriority(t *testing.T) {
	q := New(timeutil.NewMockClock(time.Unix(1000, 0)))
	q.Offer(insight("low first", coach.CategoryBraking, 3))
	q.Offer(insight("high", coach.CategoryThrottle, 7))
	q.Offer(insight("carry more speed into the corner", coach.CategoryCornering, 3))

	if m := q.Next(); m.Text != "high" {
		t.Errorf("first pop = %q, want the high-priority message", m.Text)
	}
	if m := q.Next(); m.Text != "low first" {
		t.Errorf("second pop = %q, want FIFO within equal priority", m.Text)
	}
}

func TestDedupWindowsAndPriorityBypass(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	q := New(clock)

	q.Offer(insight("brake earlier into turn 1", coach.CategoryBraking, 5))
	if m := q.Next(); m != nil {
		q.MarkDispatched(m)
	}

	// Same text inside the 12s frontend window.
	clock.Advance(9 * time.Second)
	if ok, reason := q.Offer(insight("brake earlier into turn 1", coach.CategoryBraking, 5)); ok || reason != RejectDupFront {
		t.Errorf("duplicate admitted inside frontend window: %v %s", ok, reason)
	}

	// After the window expires the text is admissible again.
	clock.Advance(4 * time.Second)
	if ok, _ := q.Offer(insight("brake earlier into turn 1", coach.CategoryBraking, 5)); !ok {
		t.Error("text still suppressed after frontend window expiry")
	}
}

func TestCriticalPriorityBypassesDedup(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	q := New(clock)

	q.Offer(insight("brake earlier into turn 1", coach.CategoryBraking, 5))
	if m := q.Next(); m != nil {
		q.MarkDispatched(m)
	}
	clock.Advance(3 * time.Second)

	// Priority >= 8 ignores both dedup windows and the category cooldown.
	if ok, _ := q.Offer(insight("brake earlier into turn 1", coach.CategorySafety, 9)); !ok {
		t.Fatal("critical message blocked by an active dedup window")
	}
	if m := q.Next(); m == nil || m.Priority != 9 {
		t.Error("critical message not queued for immediate dispatch")
	}
}

func TestBackendDedupOnQueuedText(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	q := New(clock)

	q.Offer(insight("short shift on the exit", coach.CategoryThrottle, 5))
	clock.Advance(5 * time.Second)
	if ok, reason := q.Offer(insight("short shift on the exit", coach.CategoryThrottle, 5)); ok || reason != RejectDupBack {
		t.Errorf("backend duplicate admitted: %v %s", ok, reason)
	}
	clock.Advance(4 * time.Second)
	if ok, _ := q.Offer(insight("short shift on the exit", coach.CategoryThrottle, 5)); !ok {
		t.Error("text still suppressed after backend window expiry")
	}
}

func TestSemanticCombination(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	q := New(clock)

	a := insight("Throttle too early in ascari, let the car rotate first", coach.CategoryThrottle, 5)
	a.Corner = "ascari"
	if ok, _ := q.Offer(a); !ok {
		t.Fatal("first throttle message rejected")
	}

	clock.Advance(2 * time.Second)
	b := insight("Getting to the throttle too early out of ascari as well", coach.CategoryThrottle, 7)
	b.Corner = "ascari"
	if ok, _ := q.Offer(b); !ok {
		t.Fatal("second throttle message rejected instead of combined")
	}

	if q.Len() != 1 {
		t.Fatalf("queue length = %d after combination, want 1", q.Len())
	}
	m := q.Next()
	if m.Priority != 7 {
		t.Errorf("combined priority = %d, want max of inputs (7)", m.Priority)
	}
	if m.Confidence != 0.8 {
		t.Errorf("combined confidence = %f, want mean 0.8", m.Confidence)
	}
	if m.Source != coach.SourceCombined {
		t.Errorf("combined source = %s", m.Source)
	}
	if len(m.Secondary) != 2 {
		t.Errorf("secondary messages = %v, want both originals", m.Secondary)
	}
}

func TestNoCombinationOutsideWindow(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	q := New(clock)

	q.Offer(insight("Throttle too early in ascari, let the car rotate first", coach.CategoryThrottle, 5))
	clock.Advance(4 * time.Second)
	// Outside the 3s combination window; also outside cooldown? No: cooldown
	// is 8s, so this is rejected by cooldown rather than combined.
	ok, reason := q.Offer(insight("Late on the power out of ascari, commit to the throttle", coach.CategoryThrottle, 5))
	if ok || reason != RejectCooldown {
		t.Errorf("got %v %s, want category cooldown rejection", ok, reason)
	}
	if q.Len() != 1 {
		t.Errorf("queue length = %d, want 1 (no combination)", q.Len())
	}
}

func TestCategoryCooldownBypass(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	q := New(clock)

	q.Offer(insight("inputs are busy, smooth it out", coach.CategoryConsistency, 5))
	clock.Advance(5 * time.Second)
	if ok, _ := q.Offer(insight("very different text entirely", coach.CategoryConsistency, 9)); !ok {
		t.Error("priority 9 blocked by category cooldown")
	}
}

func TestCapacityEvictsLowestPriorityOldest(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	q := New(clock)

	for i := 0; i < DefaultCapacity; i++ {
		// Distinct categories sidestep cooldown; cycle through them.
		cat := []coach.Category{coach.CategoryBraking, coach.CategoryThrottle,
			coach.CategoryCornering, coach.CategoryRacingLine}[i%4]
		prio := 4
		if i == 0 {
			prio = 2 // the eviction victim
		}
		q.Offer(insight(fmt.Sprintf("message %d", i), cat, prio))
		clock.Advance(10 * time.Second)
	}
	if q.Len() != DefaultCapacity {
		t.Fatalf("queue length = %d, want %d", q.Len(), DefaultCapacity)
	}

	q.Offer(insight("overflow arrival", coach.CategorySafety, 6))
	if q.Len() != DefaultCapacity {
		t.Fatalf("queue length after overflow = %d, want %d", q.Len(), DefaultCapacity)
	}
	st := q.Stats()
	if st.Evicted != 1 {
		t.Errorf("evicted = %d, want 1", st.Evicted)
	}
	// The priority-2 message is gone; everything popped is >= 4.
	for m := q.Next(); m != nil; m = q.Next() {
		if m.Priority < 4 {
			t.Errorf("evicted the wrong message, found priority %d", m.Priority)
		}
	}
}

func TestRaceModeFiltersLowPriority(t *testing.T) {
	q := New(timeutil.NewMockClock(time.Unix(1000, 0)))
	q.SetMode("race")
	if ok, reason := q.Offer(insight("minor line note", coach.CategoryRacingLine, 3)); ok || reason != RejectPriority {
		t.Errorf("race mode admitted priority 3: %v %s", ok, reason)
	}
	if ok, _ := q.Offer(insight("box this lap", coach.CategoryStrategy, 7)); !ok {
		t.Error("race mode rejected priority 7")
	}
}

func TestHistoryRingBounded(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	q := New(clock)
	q.histCap = 5

	for i := 0; i < 8; i++ {
		m := &Message{ID: fmt.Sprintf("m%d", i), Text: fmt.Sprintf("t%d", i), Category: coach.CategoryGeneral}
		q.MarkDispatched(m)
	}
	h := q.History(0)
	if len(h) != 5 {
		t.Fatalf("history length = %d, want 5", len(h))
	}
	if h[0].Text != "t3" || h[4].Text != "t7" {
		t.Errorf("history window = %v", h)
	}
	if got := q.History(2); len(got) != 2 || got[1].Text != "t7" {
		t.Errorf("History(2) = %v", got)
	}
}

func TestDrainForSessionChange(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	q := New(clock)
	q.Offer(insight("a", coach.CategoryBraking, 5))
	q.Offer(insight("b", coach.CategoryThrottle, 5))

	dropped := q.Drain()
	if len(dropped) != 2 || q.Len() != 0 {
		t.Errorf("drain dropped %d, queue len %d", len(dropped), q.Len())
	}
	// Dedup state cleared: the same text is admissible immediately.
	if ok, _ := q.Offer(insight("a", coach.CategoryBraking, 5)); !ok {
		t.Error("dedup state survived drain")
	}
}

func TestDispatcherPacing(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	q := New(clock)
	cats := []coach.Category{coach.CategoryBraking, coach.CategoryThrottle,
		coach.CategoryCornering, coach.CategoryRacingLine, coach.CategoryConsistency}
	for i := 0; i < 5; i++ {
		q.Offer(insight(fmt.Sprintf("msg %d", i), cats[i], 5))
	}

	var delivered []Message
	d := NewDispatcher(q, func(m Message) { delivered = append(delivered, m) }, 2*time.Second, 3, 0)

	// Burst of 3 immediately, then the bucket is empty.
	if n := d.Tick(); n != 3 {
		t.Fatalf("first tick delivered %d, want burst of 3", n)
	}
	if n := d.Tick(); n != 0 {
		t.Errorf("second immediate tick delivered %d, want 0", n)
	}
	if len(delivered) != 3 {
		t.Errorf("delivered = %d", len(delivered))
	}
	if q.Stats().Dispatched != 3 {
		t.Errorf("dispatched counter = %d, want 3", q.Stats().Dispatched)
	}
}

func TestDispatcherPerMinuteCapAndSafetyBypass(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	q := New(clock)
	cats := []coach.Category{coach.CategoryBraking, coach.CategoryThrottle,
		coach.CategoryCornering, coach.CategoryRacingLine, coach.CategoryConsistency}
	for i := 0; i < 5; i++ {
		q.Offer(insight(fmt.Sprintf("msg %d", i), cats[i], 5))
	}

	var delivered []Message
	// Generous short-term pace so the 2/min cap is what binds.
	d := NewDispatcher(q, func(m Message) { delivered = append(delivered, m) }, time.Millisecond, 10, 2)

	if n := d.Tick(); n != 2 {
		t.Fatalf("first tick delivered %d, want per-minute cap of 2", n)
	}
	if n := d.Tick(); n != 0 {
		t.Errorf("capped tick delivered %d, want 0", n)
	}

	// Safety messages are delivered regardless of exhausted buckets.
	if ok, _ := q.Offer(insight("oversteer, slow hands", coach.CategorySafety, 9)); !ok {
		t.Fatal("safety insight rejected")
	}
	if n := d.Tick(); n != 1 {
		t.Errorf("safety tick delivered %d, want 1", n)
	}
	if delivered[len(delivered)-1].Priority != 9 {
		t.Errorf("last delivered priority = %d, want 9", delivered[len(delivered)-1].Priority)
	}
}
