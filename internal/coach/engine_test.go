package coach

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/apex-data/racecoach/internal/window"
)

type fakeRemote struct {
	calls int
	fail  bool
}

func (f *fakeRemote) Enrich(ctx context.Context, ins *Insight, snap *window.Snapshot, mode string) (*Enrichment, error) {
	f.calls++
	if f.fail {
		return nil, fmt.Errorf("upstream 500")
	}
	return &Enrichment{Text: "enriched: " + ins.Text, Confidence: 0.9}, nil
}

func importantInsight(i int) *Insight {
	return &Insight{
		Text:       fmt.Sprintf("insight %d", i),
		Category:   CategoryBraking,
		Priority:   7,
		Confidence: 0.7,
		Importance: 0.9,
		Source:     SourceLocal,
	}
}

func TestRemoteBudgetFiveOfEight(t *testing.T) {
	remote := &fakeRemote{}
	e := NewEngine(remote, 5)

	enriched := 0
	for i := 0; i < 8; i++ {
		out := e.Decide(context.Background(), importantInsight(i))
		if out.Source != SourceLocal {
			enriched++
		}
	}
	if enriched != 5 {
		t.Errorf("enriched = %d of 8, want exactly 5", enriched)
	}
	if remote.calls != 5 {
		t.Errorf("remote calls = %d, want 5", remote.calls)
	}
}

func TestConfidentUnimportantStaysLocal(t *testing.T) {
	remote := &fakeRemote{}
	e := NewEngine(remote, 5)

	ins := &Insight{Text: "x", Category: CategoryThrottle, Confidence: 0.9, Importance: 0.3, Source: SourceLocal}
	out := e.Decide(context.Background(), ins)
	if out != ins {
		t.Error("confident low-importance insight should pass through untouched")
	}
	if remote.calls != 0 {
		t.Errorf("remote consulted %d times, want 0", remote.calls)
	}
}

func TestLowConfidenceGoesRemote(t *testing.T) {
	remote := &fakeRemote{}
	e := NewEngine(remote, 5)

	ins := &Insight{Text: "x", Category: CategoryThrottle, Confidence: 0.5, Importance: 0.4, Source: SourceLocal}
	out := e.Decide(context.Background(), ins)
	if remote.calls != 1 {
		t.Fatalf("remote calls = %d, want 1", remote.calls)
	}
	if out.Text != "enriched: x" {
		t.Errorf("text = %q", out.Text)
	}
	if out.Source != SourceCombined {
		t.Errorf("source = %s, want combined (confidence hint present)", out.Source)
	}
}

func TestRemoteFailureFallsBackToLocal(t *testing.T) {
	remote := &fakeRemote{fail: true}
	e := NewEngine(remote, 5)

	ins := importantInsight(0)
	out := e.Decide(context.Background(), ins)
	if out.Text != ins.Text || out.Source != SourceLocal {
		t.Errorf("failure must emit the original insight, got %+v", out)
	}
}

func TestNilRemoteIsLocalOnly(t *testing.T) {
	e := NewEngine(nil, 5)
	ins := importantInsight(0)
	if out := e.Decide(context.Background(), ins); out != ins {
		t.Error("nil remote should pass insights through")
	}
}

// slowRemote stalls each enrichment to expose blocking on the submit path.
type slowRemote struct {
	delay time.Duration
}

func (s *slowRemote) Enrich(ctx context.Context, ins *Insight, snap *window.Snapshot, mode string) (*Enrichment, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Enrichment{Text: "enriched: " + ins.Text}, nil
}

func TestSubmitDoesNotBlockCaller(t *testing.T) {
	e := NewEngine(&slowRemote{delay: 300 * time.Millisecond}, 60)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	delivered := make(chan *Insight, 1)
	start := time.Now()
	e.Submit(importantInsight(0), func(out *Insight) { delivered <- out })
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Submit blocked for %v with a slow remote", elapsed)
	}

	select {
	case out := <-delivered:
		if out.Source != SourceRemote {
			t.Errorf("source = %s, want remote", out.Source)
		}
		if out.Text != "enriched: insight 0" {
			t.Errorf("text = %q", out.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("enriched insight never delivered")
	}
}

func TestSubmitFullBacklogDegradesToLocal(t *testing.T) {
	// No worker running: the backlog fills and overflow delivers local text
	// on the calling goroutine.
	e := NewEngine(&slowRemote{delay: time.Second}, 60)

	queued := 0
	local := 0
	for i := 0; i < enrichQueueDepth+3; i++ {
		ran := false
		e.Submit(importantInsight(i), func(out *Insight) {
			ran = true
			if out.Source != SourceLocal {
				t.Errorf("overflow delivery source = %s, want local", out.Source)
			}
		})
		if ran {
			local++
		} else {
			queued++
		}
	}
	if queued != enrichQueueDepth {
		t.Errorf("queued = %d, want %d", queued, enrichQueueDepth)
	}
	if local != 3 {
		t.Errorf("degraded locally = %d, want 3", local)
	}
}
