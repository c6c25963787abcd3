package fanout

import (
	"testing"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New[int]("test", 4, DropOldest)
	defer b.Close()

	id1, ch1 := b.Subscribe()
	id2, ch2 := b.Subscribe()
	defer b.Unsubscribe(id1)
	defer b.Unsubscribe(id2)

	b.Publish(7)

	if got := <-ch1; got != 7 {
		t.Errorf("subscriber 1 got %d, want 7", got)
	}
	if got := <-ch2; got != 7 {
		t.Errorf("subscriber 2 got %d, want 7", got)
	}
}

func TestPublishOrderPreserved(t *testing.T) {
	b := New[int]("test", 16, DropOldest)
	defer b.Close()

	_, ch := b.Subscribe()
	for i := 0; i < 10; i++ {
		b.Publish(i)
	}
	for i := 0; i < 10; i++ {
		if got := <-ch; got != i {
			t.Fatalf("position %d: got %d", i, got)
		}
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New[int]("test", 2, DropOldest)
	defer b.Close()

	id, ch := b.Subscribe()
	for i := 0; i < 5; i++ {
		b.Publish(i)
	}

	// Queue depth 2: the oldest three were evicted, leaving 3, 4.
	if got := <-ch; got != 3 {
		t.Errorf("first queued item = %d, want 3", got)
	}
	if got := <-ch; got != 4 {
		t.Errorf("second queued item = %d, want 4", got)
	}

	stats := b.Stats()
	if len(stats) != 1 {
		t.Fatalf("expected 1 subscriber, got %d", len(stats))
	}
	if stats[0].Drops != 3 {
		t.Errorf("drop count = %d, want 3", stats[0].Drops)
	}
	_ = id
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New[int]("test", 1, DropOldest)
	defer b.Close()

	b.Subscribe() // never read from

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(i)
		}
		close(done)
	}()
	<-done // would deadlock if Publish blocked on the stuck subscriber
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New[string]("test", 4, DropOldest)
	defer b.Close()

	id, ch := b.Subscribe()
	b.Unsubscribe(id)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	b.Publish("late")
}

func TestNoDropDeliversEverythingPastDepth(t *testing.T) {
	b := New[int]("session", 2, NoDrop)
	defer b.Close()

	_, ch := b.Subscribe()
	// Publish far beyond the channel depth before the consumer reads.
	for i := 0; i < 20; i++ {
		b.Publish(i)
	}

	for i := 0; i < 20; i++ {
		if got := <-ch; got != i {
			t.Fatalf("position %d: got %d", i, got)
		}
	}
	stats := b.Stats()
	if stats[0].Drops != 0 {
		t.Errorf("drop count = %d, want 0 on a lossless bus", stats[0].Drops)
	}
}

func TestNoDropPublishNeverBlocks(t *testing.T) {
	b := New[int]("session", 1, NoDrop)
	defer b.Close()

	b.Subscribe() // never read from

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(i)
		}
		close(done)
	}()
	<-done
}

func TestNoDropUnsubscribeClosesChannel(t *testing.T) {
	b := New[int]("session", 2, NoDrop)
	defer b.Close()

	id, ch := b.Subscribe()
	b.Publish(1)
	b.Unsubscribe(id)

	// Anything already forwarded may still be read; the channel then closes.
	for {
		if _, ok := <-ch; !ok {
			return
		}
	}
}

func TestCloseRejectsFurtherPublishes(t *testing.T) {
	b := New[int]("test", 4, DropOldest)
	_, ch := b.Subscribe()
	b.Close()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after bus Close")
	}
	b.Publish(1) // no panic
	b.Close()    // idempotent
}
