package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(Event{Source: SourceExecutor, Kind: KindStepStart})
}

func TestNilBusSubscriberCount(t *testing.T) {
	var b *Bus
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestPublishSingleSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	b.Publish(Event{
		Source: SourceConnection,
		Kind:   KindReady,
		Data:   map[string]any{"provider": "files"},
	})

	select {
	case got := <-ch:
		if got.Source != SourceConnection || got.Kind != KindReady {
			t.Errorf("got event %+v", got)
		}
		if got.Data["provider"] != "files" {
			t.Errorf("provider = %v, want files", got.Data["provider"])
		}
		if got.Timestamp.IsZero() {
			t.Error("timestamp should be stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	// Fill the buffer, then publish more; extra events must be dropped
	// without blocking the publisher.
	for i := 0; i < 10; i++ {
		b.Publish(Event{Source: SourceExecutor, Kind: KindStepDone})
	}

	got := 0
	for {
		select {
		case <-ch:
			got++
		default:
			if got != 1 {
				t.Errorf("received %d events, want 1 (rest dropped)", got)
			}
			return
		}
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch) // must not panic

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()

	var wg sync.WaitGroup
	for j := 0; j < 4; j++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := b.Subscribe(64)
			for k := 0; k < 100; k++ {
				b.Publish(Event{Source: SourceRegistry, Kind: KindSwept})
			}
			b.Unsubscribe(ch)
		}()
	}
	wg.Wait()

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount after teardown = %d, want 0", got)
	}
}
