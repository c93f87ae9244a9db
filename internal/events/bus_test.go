package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(Event{Source: SourceLoop, Kind: KindUserMessage})
	b.Emit(SourceLoop, KindSpinnerShow, nil)
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

	b.Emit(SourceLoop, KindUserMessage, map[string]any{"conversation_id": "c_abc"})

	select {
	case got := <-ch:
		if got.Source != SourceLoop || got.Kind != KindUserMessage {
			t.Errorf("got event %v", got)
		}
		id, ok := got.Data["conversation_id"].(string)
		if !ok || id != "c_abc" {
			t.Errorf("got conversation_id %v, want %q", got.Data["conversation_id"], "c_abc")
		}
		if got.Timestamp.IsZero() {
			t.Error("Emit should stamp the event timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 5
	channels := make([]<-chan Event, n)
	for i := range n {
		channels[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	b.Emit(SourceTools, KindToolCall, map[string]any{"tool": "get_cpu"})

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Kind != KindToolCall {
				t.Errorf("subscriber %d: kind = %q", i, got.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	// Fill the buffer and then some. Must not block.
	for range 10 {
		b.Emit(SourceLoop, KindSpinnerShow, nil)
	}

	// Exactly one event should be buffered.
	select {
	case <-ch:
	default:
		t.Fatal("expected one buffered event")
	}
	select {
	case e := <-ch:
		t.Errorf("expected overflow events to be dropped, got %v", e)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)

	if _, open := <-ch; open {
		t.Error("channel should be closed after Unsubscribe")
	}
	// Double-unsubscribe must be a no-op.
	b.Unsubscribe(ch)
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d, want 0", b.SubscriberCount())
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				b.Emit(SourceLoop, KindAssistantMessage, nil)
			}
		}()
	}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := b.Subscribe(4)
			for range 10 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			b.Unsubscribe(ch)
		}()
	}

	wg.Wait()
}
