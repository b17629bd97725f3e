package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(Event{Source: SourceHost, Kind: KindMCPResponse})
	b.Emit(SourceChat, KindStreamChat, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishSingleSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	b.Emit(SourceHost, KindMCPResponse, map[string]any{
		"requestId":  "req-1",
		"responseId": "resp-1",
		"response":   "72F and sunny",
	})

	got := receive(t, ch)
	if got.Source != SourceHost || got.Kind != KindMCPResponse {
		t.Errorf("got %s/%s, want %s/%s", got.Source, got.Kind, SourceHost, KindMCPResponse)
	}
	if got.Timestamp.IsZero() {
		t.Error("Timestamp is zero, want stamped by Publish")
	}
	if id, _ := got.Data["requestId"].(string); id != "req-1" {
		t.Errorf("requestId = %v, want %q", got.Data["requestId"], "req-1")
	}
}

func TestPublishKeepsTimestamp(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.Publish(Event{Timestamp: ts, Kind: KindToolDone})
	if got := receive(t, ch).Timestamp; !got.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", got, ts)
	}
}

func TestSubscribeKinds(t *testing.T) {
	b := New()
	servers := b.Subscribe(8, KindServerConnected, KindServerDisconnected)
	all := b.Subscribe(8)
	defer b.Unsubscribe(servers)
	defer b.Unsubscribe(all)

	b.Emit(SourceChat, KindStreamChat, map[string]any{"content": "hel"})
	b.Emit(SourceHost, KindServerDisconnected, map[string]any{"server": "weather"})

	if got := receive(t, servers).Kind; got != KindServerDisconnected {
		t.Errorf("filtered subscriber got %q, want %q", got, KindServerDisconnected)
	}
	select {
	case e := <-servers:
		t.Errorf("filtered subscriber got extra event %v", e)
	default:
	}

	for _, want := range []string{KindStreamChat, KindServerDisconnected} {
		if got := receive(t, all).Kind; got != want {
			t.Errorf("unfiltered subscriber got %q, want %q", got, want)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	if got := receive(t, ch).Kind; got != "first" {
		t.Errorf("got kind %q, want %q", got, "first")
	}
	select {
	case evt := <-ch:
		t.Errorf("expected empty channel, got event %v", evt)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch1 := b.Subscribe(4)
	ch2 := b.Subscribe(4)
	if got := b.SubscriberCount(); got != 2 {
		t.Errorf("SubscriberCount() = %d, want 2", got)
	}

	b.Unsubscribe(ch1)
	if _, ok := <-ch1; ok {
		t.Error("channel open after Unsubscribe")
	}
	// Must not panic.
	b.Unsubscribe(ch1)

	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", got)
	}
	b.Unsubscribe(ch2)
	b.Publish(Event{Kind: KindToolCall})
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	const publishers = 10
	const eventsPerPublisher = 100

	ch := b.Subscribe(64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range ch {
		}
	}()

	var pubWg sync.WaitGroup
	for i := range publishers {
		pubWg.Add(1)
		go func() {
			defer pubWg.Done()
			for j := range eventsPerPublisher {
				b.Emit(SourceChat, KindStreamChat, map[string]any{"publisher": i, "seq": j})
			}
		}()
	}

	pubWg.Wait()
	b.Unsubscribe(ch)
	wg.Wait()
}
