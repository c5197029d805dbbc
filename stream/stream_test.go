package stream

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestStats(t *testing.T) {
	stats := Stats()
	if stats == nil {
		t.Fatal("Stats() returned nil")
	}

	for _, key := range []string{
		"active_connections",
		"total_events",
		"max_connections",
		"dropped_events",
		"rejected_connections",
	} {
		if _, ok := stats[key]; !ok {
			t.Errorf("expected key %q not found in stats", key)
		}
	}

	if stats["max_connections"] != int64(MaxConcurrentConnections) {
		t.Errorf("max_connections = %v; want %d", stats["max_connections"], MaxConcurrentConnections)
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	initial := atomic.LoadInt64(&events.activeCount)

	ch := make(eventChan, ClientChannelBuffer)
	if !Subscribe(ch, "127.0.0.1:12345") {
		t.Error("Subscribe should succeed")
	}
	if got := atomic.LoadInt64(&events.activeCount); got != initial+1 {
		t.Errorf("activeCount = %d; want %d", got, initial+1)
	}

	Unsubscribe(ch)
	if got := atomic.LoadInt64(&events.activeCount); got != initial {
		t.Errorf("activeCount after Unsubscribe = %d; want %d", got, initial)
	}
}

func TestUnsubscribeUnknownChannel(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Unsubscribe panicked: %v", r)
		}
	}()
	Unsubscribe(make(eventChan, 1))
}

func TestPublishReachesSubscriber(t *testing.T) {
	ch := make(eventChan, ClientChannelBuffer)
	Subscribe(ch, "127.0.0.1:12345")
	defer Unsubscribe(ch)

	sent := Event{Type: "job", Data: `{"state":"completed"}`}
	Publish(sent)

	select {
	case got := <-ch:
		if got != sent {
			t.Errorf("received %+v; want %+v", got, sent)
		}
	case <-time.After(time.Second):
		t.Error("did not receive published event")
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	// Must not block or panic with nobody listening.
	Publish(Event{Type: "job", Data: "{}"})
}

func TestFormatEvent(t *testing.T) {
	got := formatEvent(Event{Type: "job", Data: `{"id":"1"}`})
	want := "event: job\ndata: {\"id\":\"1\"}\n\n"
	if got != want {
		t.Errorf("formatEvent = %q; want %q", got, want)
	}
}
