// Package stream fans job-queue events out to connected console clients
// over Server-Sent Events.
package stream

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// MaxConcurrentConnections caps simultaneous SSE clients.
	MaxConcurrentConnections = 512
	// ClientChannelBuffer is the per-client event queue depth.
	ClientChannelBuffer = 128
	// KeepAliveInterval is how often idle connections get a comment line.
	KeepAliveInterval = 30 * time.Second
	// CleanupInterval is how often stale connections are swept.
	CleanupInterval = 60 * time.Second
	// HubBroadcastBuffer is the hub's pending-event queue depth.
	HubBroadcastBuffer = 1024
)

// Event is one job-queue update pushed to subscribers. Data carries a
// JSON payload produced by the queue.
type Event struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type eventChan chan Event

type client struct {
	id         string
	ch         eventChan
	lastSeen   int64 // Unix timestamp
	remoteAddr string
	sent       int64
}

type hub struct {
	clients        sync.Map // map[eventChan]*client
	activeCount    int64
	totalEvents    int64
	droppedEvents  int64
	rejectedConns  int64
	broadcast      chan Event
	shutdown       chan struct{}
	shutdownOnce   sync.Once
}

var events *hub

func init() {
	events = &hub{
		broadcast: make(chan Event, HubBroadcastBuffer),
		shutdown:  make(chan struct{}),
	}
	go events.run()
	go events.sweep()
}

// Stats returns current hub counters for the status endpoint.
func Stats() map[string]interface{} {
	return map[string]interface{}{
		"active_connections":   atomic.LoadInt64(&events.activeCount),
		"total_events":         atomic.LoadInt64(&events.totalEvents),
		"max_connections":      int64(MaxConcurrentConnections),
		"dropped_events":       atomic.LoadInt64(&events.droppedEvents),
		"rejected_connections": atomic.LoadInt64(&events.rejectedConns),
	}
}

// Subscribe registers a client channel. It returns false when the hub is
// at capacity.
func Subscribe(ch eventChan, remoteAddr string) bool {
	if atomic.LoadInt64(&events.activeCount) >= MaxConcurrentConnections {
		atomic.AddInt64(&events.rejectedConns, 1)
		log.Printf("stream: connection limit reached, rejecting %s", remoteAddr)
		return false
	}

	c := &client{
		id:         fmt.Sprintf("%d-%s", time.Now().UnixNano(), remoteAddr),
		ch:         ch,
		lastSeen:   time.Now().Unix(),
		remoteAddr: remoteAddr,
	}
	events.clients.Store(ch, c)
	atomic.AddInt64(&events.activeCount, 1)
	return true
}

// Unsubscribe removes a client channel and closes it.
func Unsubscribe(ch eventChan) {
	if _, ok := events.clients.LoadAndDelete(ch); ok {
		atomic.AddInt64(&events.activeCount, -1)
		select {
		case <-ch: // drain a pending event if any
		default:
		}
		close(ch)
	}
}

// Publish enqueues an event for fan-out without blocking the caller.
func Publish(ev Event) {
	if events == nil {
		return
	}
	select {
	case events.broadcast <- ev:
	default:
		// Hub busy; drop rather than stall the job queue.
		atomic.AddInt64(&events.droppedEvents, 1)
	}
}

func (h *hub) run() {
	for {
		select {
		case ev := <-h.broadcast:
			h.clients.Range(func(key, value any) bool {
				ch := key.(eventChan)
				c := value.(*client)
				select {
				case ch <- ev:
					atomic.StoreInt64(&c.lastSeen, time.Now().Unix())
					atomic.AddInt64(&c.sent, 1)
					atomic.AddInt64(&h.totalEvents, 1)
				default:
					// Client queue full; skip it for this event.
					atomic.AddInt64(&h.droppedEvents, 1)
				}
				return true
			})
		case <-h.shutdown:
			return
		}
	}
}

func (h *hub) sweep() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			threshold := time.Now().Unix() - int64(CleanupInterval.Seconds()*2)
			var stale []eventChan
			h.clients.Range(func(key, value any) bool {
				c := value.(*client)
				if atomic.LoadInt64(&c.lastSeen) < threshold {
					stale = append(stale, key.(eventChan))
				}
				return true
			})
			if len(stale) > 0 {
				log.Printf("stream: cleaning up %d stale connections", len(stale))
				for _, ch := range stale {
					Unsubscribe(ch)
				}
			}
		case <-h.shutdown:
			return
		}
	}
}

// Shutdown stops the hub and disconnects all clients.
func Shutdown() {
	events.shutdownOnce.Do(func() {
		close(events.shutdown)
		events.clients.Range(func(key, value any) bool {
			Unsubscribe(key.(eventChan))
			return true
		})
	})
}

// Handler serves the SSE endpoint.
func Handler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(eventChan, ClientChannelBuffer)
	if !Subscribe(ch, r.RemoteAddr) {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}
	defer Unsubscribe(ch)

	if _, err := io.WriteString(w, "data: {\"type\":\"connected\"}\n\n"); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(KeepAliveInterval)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if _, err := io.WriteString(w, formatEvent(ev)); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func formatEvent(ev Event) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, ev.Data)
}
