package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// eventBuffer bounds how far a slow subscriber may fall behind before its
// events are dropped.
const eventBuffer = 32

// EventBus fans usage events out to SSE subscribers. Publishing never blocks
// the request path: full subscriber buffers drop events.
type EventBus struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[chan []byte]struct{})}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called when the subscriber goes away.
func (b *EventBus) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, eventBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
}

// Publish marshals v and delivers it to every subscriber that has room.
func (b *EventBus) Publish(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- data:
		default:
		}
	}
}

// handleEvents streams usage events to operator UIs over SSE.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeDialectError(w, dialectForPath(r.URL.Path), http.StatusNotFound, "events feed not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeDialectError(w, dialectForPath(r.URL.Path), http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, cancel := s.deps.Events.Subscribe()
	defer cancel()

	writeSSEHeaders(w)
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case data := <-ch:
			writeSSEData(w, data)
			flusher.Flush()
		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
