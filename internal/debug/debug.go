// Package debug captures raw and transformed request/response payloads for
// troubleshooting. Captures accumulate in memory per request and flush to the
// store at end of request. Ephemeral captures exist only so token estimation
// can read the transformed body; they are discarded at flush.
package debug

import (
	"context"
	"log/slog"
	"sync"
	"time"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/storage"
)

// maxCapture caps each captured payload so a pathological stream cannot grow
// memory without bound.
const maxCapture = 8 << 20

// capture is the in-flight buffer for one request.
type capture struct {
	log       plexus.DebugLog
	ephemeral bool
}

// Manager buffers per-request captures. Safe for concurrent use; each request
// touches only its own entry.
type Manager struct {
	mu      sync.Mutex
	active  map[string]*capture
	store   storage.DebugStore // may be nil
	enabled bool
	log     *slog.Logger
}

// New creates a Manager. When enabled is false only ephemeral captures run.
func New(store storage.DebugStore, enabled bool, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		active:  make(map[string]*capture),
		store:   store,
		enabled: enabled,
		log:     log,
	}
}

// Enabled reports whether persistent capture is on.
func (m *Manager) Enabled() bool { return m.enabled }

// StartLog begins a capture for a request. ephemeral captures are kept in
// memory for token estimation but never persisted.
func (m *Manager) StartLog(requestID string, rawRequest []byte, ephemeral bool) {
	if !m.enabled && !ephemeral {
		return
	}
	m.mu.Lock()
	m.active[requestID] = &capture{
		log: plexus.DebugLog{
			RequestID:  requestID,
			RawRequest: clip(rawRequest),
			CreatedAt:  time.Now().UTC(),
		},
		ephemeral: ephemeral && !m.enabled,
	}
	m.mu.Unlock()
}

// AddTransformedRequest records the provider-bound body.
func (m *Manager) AddTransformedRequest(requestID string, body []byte) {
	m.update(requestID, func(c *capture) {
		c.log.TransformedRequest = clip(body)
	})
}

// AddRawResponseChunk appends provider stream bytes.
func (m *Manager) AddRawResponseChunk(requestID string, chunk []byte) {
	m.update(requestID, func(c *capture) {
		c.log.RawResponse = appendClipped(c.log.RawResponse, chunk)
	})
}

// AddTransformedResponseChunk appends client-bound stream bytes.
func (m *Manager) AddTransformedResponseChunk(requestID string, chunk []byte) {
	m.update(requestID, func(c *capture) {
		c.log.TransformedResponse = appendClipped(c.log.TransformedResponse, chunk)
	})
}

// AddRawResponse records a unary provider body.
func (m *Manager) AddRawResponse(requestID string, body []byte) {
	m.update(requestID, func(c *capture) {
		c.log.RawResponse = clip(body)
	})
}

// AddTransformedResponse records a unary client body.
func (m *Manager) AddTransformedResponse(requestID string, body []byte) {
	m.update(requestID, func(c *capture) {
		c.log.TransformedResponse = clip(body)
	})
}

// TransformedResponse returns the captured client-bound bytes, for token
// estimation when the provider reported no usage.
func (m *Manager) TransformedResponse(requestID string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.active[requestID]; ok {
		return c.log.TransformedResponse
	}
	return nil
}

// Flush persists the capture and drops it from memory. Ephemeral captures
// are discarded without a write.
func (m *Manager) Flush(ctx context.Context, requestID string) {
	m.mu.Lock()
	c, ok := m.active[requestID]
	delete(m.active, requestID)
	m.mu.Unlock()
	if !ok || c.ephemeral || m.store == nil {
		return
	}
	if err := m.store.SaveDebugLog(ctx, &c.log); err != nil {
		m.log.Warn("save debug log", "request_id", requestID, "error", err)
	}
}

// Delete removes a persisted capture.
func (m *Manager) Delete(ctx context.Context, requestID string) error {
	m.mu.Lock()
	delete(m.active, requestID)
	m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	return m.store.DeleteDebugLog(ctx, requestID)
}

func (m *Manager) update(requestID string, fn func(*capture)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.active[requestID]; ok {
		fn(c)
	}
}

func clip(b []byte) []byte {
	if len(b) > maxCapture {
		b = b[:maxCapture]
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func appendClipped(dst, chunk []byte) []byte {
	if len(dst) >= maxCapture {
		return dst
	}
	room := maxCapture - len(dst)
	if len(chunk) > room {
		chunk = chunk[:room]
	}
	return append(dst, chunk...)
}
