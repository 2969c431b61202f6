// Package transform converts between wire dialects and the unified internal
// representation. One Transformer per dialect handles both directions for
// requests, responses, and streams.
package transform

import (
	"context"
	"fmt"
	"io"

	plexus "github.com/plexus-gw/plexus/internal"
)

// Transformer is the per-dialect conversion contract.
type Transformer interface {
	// Name returns the dialect name ("chat", "messages", "gemini", "responses").
	Name() string

	// DefaultEndpoint returns the URL path for this dialect on a provider's
	// base URL. model and stream matter only for path-addressed dialects.
	DefaultEndpoint(model string, stream bool) string

	// ParseRequest parses an inbound wire body into unified form.
	ParseRequest(body []byte) (*plexus.UnifiedRequest, error)

	// TransformRequest produces a provider wire body for the given model.
	TransformRequest(req *plexus.UnifiedRequest, model string) ([]byte, error)

	// ParseResponse parses a provider's unary wire body into unified form.
	ParseResponse(body []byte, model string) (*plexus.UnifiedResponse, error)

	// FormatResponse produces a client wire body from a unified response.
	FormatResponse(resp *plexus.UnifiedResponse) ([]byte, error)

	// TransformStream reads provider SSE bytes and emits unified chunks.
	// Closes ch before returning. Owns closing body.
	TransformStream(ctx context.Context, body io.ReadCloser, ch chan<- plexus.StreamChunk)

	// FormatStream turns unified chunks into complete client SSE frames.
	// Closes frames before returning.
	FormatStream(ctx context.Context, chunks <-chan plexus.StreamChunk, frames chan<- []byte)

	// ExtractUsage pulls token counts from one SSE event's data payload.
	ExtractUsage(data string) (*plexus.Usage, bool)
}

// Registry holds one transformer per dialect.
type Registry struct {
	byAPI map[plexus.APIType]Transformer
}

// NewRegistry builds a registry from the given transformers, keyed by Name.
func NewRegistry(transformers ...Transformer) *Registry {
	r := &Registry{byAPI: make(map[plexus.APIType]Transformer, len(transformers))}
	for _, t := range transformers {
		r.byAPI[plexus.APIType(t.Name())] = t
	}
	return r
}

// Get returns the transformer for a dialect.
func (r *Registry) Get(api plexus.APIType) (Transformer, error) {
	t, ok := r.byAPI[api]
	if !ok {
		return nil, fmt.Errorf("no transformer for dialect %q", api)
	}
	return t, nil
}
