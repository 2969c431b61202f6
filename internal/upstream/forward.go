package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/plexus-gw/plexus/internal/config"
)

// hopByHop headers that must not be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Forward proxies a raw HTTP request to a provider backend, used for
// endpoints the gateway passes through untouched (audio transcription).
// It copies non-hop-by-hop headers, swaps in the provider's credentials, and
// streams the response back with flush-on-read for SSE/NDJSON.
func (c *Client) Forward(ctx context.Context, provider *config.Provider,
	w http.ResponseWriter, r *http.Request, path string) error {

	targetURL := strings.TrimRight(provider.BaseURL, "/") + path
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL, r.Body)
	if err != nil {
		return fmt.Errorf("forward: create request: %w", err)
	}

	for key, vals := range r.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		// Skip inbound auth headers; the provider's credentials replace them.
		lower := strings.ToLower(key)
		if lower == "authorization" || lower == "x-api-key" ||
			lower == "x-goog-api-key" || lower == "api-key" {
			continue
		}
		outReq.Header[key] = vals
	}

	key, err := ResolveAPIKey(provider.APIKey)
	if err != nil {
		return fmt.Errorf("forward: %s: %w", provider.Name, err)
	}
	if key != "" {
		if provider.AuthScheme == "x-api-key" {
			outReq.Header.Set("x-api-key", key)
		} else {
			outReq.Header.Set("Authorization", "Bearer "+key)
		}
	}

	resp, err := c.http.Do(outReq)
	if err != nil {
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return fmt.Errorf("forward: do request: %w", err)
	}
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	ct := resp.Header.Get("Content-Type")
	needsFlush := canFlush && (strings.Contains(ct, "text/event-stream") ||
		strings.Contains(ct, "application/x-ndjson") ||
		strings.Contains(ct, "application/stream+json"))

	if needsFlush {
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					return fmt.Errorf("forward: write response: %w", writeErr)
				}
				flusher.Flush()
			}
			if readErr != nil {
				if readErr == io.EOF {
					return nil
				}
				return fmt.Errorf("forward: read response: %w", readErr)
			}
		}
	}

	// Non-streaming: bulk copy, capped so a misbehaving upstream cannot
	// force unbounded allocation.
	const maxResponseBody = 32 << 20
	if _, err := io.Copy(w, io.LimitReader(resp.Body, maxResponseBody)); err != nil {
		return fmt.Errorf("forward: copy response: %w", err)
	}
	return nil
}
