// Package upstream implements the HTTP client for provider backends.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/dnscache"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/config"
)

const defaultTimeout = 120 * time.Second

// APIError represents an error response from an upstream provider.
// It satisfies the HTTPStatus interface used by failure classification.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
	RetryAfter http.Header
}

// Error returns a formatted error string including provider, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the HTTP status code for cooldown classification.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// parseAPIError reads up to 4KB from the response body and returns an APIError.
func parseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Body:       string(body),
		RetryAfter: resp.Header,
	}
}

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// Client sends requests to provider backends. A single Client is shared by
// all providers; per-provider settings ride on each Request.
type Client struct {
	http *http.Client
}

// New creates a Client over the given transport. The client carries no
// timeout of its own; per-request deadlines come from Request.Timeout.
func New(transport http.RoundTripper) *Client {
	if transport == nil {
		transport = NewTransport(nil)
	}
	return &Client{http: &http.Client{Transport: transport}}
}

// Request describes one outbound provider call.
type Request struct {
	Provider  *config.Provider
	APIType   plexus.APIType
	Endpoint  string // path relative to the provider base URL
	Body      []byte
	RequestID string
}

// Do sends the request and returns the parsed (fully read) response body.
// A non-2xx status yields an *APIError carrying status and body.
func (c *Client) Do(ctx context.Context, req *Request) ([]byte, error) {
	resp, err := c.DoRaw(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	const maxResponseBody = 32 << 20
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("upstream: read response: %w", err)
	}
	return body, nil
}

// DoRaw sends the request and returns the raw response for the caller to
// consume, as streaming needs. A non-2xx status is drained into an *APIError.
func (c *Client) DoRaw(ctx context.Context, req *Request) (*http.Response, error) {
	timeout := defaultTimeout
	if req.Provider.TimeoutMs > 0 {
		timeout = time.Duration(req.Provider.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	base := strings.TrimRight(req.Provider.BaseURLFor(req.APIType), "/")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+req.Endpoint, bytes.NewReader(req.Body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}
	if err := c.setHeaders(httpReq, req); err != nil {
		cancel()
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("upstream: %s: %w", req.Provider.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer resp.Body.Close()
		return nil, parseAPIError(req.Provider.Name, resp)
	}
	// Tie the timeout cancel to body close so streams stay bounded.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}

func (c *Client) setHeaders(httpReq *http.Request, req *Request) error {
	httpReq.Header.Set("Content-Type", "application/json")
	if req.RequestID != "" {
		httpReq.Header.Set("X-Plexus-Request-Id", req.RequestID)
	}
	for k, v := range req.Provider.CustomHeaders {
		httpReq.Header.Set(k, v)
	}

	key, err := ResolveAPIKey(req.Provider.APIKey)
	if err != nil {
		return fmt.Errorf("upstream: %s: %w", req.Provider.Name, err)
	}
	if key == "" {
		return nil
	}
	switch req.Provider.AuthScheme {
	case "x-api-key":
		httpReq.Header.Set("x-api-key", key)
		if req.APIType == plexus.APIMessages {
			httpReq.Header.Set("anthropic-version", "2023-06-01")
		}
	default:
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}
	return nil
}

// ResolveAPIKey resolves the {env:VAR} sigil at request time. A plain value
// passes through; a sigil naming an unset variable is an error.
func ResolveAPIKey(key string) (string, error) {
	if !strings.HasPrefix(key, "{env:") || !strings.HasSuffix(key, "}") {
		return key, nil
	}
	name := key[len("{env:") : len(key)-1]
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("api key environment variable %s not set", name)
	}
	return val, nil
}

// RetryAfter is the parsed Retry-After advice from a 429 response.
type RetryAfter struct {
	Duration time.Duration
	Source   string // "header" or "default"
}

// ParseRetryAfter reads a Retry-After header carrying either a seconds
// integer or an HTTP-date. Absent or unparseable values report the default
// source so the cooldown backoff applies instead.
func ParseRetryAfter(h http.Header) RetryAfter {
	v := h.Get("Retry-After")
	if v == "" {
		return RetryAfter{Source: "default"}
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return RetryAfter{Duration: time.Duration(secs) * time.Second, Source: "header"}
	}
	if at, err := http.ParseTime(v); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return RetryAfter{Duration: d, Source: "header"}
	}
	return RetryAfter{Source: "default"}
}
