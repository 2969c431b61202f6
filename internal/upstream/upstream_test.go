package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/plexus-gw/plexus/internal/config"
	plexus "github.com/plexus-gw/plexus/internal"
)

func testProvider(baseURL string) *config.Provider {
	return &config.Provider{
		Name:       "test",
		Type:       plexus.APIChat,
		BaseURL:    baseURL,
		AuthScheme: "bearer",
		APIKey:     "sk-test",
	}
}

func TestDo(t *testing.T) {
	t.Parallel()
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(nil)
	body, err := c.Do(context.Background(), &Request{
		Provider:  testProvider(srv.URL),
		APIType:   plexus.APIChat,
		Endpoint:  "/chat/completions",
		Body:      []byte(`{"model":"m"}`),
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %s", body)
	}
	if got.Header.Get("Authorization") != "Bearer sk-test" {
		t.Errorf("auth = %q", got.Header.Get("Authorization"))
	}
	if got.Header.Get("Content-Type") != "application/json" {
		t.Error("content-type missing")
	}
	if got.Header.Get("X-Plexus-Request-Id") != "req-1" {
		t.Error("request id header missing")
	}
	if got.URL.Path != "/chat/completions" {
		t.Errorf("path = %q", got.URL.Path)
	}
}

func TestDoAPIError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	c := New(nil)
	_, err := c.Do(context.Background(), &Request{
		Provider: testProvider(srv.URL),
		APIType:  plexus.APIChat,
		Endpoint: "/chat/completions",
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v", err)
	}
	if apiErr.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("status = %d", apiErr.StatusCode)
	}
	if !strings.Contains(apiErr.Body, "slow down") {
		t.Errorf("body = %q", apiErr.Body)
	}
	ra := ParseRetryAfter(apiErr.RetryAfter)
	if ra.Source != "header" || ra.Duration != 7*time.Second {
		t.Errorf("retry-after = %+v", ra)
	}
}

func TestDoXAPIKeyScheme(t *testing.T) {
	t.Parallel()
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	p := testProvider(srv.URL)
	p.AuthScheme = "x-api-key"
	p.CustomHeaders = map[string]string{"X-Extra": "yes"}

	c := New(nil)
	if _, err := c.Do(context.Background(), &Request{
		Provider: p, APIType: plexus.APIMessages, Endpoint: "/v1/messages",
	}); err != nil {
		t.Fatal(err)
	}
	if got.Get("x-api-key") != "sk-test" {
		t.Error("x-api-key missing")
	}
	if got.Get("Authorization") != "" {
		t.Error("bearer header should not be set")
	}
	if got.Get("anthropic-version") == "" {
		t.Error("anthropic-version missing on messages dialect")
	}
	if got.Get("X-Extra") != "yes" {
		t.Error("custom header missing")
	}
}

func TestResolveAPIKey(t *testing.T) {
	t.Setenv("UPSTREAM_TEST_KEY", "from-env")

	got, err := ResolveAPIKey("{env:UPSTREAM_TEST_KEY}")
	if err != nil || got != "from-env" {
		t.Errorf("got %q err %v", got, err)
	}
	if got, _ := ResolveAPIKey("plain"); got != "plain" {
		t.Errorf("plain key changed: %q", got)
	}
	if _, err := ResolveAPIKey("{env:UPSTREAM_TEST_MISSING}"); err == nil {
		t.Error("unset variable should error")
	}
}

func TestDoRawStreaming(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: one\n\ndata: two\n\n"))
	}))
	defer srv.Close()

	c := New(nil)
	resp, err := c.DoRaw(context.Background(), &Request{
		Provider: testProvider(srv.URL), APIType: plexus.APIChat, Endpoint: "/chat/completions",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "data: one\n\ndata: two\n\n" {
		t.Errorf("body = %q", body)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	if ra := ParseRetryAfter(h); ra.Source != "default" {
		t.Errorf("absent = %+v", ra)
	}
	h.Set("Retry-After", "30")
	if ra := ParseRetryAfter(h); ra.Source != "header" || ra.Duration != 30*time.Second {
		t.Errorf("seconds = %+v", ra)
	}
	h.Set("Retry-After", time.Now().Add(90*time.Second).UTC().Format(http.TimeFormat))
	ra := ParseRetryAfter(h)
	if ra.Source != "header" || ra.Duration < 80*time.Second || ra.Duration > 91*time.Second {
		t.Errorf("http-date = %+v", ra)
	}
	h.Set("Retry-After", "soon")
	if ra := ParseRetryAfter(h); ra.Source != "default" {
		t.Errorf("garbage = %+v", ra)
	}
}

func TestForward(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Error("credentials not swapped in")
		}
		if r.Header.Get("X-Api-Key") != "" {
			t.Error("inbound x-api-key should be stripped")
		}
		if r.URL.RawQuery != "lang=en" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"hi"}`))
	}))
	defer upstream.Close()

	c := New(nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions?lang=en", strings.NewReader("payload"))
	req.Header.Set("x-api-key", "client-secret")
	rec := httptest.NewRecorder()

	err := c.Forward(context.Background(), testProvider(upstream.URL), rec, req, "/audio/transcriptions")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != `{"text":"hi"}` {
		t.Errorf("response = %d %s", rec.Code, rec.Body.String())
	}
}
