package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/tidwall/gjson"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/config"
	"github.com/plexus-gw/plexus/internal/cooldown"
	"github.com/plexus-gw/plexus/internal/router"
	"github.com/plexus-gw/plexus/internal/transform"
	"github.com/plexus-gw/plexus/internal/transform/anthropic"
	"github.com/plexus-gw/plexus/internal/transform/gemini"
	"github.com/plexus-gw/plexus/internal/transform/openai"
	"github.com/plexus-gw/plexus/internal/transform/responses"
	"github.com/plexus-gw/plexus/internal/upstream"
)

func newDispatcher(t *testing.T, cooldowns *cooldown.Manager) *Dispatcher {
	t.Helper()
	rt, err := router.New(cooldowns)
	if err != nil {
		t.Fatal(err)
	}
	registry := transform.NewRegistry(openai.New(), anthropic.New(), gemini.New(), responses.New())
	return New(rt, registry, upstream.New(nil), cooldowns, nil, nil)
}

func snapshotYAML(t *testing.T, yaml string) *config.Snapshot {
	t.Helper()
	snap, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

const chatBody = `{"model":"smart","messages":[{"role":"user","content":"hi"}]}`

func chatRequest(model string) *plexus.UnifiedRequest {
	return &plexus.UnifiedRequest{
		Model: model,
		Messages: []plexus.Message{
			{Role: "user", Parts: []plexus.Part{{Type: plexus.PartText, Text: "hi"}}},
		},
		IncomingAPIType: plexus.APIChat,
		OriginalBody:    []byte(chatBody),
		RequestID:       "req-test",
	}
}

func TestDispatchPassThrough(t *testing.T) {
	t.Parallel()
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"id":"cmpl-1","choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	snap := snapshotYAML(t, fmt.Sprintf(`
providers:
  fast:
    type: chat
    base_url: %s
    api_key: k
    models:
      gpt-test: {}
models:
  smart:
    selector: in_order
    targets:
      - provider: fast
        model: gpt-test
`, srv.URL))

	cd := cooldown.New(cooldown.DefaultConfig(), nil, nil)
	d := newDispatcher(t, cd)

	req := chatRequest("smart")
	resp, err := d.Dispatch(context.Background(), snap, req)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.BypassTransformation {
		t.Error("matching dialects should pass through")
	}
	if gjson.GetBytes(gotBody, "model").String() != "gpt-test" {
		t.Errorf("provider saw model %q", gjson.GetBytes(gotBody, "model").String())
	}
	// the inbound body must stay untouched
	if gjson.GetBytes(req.OriginalBody, "model").String() != "smart" {
		t.Error("original body was mutated")
	}
	if resp.Plexus.Provider != "fast" || resp.Plexus.AttemptCount != 1 {
		t.Errorf("meta = %+v", resp.Plexus)
	}
}

func TestDispatchTransformed(t *testing.T) {
	t.Parallel()
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{
			"id": "msg_1",
			"model": "claude-test",
			"content": [{"type": "text", "text": "hello"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 3, "output_tokens": 5}
		}`))
	}))
	defer srv.Close()

	snap := snapshotYAML(t, fmt.Sprintf(`
providers:
  anthro:
    type: messages
    base_url: %s
    api_key: k
    auth_scheme: x-api-key
    models:
      claude-test: {}
models:
  smart:
    selector: in_order
    targets:
      - provider: anthro
        model: claude-test
`, srv.URL))

	cd := cooldown.New(cooldown.DefaultConfig(), nil, nil)
	d := newDispatcher(t, cd)

	resp, err := d.Dispatch(context.Background(), snap, chatRequest("smart"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.BypassTransformation {
		t.Error("chat -> messages must transform")
	}
	if gjson.GetBytes(gotBody, "max_tokens").Int() == 0 {
		t.Error("messages body should carry default max_tokens")
	}
	if gjson.GetBytes(gotBody, "messages.0.content.0.text").String() != "hi" {
		t.Errorf("provider body = %s", gotBody)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if resp.Usage.InputTokens != 3 || resp.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.Plexus.APIType != plexus.APIMessages {
		t.Errorf("apiType = %q", resp.Plexus.APIType)
	}
}

func TestDispatchFailover(t *testing.T) {
	t.Parallel()
	var firstCalls atomic.Int32
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		firstCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"cmpl-2","choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer healthy.Close()

	snap := snapshotYAML(t, fmt.Sprintf(`
providers:
  flaky:
    type: chat
    base_url: %s
    api_key: k
    models:
      m1: {}
  stable:
    type: chat
    base_url: %s
    api_key: k
    models:
      m2: {}
models:
  smart:
    selector: in_order
    targets:
      - provider: flaky
        model: m1
      - provider: stable
        model: m2
`, failing.URL, healthy.URL))

	cd := cooldown.New(cooldown.DefaultConfig(), nil, nil)
	d := newDispatcher(t, cd)

	resp, err := d.Dispatch(context.Background(), snap, chatRequest("smart"))
	if err != nil {
		t.Fatal(err)
	}
	if firstCalls.Load() != 1 {
		t.Errorf("flaky called %d times", firstCalls.Load())
	}
	if resp.Plexus.AttemptCount != 2 {
		t.Errorf("attempts = %d", resp.Plexus.AttemptCount)
	}
	if resp.Plexus.FinalAttemptProvider != "stable" {
		t.Errorf("final provider = %q", resp.Plexus.FinalAttemptProvider)
	}
	want := []string{"flaky", "stable"}
	if len(resp.Plexus.AllAttemptedProviders) != 2 ||
		resp.Plexus.AllAttemptedProviders[0] != want[0] ||
		resp.Plexus.AllAttemptedProviders[1] != want[1] {
		t.Errorf("attempted = %v", resp.Plexus.AllAttemptedProviders)
	}
	if !cd.IsOnCooldown("flaky", "m1", "") {
		t.Error("failed target should be on cooldown")
	}
}

func TestDispatchExhaustion(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	snap := snapshotYAML(t, fmt.Sprintf(`
providers:
  only:
    type: chat
    base_url: %s
    api_key: k
    models:
      m: {}
models:
  smart:
    selector: in_order
    targets:
      - provider: only
        model: m
`, srv.URL))

	cd := cooldown.New(cooldown.DefaultConfig(), nil, nil)
	d := newDispatcher(t, cd)

	_, err := d.Dispatch(context.Background(), snap, chatRequest("smart"))
	var de *plexus.DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v", err)
	}
	if de.RoutingContext.Attempts != 1 || de.RoutingContext.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("routing context = %+v", de.RoutingContext)
	}
	if de.RoutingContext.FinalProvider != "only" || de.RoutingContext.FinalModel != "m" {
		t.Errorf("routing context = %+v", de.RoutingContext)
	}
}

func TestDispatchNonRetryable(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"bad request shape"}`))
	}))
	defer bad.Close()
	never := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("second target must not be tried on a non-retryable failure")
	}))
	defer never.Close()

	snap := snapshotYAML(t, fmt.Sprintf(`
providers:
  first:
    type: chat
    base_url: %s
    api_key: k
    models:
      m1: {}
  second:
    type: chat
    base_url: %s
    api_key: k
    models:
      m2: {}
models:
  smart:
    selector: in_order
    targets:
      - provider: first
        model: m1
      - provider: second
        model: m2
`, bad.URL, never.URL))

	cd := cooldown.New(cooldown.DefaultConfig(), nil, nil)
	d := newDispatcher(t, cd)

	_, err := d.Dispatch(context.Background(), snap, chatRequest("smart"))
	var de *plexus.DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v", err)
	}
	if de.RoutingContext.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", de.RoutingContext.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d", calls.Load())
	}
	if cd.IsOnCooldown("first", "m1", "") {
		t.Error("non-retryable failure must not trip a cooldown")
	}
}

func TestDispatchAccessViaOverride(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// access_via declares chat on a messages provider, so the request
		// passes through in the chat dialect
		if gjson.GetBytes(mustRead(t, r), "messages.0.content").String() != "hi" {
			t.Error("expected chat-shaped body")
		}
		w.Write([]byte(`{"id":"cmpl-3","choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	snap := snapshotYAML(t, fmt.Sprintf(`
providers:
  anthro:
    type: messages
    base_url: %s
    api_key: k
    models:
      claude-compat:
        access_via: [chat]
models:
  smart:
    selector: in_order
    targets:
      - provider: anthro
        model: claude-compat
`, srv.URL))

	cd := cooldown.New(cooldown.DefaultConfig(), nil, nil)
	d := newDispatcher(t, cd)

	resp, err := d.Dispatch(context.Background(), snap, chatRequest("smart"))
	if err != nil {
		t.Fatal(err)
	}
	if !resp.BypassTransformation {
		t.Error("access_via chat on a chat request should pass through")
	}
	if resp.Plexus.APIType != plexus.APIChat {
		t.Errorf("apiType = %q", resp.Plexus.APIType)
	}
}

func TestDispatchStreaming(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[]}\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	snap := snapshotYAML(t, fmt.Sprintf(`
providers:
  fast:
    type: chat
    base_url: %s
    api_key: k
    models:
      m: {}
models:
  smart:
    selector: in_order
    targets:
      - provider: fast
        model: m
`, srv.URL))

	cd := cooldown.New(cooldown.DefaultConfig(), nil, nil)
	d := newDispatcher(t, cd)

	req := chatRequest("smart")
	req.Stream = true
	resp, err := d.Dispatch(context.Background(), snap, req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Stream == nil {
		t.Fatal("streaming response must carry the raw stream")
	}
	defer resp.Stream.Close()
	data, err := io.ReadAll(resp.Stream)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "data: {\"choices\":[]}\n\ndata: [DONE]\n\n" {
		t.Errorf("stream = %q", data)
	}
}

func mustRead(t *testing.T, r *http.Request) []byte {
	t.Helper()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
