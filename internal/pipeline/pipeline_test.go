package pipeline

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/pricing"
	"github.com/plexus-gw/plexus/internal/storage"
	"github.com/plexus-gw/plexus/internal/transform"
	"github.com/plexus-gw/plexus/internal/transform/anthropic"
	"github.com/plexus-gw/plexus/internal/transform/gemini"
	"github.com/plexus-gw/plexus/internal/transform/openai"
	"github.com/plexus-gw/plexus/internal/transform/responses"
)

type fakeUsageStore struct {
	mu   sync.Mutex
	recs []*plexus.UsageRecord
}

func (f *fakeUsageStore) SaveRequest(_ context.Context, rec *plexus.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.recs = append(f.recs, &cp)
	return nil
}

func (f *fakeUsageStore) SaveError(context.Context, string, string, string) error { return nil }
func (f *fakeUsageStore) GetUsage(context.Context, storage.UsageFilter) ([]*plexus.UsageRecord, error) {
	return nil, nil
}
func (f *fakeUsageStore) DeleteAllUsageLogs(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeUsageStore) last(t *testing.T) *plexus.UsageRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.recs) == 0 {
		t.Fatal("no usage record persisted")
	}
	return f.recs[len(f.recs)-1]
}

func newPipeline(store *fakeUsageStore) *Pipeline {
	registry := transform.NewRegistry(openai.New(), anthropic.New(), gemini.New(), responses.New())
	return New(registry, pricing.New(nil, nil), nil, store, nil, nil)
}

func chatInfo(stream bool) *Info {
	return &Info{
		Req: &plexus.UnifiedRequest{
			Model:           "smart",
			IncomingAPIType: plexus.APIChat,
			RequestID:       "req-1",
			Stream:          stream,
			Messages: []plexus.Message{
				{Role: "user", Parts: []plexus.Part{{Type: plexus.PartText, Text: "hi"}}},
			},
		},
		StartTime: time.Now(),
		SourceIP:  "10.0.0.1",
		KeyName:   "team-a",
	}
}

func TestUnaryResponseTransformed(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	p := newPipeline(store)
	rec := httptest.NewRecorder()

	resp := &plexus.UnifiedResponse{
		ID:           "chatcmpl-1",
		Model:        "gpt-test",
		Content:      []plexus.Part{{Type: plexus.PartText, Text: "hello"}},
		FinishReason: "stop",
		Usage:        plexus.Usage{InputTokens: 10, OutputTokens: 20},
		Plexus: plexus.Meta{
			Provider:         "fast",
			Model:            "gpt-test",
			CanonicalModel:   "smart",
			APIType:          plexus.APIChat,
			Pricing:          &plexus.Pricing{Source: plexus.PricingSimple, Input: 3, Output: 15},
			ProviderDiscount: 0,
			AttemptCount:     1,
		},
	}
	got, err := p.UnaryResponse(context.Background(), rec, chatInfo(false), resp)
	if err != nil {
		t.Fatal(err)
	}

	body := gjson.Parse(rec.Body.String())
	if body.Get("choices.0.message.content").String() != "hello" {
		t.Errorf("body = %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "plexus") {
		t.Error("routing envelope leaked")
	}
	if got.TokensInput != 10 || got.TokensOutput != 20 {
		t.Errorf("tokens = %d/%d", got.TokensInput, got.TokensOutput)
	}
	if got.CostTotal <= 0 || got.CostSource != "simple" {
		t.Errorf("cost = %v source = %q", got.CostTotal, got.CostSource)
	}
	saved := store.last(t)
	if saved.ResponseStatus != "success" || saved.IsStreamed {
		t.Errorf("saved = %+v", saved)
	}
	if saved.TTFTMs != saved.DurationMs {
		t.Error("unary ttft must equal duration")
	}
}

func TestUnaryResponsePassThrough(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	p := newPipeline(store)
	rec := httptest.NewRecorder()

	raw := `{"id":"cmpl-raw","choices":[]}`
	resp := &plexus.UnifiedResponse{
		RawResponse:          []byte(raw),
		BypassTransformation: true,
		Usage:                plexus.Usage{InputTokens: 5, OutputTokens: 6},
		Plexus:               plexus.Meta{Provider: "fast", Model: "m", APIType: plexus.APIChat},
	}
	if _, err := p.UnaryResponse(context.Background(), rec, chatInfo(false), resp); err != nil {
		t.Fatal(err)
	}
	if rec.Body.String() != raw {
		t.Errorf("body = %s", rec.Body.String())
	}
	if !store.last(t).IsPassthrough {
		t.Error("record must mark pass-through")
	}
}

func TestStreamResponsePassThrough(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	p := newPipeline(store)
	rec := httptest.NewRecorder()

	sse := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
		"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":3}}\n\n" +
		"data: [DONE]\n\n"
	resp := &plexus.UnifiedResponse{
		Stream:               io.NopCloser(strings.NewReader(sse)),
		BypassTransformation: true,
		Plexus:               plexus.Meta{Provider: "fast", Model: "m", APIType: plexus.APIChat},
	}
	got, err := p.StreamResponse(context.Background(), rec, chatInfo(true), resp)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Body.String() != sse {
		t.Errorf("bytes must pass through unchanged:\n%q\n%q", rec.Body.String(), sse)
	}
	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Error("missing SSE content type")
	}
	if got.TokensInput != 7 || got.TokensOutput != 3 {
		t.Errorf("tokens = %d/%d", got.TokensInput, got.TokensOutput)
	}
	if got.TokensEstimated {
		t.Error("reported usage must not be marked estimated")
	}
	if !got.IsStreamed || got.TTFTMs < 0 {
		t.Errorf("record = %+v", got)
	}
}

func TestStreamResponseTransformed(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	p := newPipeline(store)
	rec := httptest.NewRecorder()

	// provider speaks messages; client asked in chat
	sse := "event: message_start\n" +
		"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"model\":\"claude-test\",\"usage\":{\"input_tokens\":25}}}\n\n" +
		"event: content_block_start\n" +
		"data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"hello world\"}}\n\n" +
		"event: message_delta\n" +
		"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":9}}\n\n" +
		"event: message_stop\n" +
		"data: {\"type\":\"message_stop\"}\n\n"

	resp := &plexus.UnifiedResponse{
		Stream: io.NopCloser(strings.NewReader(sse)),
		Plexus: plexus.Meta{Provider: "anthro", Model: "claude-test", APIType: plexus.APIMessages},
	}
	got, err := p.StreamResponse(context.Background(), rec, chatInfo(true), resp)
	if err != nil {
		t.Fatal(err)
	}

	out := rec.Body.String()
	if !strings.Contains(out, `"content":"hello world"`) {
		t.Errorf("client stream missing text delta:\n%s", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Error("chat stream must end with the done sentinel")
	}
	if strings.Contains(out, "message_start") {
		t.Error("provider dialect leaked into the client stream")
	}
	// chat-dialect usage frames carry cumulative values; input and output
	// arrive in separate frames and merge by max
	if got.TokensInput != 25 || got.TokensOutput != 9 {
		t.Errorf("tokens = %d/%d", got.TokensInput, got.TokensOutput)
	}
	if got.FinishReason != "" && got.FinishReason != "stop" {
		t.Errorf("finish = %q", got.FinishReason)
	}
}

func TestStreamResponseTransformedToMessages(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	p := newPipeline(store)
	rec := httptest.NewRecorder()

	// provider speaks chat and reports usage in its final frame; client asked
	// in messages, whose message_start goes out before that usage exists
	sse := "data: {\"id\":\"cmpl-1\",\"model\":\"gpt-test\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hello\"}}]}\n\n" +
		"data: {\"id\":\"cmpl-1\",\"model\":\"gpt-test\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: {\"id\":\"cmpl-1\",\"model\":\"gpt-test\",\"choices\":[],\"usage\":{\"prompt_tokens\":25,\"completion_tokens\":9,\"prompt_tokens_details\":{\"cached_tokens\":5}}}\n\n" +
		"data: [DONE]\n\n"

	info := chatInfo(true)
	info.Req.IncomingAPIType = plexus.APIMessages
	resp := &plexus.UnifiedResponse{
		Stream: io.NopCloser(strings.NewReader(sse)),
		Plexus: plexus.Meta{Provider: "fast", Model: "gpt-test", APIType: plexus.APIChat},
	}
	got, err := p.StreamResponse(context.Background(), rec, info, resp)
	if err != nil {
		t.Fatal(err)
	}

	out := rec.Body.String()
	if !strings.Contains(out, "message_start") || !strings.Contains(out, "message_stop") {
		t.Errorf("client stream not messages-shaped:\n%s", out)
	}
	var deltaUsage gjson.Result
	for _, line := range strings.Split(out, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if ok && gjson.Get(data, "type").String() == "message_delta" {
			deltaUsage = gjson.Get(data, "usage")
		}
	}
	if deltaUsage.Get("input_tokens").Int() != 25 {
		t.Errorf("message_delta usage = %s", deltaUsage.Raw)
	}
	if deltaUsage.Get("cache_read_input_tokens").Int() != 5 {
		t.Errorf("message_delta usage = %s", deltaUsage.Raw)
	}
	if got.TokensInput != 25 || got.TokensOutput != 9 || got.TokensCached != 5 {
		t.Errorf("tokens = %d/%d cached %d", got.TokensInput, got.TokensOutput, got.TokensCached)
	}
	if got.TokensEstimated {
		t.Error("reported usage must not be marked estimated")
	}
}

func TestStreamImputesReasoning(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	p := newPipeline(store)
	rec := httptest.NewRecorder()

	// 44 chars of visible text (11 tokens) but 100 reported output tokens
	// alongside thinking deltas: the excess is reasoning
	text := strings.Repeat("word", 11)
	sse := "event: message_start\n" +
		"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"model\":\"m\",\"usage\":{\"input_tokens\":25}}}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"thinking_delta\",\"thinking\":\"hmm\"}}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"text_delta\",\"text\":\"" + text + "\"}}\n\n" +
		"event: message_delta\n" +
		"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":100}}\n\n" +
		"event: message_stop\n" +
		"data: {\"type\":\"message_stop\"}\n\n"

	info := chatInfo(true)
	info.Req.IncomingAPIType = plexus.APIMessages
	resp := &plexus.UnifiedResponse{
		Stream:               io.NopCloser(strings.NewReader(sse)),
		BypassTransformation: true,
		Plexus:               plexus.Meta{Provider: "anthro", Model: "m", APIType: plexus.APIMessages},
	}
	got, err := p.StreamResponse(context.Background(), rec, info, resp)
	if err != nil {
		t.Fatal(err)
	}
	if got.TokensOutput != 11 {
		t.Errorf("output = %d, want text-token count 11", got.TokensOutput)
	}
	if got.TokensReasoning != 89 {
		t.Errorf("reasoning = %d, want 89", got.TokensReasoning)
	}
	if !got.TokensEstimated {
		t.Error("imputed usage must be marked estimated")
	}
	if got.TokensInput != 25 {
		t.Errorf("input = %d", got.TokensInput)
	}
}

func TestStreamUnknownProviderDialect(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	p := newPipeline(store)
	rec := httptest.NewRecorder()

	resp := &plexus.UnifiedResponse{
		Stream: io.NopCloser(strings.NewReader("data: {}\n\n")),
		Plexus: plexus.Meta{Provider: "x", Model: "m", APIType: plexus.APIType("unknown")},
	}
	_, err := p.StreamResponse(context.Background(), rec, chatInfo(true), resp)
	if err == nil {
		t.Fatal("expected error for unknown provider dialect")
	}
	// nothing may be committed yet; the caller still owes a dialect error
	if rec.Header().Get("Content-Type") == "text/event-stream" {
		t.Error("SSE headers written before transformer resolution")
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body written: %s", rec.Body.String())
	}
}

func TestStreamEstimationFallback(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	p := newPipeline(store)
	rec := httptest.NewRecorder()

	// provider never reports usage
	sse := "data: {\"choices\":[{\"delta\":{\"content\":\"four byte chunks here\"}}]}\n\n" +
		"data: [DONE]\n\n"
	resp := &plexus.UnifiedResponse{
		Stream:               io.NopCloser(strings.NewReader(sse)),
		BypassTransformation: true,
		Plexus:               plexus.Meta{Provider: "fast", Model: "m", APIType: plexus.APIChat},
	}
	got, err := p.StreamResponse(context.Background(), rec, chatInfo(true), resp)
	if err != nil {
		t.Fatal(err)
	}
	if !got.TokensEstimated {
		t.Error("missing usage must fall back to estimation")
	}
	if got.TokensInput == 0 || got.TokensOutput == 0 {
		t.Errorf("estimated tokens = %d/%d", got.TokensInput, got.TokensOutput)
	}
}

func TestRecordFailure(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	p := newPipeline(store)

	info := chatInfo(false)
	p.RecordFailure(context.Background(), info, plexus.Meta{Provider: "fast", Model: "m"}, "HTTP 503")

	saved := store.last(t)
	if saved.ResponseStatus != "HTTP 503" {
		t.Errorf("status = %q", saved.ResponseStatus)
	}
	if saved.CostTotal != 0 || saved.CostSource != "default" {
		t.Errorf("cost = %v %q", saved.CostTotal, saved.CostSource)
	}
}
