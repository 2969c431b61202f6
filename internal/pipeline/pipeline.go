// Package pipeline carries provider replies back to clients: unary bodies
// and SSE streams, with debug taps, usage extraction, and cost finalization.
// It works identically on transformed and pass-through flows.
package pipeline

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/debug"
	"github.com/plexus-gw/plexus/internal/perf"
	"github.com/plexus-gw/plexus/internal/pricing"
	"github.com/plexus-gw/plexus/internal/storage"
	"github.com/plexus-gw/plexus/internal/tokencount"
	"github.com/plexus-gw/plexus/internal/transform"
	"github.com/plexus-gw/plexus/internal/transform/sseutil"
)

// Pipeline finalizes responses. One instance serves all requests.
type Pipeline struct {
	registry *transform.Registry
	pricing  *pricing.Calculator
	counter  *tokencount.Counter
	debug    *debug.Manager
	usage    storage.UsageStore // may be nil
	perf     *perf.Tracker      // may be nil
	log      *slog.Logger
}

// New creates a Pipeline. usage and perf may be nil (nothing persisted).
func New(registry *transform.Registry, calc *pricing.Calculator, dbg *debug.Manager,
	usage storage.UsageStore, tracker *perf.Tracker, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if dbg == nil {
		dbg = debug.New(nil, false, log)
	}
	return &Pipeline{
		registry: registry,
		pricing:  calc,
		counter:  tokencount.NewCounter(),
		debug:    dbg,
		usage:    usage,
		perf:     tracker,
		log:      log,
	}
}

// Info is the per-request context the pipeline needs for bookkeeping.
type Info struct {
	Req       *plexus.UnifiedRequest
	StartTime time.Time
	SourceIP  string
	KeyName   string
}

// UnaryResponse writes a non-streaming reply and persists its usage record.
// The routing envelope never reaches the client.
func (p *Pipeline) UnaryResponse(ctx context.Context, w http.ResponseWriter, info *Info, resp *plexus.UnifiedResponse) (*plexus.UsageRecord, error) {
	var body []byte
	if resp.BypassTransformation {
		body = resp.RawResponse
	} else {
		tr, err := p.registry.Get(info.Req.IncomingAPIType)
		if err != nil {
			return nil, err
		}
		body, err = tr.FormatResponse(resp)
		if err != nil {
			return nil, err
		}
	}
	p.debug.AddTransformedResponse(info.Req.RequestID, body)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		p.log.Warn("write response", "request_id", info.Req.RequestID, "error", err)
	}

	rec := p.baseRecord(info, resp.Plexus)
	rec.TokensInput = resp.Usage.InputTokens
	rec.TokensOutput = resp.Usage.OutputTokens
	rec.TokensReasoning = resp.Usage.ReasoningTokens
	rec.TokensCached = resp.Usage.CachedTokens
	rec.TokensCacheWrite = resp.Usage.CacheCreationTokens
	rec.IsPassthrough = resp.BypassTransformation
	rec.FinishReason = resp.FinishReason
	rec.ToolCallsCount = countToolCalls(resp.Content)
	rec.DurationMs = time.Since(info.StartTime).Milliseconds()
	rec.TTFTMs = rec.DurationMs
	rec.ResponseStatus = "success"

	p.pricing.Calculate(rec, resp.Plexus.Pricing, resp.Plexus.ProviderDiscount)
	p.persist(ctx, rec)
	return rec, nil
}

// StreamResponse pipes an SSE stream to the client, tapping bytes for debug
// capture and usage extraction on the way, then persists the usage record.
func (p *Pipeline) StreamResponse(ctx context.Context, w http.ResponseWriter, info *Info, resp *plexus.UnifiedResponse) (*plexus.UsageRecord, error) {
	clientTr, err := p.registry.Get(info.Req.IncomingAPIType)
	if err != nil {
		resp.Stream.Close()
		return nil, err
	}
	// Resolve the provider transformer before committing the SSE headers, so a
	// registry miss can still surface as a dialect error response.
	var providerTr transform.Transformer
	if !resp.BypassTransformation {
		providerTr, err = p.registry.Get(resp.Plexus.APIType)
		if err != nil {
			resp.Stream.Close()
			return nil, err
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	requestID := info.Req.RequestID
	rawTap := newTap("raw", func(b []byte) {
		p.debug.AddRawResponseChunk(requestID, b)
	}, p.log)
	transformedTap := newTap("transformed", func(b []byte) {
		p.debug.AddTransformedResponseChunk(requestID, b)
	}, p.log)
	defer rawTap.close()
	defer transformedTap.close()

	insp := newInspector(clientTr)
	var ttft time.Duration
	writeFrame := func(frame []byte) bool {
		if ttft == 0 {
			ttft = time.Since(info.StartTime)
		}
		transformedTap.write(frame)
		insp.observe(frame)
		if _, err := w.Write(frame); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	if resp.BypassTransformation {
		// Matching dialects: byte-for-byte frames, no chunk conversion.
		scanner := sseutil.NewFrameScanner(tapReader{resp.Stream, rawTap})
		for {
			frame, ok := scanner.Next()
			if !ok || !writeFrame(frame) {
				break
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			p.log.Warn("read provider stream", "request_id", requestID, "error", err)
		}
		resp.Stream.Close()
	} else {
		chunks := make(chan plexus.StreamChunk, 8)
		frames := make(chan []byte, 8)
		go providerTr.TransformStream(ctx, tapReader{resp.Stream, rawTap}, chunks)
		go clientTr.FormatStream(ctx, chunks, frames)
		for frame := range frames {
			if !writeFrame(frame) {
				// drain so the producer goroutines can exit
				for range frames {
				}
				break
			}
		}
	}

	rec := p.finalizeStream(ctx, info, resp, insp, ttft)
	return rec, nil
}

// finalizeStream computes durations, applies imputation/estimation, runs the
// cost calculation, and persists the record and a performance sample.
func (p *Pipeline) finalizeStream(ctx context.Context, info *Info, resp *plexus.UnifiedResponse, insp *inspector, ttft time.Duration) *plexus.UsageRecord {
	usage, estimated := insp.finalize(p.counter, info.Req)

	rec := p.baseRecord(info, resp.Plexus)
	rec.TokensInput = usage.InputTokens
	rec.TokensOutput = usage.OutputTokens
	rec.TokensReasoning = usage.ReasoningTokens
	rec.TokensCached = usage.CachedTokens
	rec.TokensCacheWrite = usage.CacheCreationTokens
	rec.TokensEstimated = estimated
	rec.IsStreamed = true
	rec.IsPassthrough = resp.BypassTransformation
	rec.ToolCallsCount = insp.toolCalls
	rec.DurationMs = time.Since(info.StartTime).Milliseconds()
	rec.TTFTMs = ttft.Milliseconds()
	rec.ResponseStatus = "success"
	if ctx.Err() != nil {
		rec.ResponseStatus = "error"
	}
	if gen := rec.DurationMs - rec.TTFTMs; gen > 0 && usage.OutputTokens > 0 {
		rec.TokensPerSec = float64(usage.OutputTokens) / float64(gen) * 1000
	}

	p.pricing.Calculate(rec, resp.Plexus.Pricing, resp.Plexus.ProviderDiscount)
	p.persist(ctx, rec)
	return rec
}

// RecordFailure persists a usage record for a request that never produced a
// response body.
func (p *Pipeline) RecordFailure(ctx context.Context, info *Info, meta plexus.Meta, status string) {
	rec := p.baseRecord(info, meta)
	rec.DurationMs = time.Since(info.StartTime).Milliseconds()
	rec.ResponseStatus = status
	rec.IsStreamed = info.Req.Stream
	p.pricing.Calculate(rec, nil, 0)
	p.persist(ctx, rec)
}

func (p *Pipeline) baseRecord(info *Info, meta plexus.Meta) *plexus.UsageRecord {
	req := info.Req
	return &plexus.UsageRecord{
		RequestID:             req.RequestID,
		Date:                  info.StartTime.UTC(),
		SourceIP:              info.SourceIP,
		APIKey:                info.KeyName,
		IncomingAPIType:       req.IncomingAPIType,
		OutgoingAPIType:       meta.APIType,
		Provider:              meta.Provider,
		IncomingModelAlias:    req.Model,
		CanonicalModelName:    meta.CanonicalModel,
		SelectedModelName:     meta.Model,
		AttemptCount:          meta.AttemptCount,
		FinalAttemptProvider:  meta.FinalAttemptProvider,
		FinalAttemptModel:     meta.FinalAttemptModel,
		AllAttemptedProviders: meta.AllAttemptedProviders,
		StartTime:             info.StartTime.UTC(),
		ToolsDefined:          len(req.Tools),
		MessageCount:          len(req.Messages),
	}
}

// persist writes the usage record and a performance sample. Persistence must
// survive client disconnects, so cancellation is stripped.
func (p *Pipeline) persist(ctx context.Context, rec *plexus.UsageRecord) {
	ctx = context.WithoutCancel(ctx)
	if p.usage != nil {
		if err := p.usage.SaveRequest(ctx, rec); err != nil {
			p.log.Warn("save usage record", "request_id", rec.RequestID, "error", err)
		}
	}
	if p.perf != nil && rec.ResponseStatus == "success" {
		p.perf.Record(ctx, plexus.PerformanceSample{
			Provider:       rec.Provider,
			Model:          rec.SelectedModelName,
			CanonicalModel: rec.CanonicalModelName,
			RequestID:      rec.RequestID,
			TTFTMs:         rec.TTFTMs,
			TotalTokens:    rec.TokensInput + rec.TokensOutput + rec.TokensReasoning,
			DurationMs:     rec.DurationMs,
			TokensPerSec:   rec.TokensPerSec,
			CreatedAt:      rec.StartTime,
		})
	}
}

func countToolCalls(parts []plexus.Part) int {
	n := 0
	for _, p := range parts {
		if p.Type == plexus.PartToolCall {
			n++
		}
	}
	return n
}

// tapReader duplicates provider bytes into a tap while forwarding them.
type tapReader struct {
	plexus.StreamReader
	tap *tap
}

func (r tapReader) Read(b []byte) (int, error) {
	n, err := r.StreamReader.Read(b)
	if n > 0 {
		r.tap.write(b[:n])
	}
	return n, err
}
