package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/config"
	"github.com/plexus-gw/plexus/internal/pipeline"
	"github.com/plexus-gw/plexus/internal/quota"
	"github.com/plexus-gw/plexus/internal/transform/gemini"
)

// maxRequestBody caps inbound inference bodies (32 MB, matching the cap on
// provider responses).
const maxRequestBody = 32 << 20

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.handleInference(w, r, plexus.APIChat)
}

func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.handleInference(w, r, plexus.APIMessages)
}

func (s *server) handleResponses(w http.ResponseWriter, r *http.Request) {
	s.handleInference(w, r, plexus.APIResponses)
}

// handleGemini resolves the model and stream flag from the URL path before
// entering the common flow; the gemini dialect does not carry either in the
// body.
func (s *server) handleGemini(w http.ResponseWriter, r *http.Request) {
	model, stream, err := gemini.ModelFromPath(r.URL.Path)
	if err != nil {
		writeDialectError(w, plexus.APIGemini, http.StatusBadRequest, err.Error())
		return
	}
	s.handleInference(w, r, plexus.APIGemini, func(req *plexus.UnifiedRequest) {
		req.Model = model
		req.Stream = stream
	})
}

// handleInference is the common flow for all four dialect endpoints: parse,
// quota check, dispatch, pipe the response back, then settle the books.
func (s *server) handleInference(w http.ResponseWriter, r *http.Request, api plexus.APIType, fixups ...func(*plexus.UnifiedRequest)) {
	snap := s.deps.Config.Current()
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeDialectError(w, api, http.StatusBadRequest, "failed to read request body")
		return
	}

	tr, err := s.deps.Registry.Get(api)
	if err != nil {
		writeDialectError(w, api, http.StatusInternalServerError, err.Error())
		return
	}
	req, err := tr.ParseRequest(body)
	if err != nil {
		writeDialectError(w, api, http.StatusBadRequest, err.Error())
		return
	}
	req.IncomingAPIType = api
	req.RequestID = plexus.RequestIDFromContext(ctx)
	for _, fix := range fixups {
		fix(req)
	}
	if req.Model == "" {
		writeDialectError(w, api, http.StatusBadRequest, "model is required")
		return
	}

	keyName := plexus.KeyNameFromContext(ctx)
	if s.deps.Quota != nil {
		decision, err := s.deps.Quota.Check(ctx, snap, keyName)
		if err == nil && !decision.Allowed {
			if s.deps.Metrics != nil {
				s.deps.Metrics.QuotaRejects.WithLabelValues(keyName).Inc()
			}
			writeQuotaDenial(w, api, decision)
			return
		}
		// A quota store failure must not block traffic; fall through.
	}

	s.deps.Debug.StartLog(req.RequestID, body, false)

	info := &pipeline.Info{
		Req:       req,
		StartTime: time.Now(),
		SourceIP:  plexus.SourceIPFromContext(ctx),
		KeyName:   keyName,
	}

	resp, err := s.deps.Dispatcher.Dispatch(ctx, snap, req)
	if err != nil {
		status := errorStatus(err)
		s.deps.Pipeline.RecordFailure(ctx, info, failureMeta(err, api), fmt.Sprintf("HTTP %d", status))
		s.deps.Debug.Flush(ctx, req.RequestID)
		if ctx.Err() == nil {
			writeDialectError(w, api, status, err.Error())
		}
		return
	}

	var rec *plexus.UsageRecord
	if req.Stream {
		rec, err = s.deps.Pipeline.StreamResponse(ctx, w, info, resp)
	} else {
		rec, err = s.deps.Pipeline.UnaryResponse(ctx, w, info, resp)
	}
	if err != nil {
		// Nothing was written yet when the pipeline errors this early.
		s.deps.Pipeline.RecordFailure(ctx, info, resp.Plexus, "HTTP 500")
		s.deps.Debug.Flush(ctx, req.RequestID)
		writeDialectError(w, api, http.StatusInternalServerError, err.Error())
		return
	}

	s.settle(ctx, snap, keyName, rec)
}

// settle records quota consumption, flushes debug capture, and publishes the
// usage event. Runs after the response; failures never reach the client.
func (s *server) settle(ctx context.Context, snap *config.Snapshot, keyName string, rec *plexus.UsageRecord) {
	ctx = context.WithoutCancel(ctx)
	if s.deps.Quota != nil {
		s.deps.Quota.Record(ctx, snap, keyName, plexus.Usage{
			InputTokens:     rec.TokensInput,
			OutputTokens:    rec.TokensOutput,
			ReasoningTokens: rec.TokensReasoning,
			CachedTokens:    rec.TokensCached,
		})
	}
	s.deps.Debug.Flush(ctx, rec.RequestID)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveTokens(rec.Provider, rec.SelectedModelName,
			rec.TokensInput, rec.TokensOutput, rec.TokensReasoning, rec.TokensCached)
	}
	if s.deps.Events != nil {
		s.deps.Events.Publish(rec)
	}
}

// writeQuotaDenial emits the 429 with rate-limit headers in the caller's dialect.
func writeQuotaDenial(w http.ResponseWriter, api plexus.APIType, d *quota.Decision) {
	h := w.Header()
	h.Set("x-ratelimit-remaining", strconv.FormatFloat(d.Remaining, 'f', 0, 64))
	if !d.ResetsAt.IsZero() {
		h.Set("x-ratelimit-reset", strconv.FormatInt(d.ResetsAt.Unix(), 10))
	}
	if d.RetryAfter > 0 {
		h.Set("retry-after", strconv.Itoa(int(d.RetryAfter.Round(time.Second).Seconds())))
	}
	msg := fmt.Sprintf("quota %q exceeded: %s limit %.0f reached", d.QuotaName, d.LimitType, d.Limit)
	writeDialectError(w, api, http.StatusTooManyRequests, msg)
}

// failureMeta extracts provider attribution from a dispatch failure, so the
// usage record names who was last tried.
func failureMeta(err error, api plexus.APIType) plexus.Meta {
	meta := plexus.Meta{APIType: api}
	var dispErr *plexus.DispatchError
	if errors.As(err, &dispErr) {
		meta.Provider = dispErr.RoutingContext.FinalProvider
		meta.Model = dispErr.RoutingContext.FinalModel
		meta.AttemptCount = dispErr.RoutingContext.Attempts
	}
	return meta
}
