// Package dispatch implements the provider attempt loop: route, select,
// transform, call, and fail over across targets.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/config"
	"github.com/plexus-gw/plexus/internal/cooldown"
	"github.com/plexus-gw/plexus/internal/router"
	"github.com/plexus-gw/plexus/internal/selector"
	"github.com/plexus-gw/plexus/internal/telemetry"
	"github.com/plexus-gw/plexus/internal/transform"
	"github.com/plexus-gw/plexus/internal/upstream"
)

var tracer = telemetry.Tracer("plexus/dispatch")

// Dispatcher owns the single entry point for provider calls.
type Dispatcher struct {
	router    *router.Router
	registry  *transform.Registry
	client    *upstream.Client
	cooldowns *cooldown.Manager
	perf      selector.PerfReader
	log       *slog.Logger
}

// New creates a Dispatcher. perf may be nil (latency and performance
// selectors then degrade to random).
func New(rt *router.Router, registry *transform.Registry, client *upstream.Client,
	cooldowns *cooldown.Manager, perf selector.PerfReader, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		router:    rt,
		registry:  registry,
		client:    client,
		cooldowns: cooldowns,
		perf:      perf,
		log:       log,
	}
}

// Dispatch resolves the request's model, then walks targets in selector order
// until one succeeds. Retryable failures trip a cooldown and move on; the
// rest surface immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, snap *config.Snapshot, req *plexus.UnifiedRequest) (*plexus.UnifiedResponse, error) {
	ctx, span := tracer.Start(ctx, "dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", req.Model),
		attribute.String("dialect", string(req.IncomingAPIType)),
	)

	route, err := d.router.Resolve(snap, req.Model, req.IncomingAPIType, "")
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	sctx := &selector.Context{
		PreviousAttempts: map[string]bool{},
		PricingFor: func(provider, model string) *plexus.Pricing {
			if mc := snap.ModelConfigFor(provider, model); mc != nil {
				return mc.Pricing
			}
			return nil
		},
		Perf: d.perf,
	}

	var (
		lastErr        error
		lastStatus     int
		attempts       int
		lastProvider   string
		lastModel      string
		attemptedProvs []string
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		target := selector.Select(route.Targets, route.Selector, sctx)
		if target == nil {
			break
		}
		sctx.PreviousAttempts[target.Provider+"/"+target.Model] = true
		attempts++
		lastProvider, lastModel = target.Provider, target.Model
		if !contains(attemptedProvs, target.Provider) {
			attemptedProvs = append(attemptedProvs, target.Provider)
		}

		resp, err := d.attempt(ctx, snap, req, route, target)
		if err == nil {
			resp.Plexus.AttemptCount = attempts
			resp.Plexus.FinalAttemptProvider = target.Provider
			resp.Plexus.FinalAttemptModel = target.Model
			resp.Plexus.AllAttemptedProviders = attemptedProvs
			d.cooldowns.Reset(ctx, target.Provider, target.Model, "")
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		reason, retryable := cooldown.Classify(err)
		var apiErr *upstream.APIError
		if errors.As(err, &apiErr) {
			lastStatus = apiErr.StatusCode
		}
		if !retryable {
			// Client-shaped failures (other 4xx, bad bodies) are final: no
			// cooldown, no failover.
			return nil, &plexus.DispatchError{
				Last: err,
				RoutingContext: plexus.RoutingContext{
					Attempts:      attempts,
					StatusCode:    lastStatus,
					FinalProvider: target.Provider,
					FinalModel:    target.Model,
				},
			}
		}

		var retryAfter time.Duration
		if reason == plexus.ReasonRateLimit && apiErr != nil {
			if ra := upstream.ParseRetryAfter(apiErr.RetryAfter); ra.Source == "header" {
				retryAfter = ra.Duration
			}
		}
		until := d.cooldowns.Trip(ctx, target.Provider, target.Model, "", reason, retryAfter)
		d.log.Warn("provider attempt failed",
			"provider", target.Provider,
			"model", target.Model,
			"reason", string(reason),
			"cooldown_until", until,
			"error", err)
		lastErr = err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no targets available for %q", req.Model)
	}
	return nil, &plexus.DispatchError{
		Last: lastErr,
		RoutingContext: plexus.RoutingContext{
			Attempts:      attempts,
			StatusCode:    lastStatus,
			FinalProvider: lastProvider,
			FinalModel:    lastModel,
		},
	}
}

// attempt performs one provider call against a single target.
func (d *Dispatcher) attempt(ctx context.Context, snap *config.Snapshot, req *plexus.UnifiedRequest,
	route *router.Route, target *plexus.Target) (_ *plexus.UnifiedResponse, err error) {

	ctx, span := tracer.Start(ctx, "provider_call")
	span.SetAttributes(
		attribute.String("provider", target.Provider),
		attribute.String("target_model", target.Model),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "attempt failed")
		}
		span.End()
	}()

	provider, ok := snap.Providers[target.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q vanished from config", plexus.ErrInvalidRequest, target.Provider)
	}
	outgoing := outgoingAPI(snap, provider, target, req.IncomingAPIType)
	tr, err := d.registry.Get(outgoing)
	if err != nil {
		return nil, err
	}

	passThrough := outgoing == req.IncomingAPIType && len(req.OriginalBody) > 0

	var body []byte
	if passThrough {
		// Never mutate the original body; later attempts and debug capture
		// still need it verbatim.
		body, err = sjson.SetBytes(req.OriginalBody, "model", target.Model)
		if err != nil {
			return nil, fmt.Errorf("dispatch: rewrite model: %w", err)
		}
	} else {
		body, err = tr.TransformRequest(req, target.Model)
		if err != nil {
			return nil, fmt.Errorf("dispatch: transform request: %w", err)
		}
	}

	upReq := &upstream.Request{
		Provider:  provider,
		APIType:   outgoing,
		Endpoint:  tr.DefaultEndpoint(target.Model, req.Stream),
		Body:      body,
		RequestID: req.RequestID,
	}

	meta := plexus.Meta{
		Provider:         target.Provider,
		Model:            target.Model,
		CanonicalModel:   route.CanonicalModel,
		APIType:          outgoing,
		ProviderDiscount: provider.Discount,
	}
	if mc := snap.ModelConfigFor(target.Provider, target.Model); mc != nil {
		meta.Pricing = mc.Pricing
	}

	if req.Stream {
		httpResp, err := d.client.DoRaw(ctx, upReq)
		if err != nil {
			return nil, err
		}
		return &plexus.UnifiedResponse{
			Model:                target.Model,
			Stream:               httpResp.Body,
			BypassTransformation: passThrough,
			Plexus:               meta,
		}, nil
	}

	respBody, err := d.client.Do(ctx, upReq)
	if err != nil {
		return nil, err
	}
	if passThrough {
		resp := &plexus.UnifiedResponse{
			Model:                target.Model,
			RawResponse:          respBody,
			BypassTransformation: true,
			Plexus:               meta,
		}
		// Accounting still needs token counts off the untouched body.
		if usage, ok := tr.ExtractUsage(string(respBody)); ok {
			resp.Usage = *usage
		}
		return resp, nil
	}
	resp, err := tr.ParseResponse(respBody, target.Model)
	if err != nil {
		return nil, fmt.Errorf("dispatch: parse response: %w", err)
	}
	resp.Plexus = meta
	return resp, nil
}

// outgoingAPI picks the dialect for a target: a model's access_via overrides
// the provider type, preferring the incoming dialect when declared.
func outgoingAPI(snap *config.Snapshot, provider *config.Provider, target *plexus.Target, incoming plexus.APIType) plexus.APIType {
	mc := snap.ModelConfigFor(target.Provider, target.Model)
	if mc == nil || len(mc.AccessVia) == 0 {
		return provider.Type
	}
	if mc.Declares(incoming) {
		return incoming
	}
	return mc.AccessVia[0]
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
