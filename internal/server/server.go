// Package server implements the HTTP transport layer for the Plexus gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/plexus-gw/plexus/internal/auth"
	"github.com/plexus-gw/plexus/internal/config"
	"github.com/plexus-gw/plexus/internal/cooldown"
	"github.com/plexus-gw/plexus/internal/debug"
	"github.com/plexus-gw/plexus/internal/dispatch"
	"github.com/plexus-gw/plexus/internal/pipeline"
	"github.com/plexus-gw/plexus/internal/quota"
	"github.com/plexus-gw/plexus/internal/storage"
	"github.com/plexus-gw/plexus/internal/telemetry"
	"github.com/plexus-gw/plexus/internal/transform"
	"github.com/plexus-gw/plexus/internal/upstream"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Config     *config.Store
	Auth       *auth.Authenticator
	Registry   *transform.Registry
	Dispatcher *dispatch.Dispatcher
	Pipeline   *pipeline.Pipeline
	Quota      *quota.Enforcer    // nil = no quota enforcement
	Debug      *debug.Manager     // nil = no debug capture
	Cooldowns  *cooldown.Manager  // needed for admin cooldown endpoints
	Upstream   *upstream.Client   // needed for raw pass-through routes
	Usage      storage.UsageStore // nil = admin usage query disabled
	DebugStore storage.DebugStore // nil = admin debug endpoints disabled
	Events     *EventBus          // nil = /v1/events disabled
	ReadyCheck ReadyChecker       // nil = always ready (for tests)
	Metrics    *telemetry.Metrics // nil = no metrics
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.Debug == nil {
		deps.Debug = debug.New(nil, false, nil)
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(s.measure)
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	// Client-facing API (auth required), one route per dialect
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChat)
		r.Post("/v1/messages", s.handleMessages)
		r.Post("/v1/responses", s.handleResponses)
		// Gemini addresses the model in the path: /v1beta/models/{model}:{op}
		r.Post("/v1beta/models/*", s.handleGemini)
		r.Get("/v1/models", s.handleListModels)
		r.Post("/v1/audio/transcriptions", s.handleTranscriptions)
		r.Get("/v1/events", s.handleEvents)
	})

	// Operator endpoints (auth required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/admin/cooldowns", s.handleListCooldowns)
		r.Post("/admin/cooldowns/clear", s.handleClearCooldowns)
		r.Get("/admin/usage", s.handleQueryUsage)
		r.Get("/admin/debug/{requestID}", s.handleGetDebugLog)
		r.Delete("/admin/debug/{requestID}", s.handleDeleteDebugLog)
	})

	return r
}

type server struct {
	deps Deps
}
