package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/auth"
	"github.com/plexus-gw/plexus/internal/config"
	"github.com/plexus-gw/plexus/internal/cooldown"
	"github.com/plexus-gw/plexus/internal/debug"
	"github.com/plexus-gw/plexus/internal/dispatch"
	"github.com/plexus-gw/plexus/internal/perf"
	"github.com/plexus-gw/plexus/internal/pipeline"
	"github.com/plexus-gw/plexus/internal/pricing"
	"github.com/plexus-gw/plexus/internal/quota"
	"github.com/plexus-gw/plexus/internal/router"
	"github.com/plexus-gw/plexus/internal/server"
	"github.com/plexus-gw/plexus/internal/storage"
	"github.com/plexus-gw/plexus/internal/storage/postgres"
	"github.com/plexus-gw/plexus/internal/storage/sqlite"
	"github.com/plexus-gw/plexus/internal/telemetry"
	"github.com/plexus-gw/plexus/internal/transform"
	"github.com/plexus-gw/plexus/internal/transform/anthropic"
	"github.com/plexus-gw/plexus/internal/transform/gemini"
	"github.com/plexus-gw/plexus/internal/transform/openai"
	"github.com/plexus-gw/plexus/internal/transform/responses"
	"github.com/plexus-gw/plexus/internal/upstream"
	"github.com/plexus-gw/plexus/internal/worker"

	"github.com/rs/dnscache"
)

func run(configPath string) error {
	snap, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfgStore := config.NewStore(snap)

	slog.Info("starting plexus", "version", version, "addr", snap.Server.Addr)

	store, err := openStore(snap.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	// Telemetry
	var metrics *telemetry.Metrics
	if snap.Telemetry.Metrics.Enabled {
		metrics = telemetry.NewMetrics()
	}
	if snap.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, snap.Telemetry.Tracing.Endpoint, snap.Telemetry.Tracing.SampleRate)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer shutdown(context.Background())
	}

	// Cooldowns survive restarts via the store.
	cooldowns := cooldown.New(cooldown.Config{
		MinDuration: snap.Cooldown.MinDuration,
		MaxDuration: snap.Cooldown.MaxDuration,
	}, store, nil)
	if err := cooldowns.Load(ctx); err != nil {
		slog.Warn("load persisted cooldowns", "error", err)
	}

	// Performance history seeds the latency/performance selectors.
	tracker := perf.New(store, nil)
	if err := tracker.Load(ctx, allTargets(snap), time.Now().Add(-24*time.Hour)); err != nil {
		slog.Warn("load performance history", "error", err)
	}

	rt, err := router.New(cooldowns)
	if err != nil {
		return err
	}
	authn, err := auth.New()
	if err != nil {
		return err
	}

	registry := transform.NewRegistry(openai.New(), anthropic.New(), gemini.New(), responses.New())

	resolver := &dnscache.Resolver{}
	client := upstream.New(upstream.NewTransport(resolver))

	dbg := debug.New(store, snap.Debug.Enabled, nil)
	calc := pricing.New(openRouterRates(snap), nil)
	pipe := pipeline.New(registry, calc, dbg, store, tracker, nil)
	disp := dispatch.New(rt, registry, client, cooldowns, tracker, nil)
	enforcer := quota.New(store, nil)

	handler := server.New(server.Deps{
		Config:     cfgStore,
		Auth:       authn,
		Registry:   registry,
		Dispatcher: disp,
		Pipeline:   pipe,
		Quota:      enforcer,
		Debug:      dbg,
		Cooldowns:  cooldowns,
		Upstream:   client,
		Usage:      store,
		DebugStore: store,
		Events:     server.NewEventBus(),
		ReadyCheck: store.Ping,
		Metrics:    metrics,
	})

	srv := &http.Server{
		Addr:         snap.Server.Addr,
		Handler:      handler,
		ReadTimeout:  snap.Server.ReadTimeout,
		WriteTimeout: snap.Server.WriteTimeout,
	}

	// Background workers
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	runner := worker.NewRunner(
		worker.NewCooldownJanitor(cooldowns, metrics, time.Minute, time.Hour, nil),
		worker.NewPerfPruner(tracker, 10*time.Minute, 24*time.Hour, nil),
		worker.NewUsageCleaner(store, time.Hour, 0, nil),
	)
	workerErr := make(chan error, 1)
	go func() { workerErr <- runner.Run(workerCtx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("plexus ready", "addr", snap.Server.Addr)

	// SIGHUP reloads the config; SIGTERM/SIGINT shut down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reload(configPath, cfgStore, rt, authn)
				continue
			}
			slog.Info("shutting down", "signal", sig)
			stopWorkers()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), snap.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			<-workerErr
			slog.Info("plexus stopped")
			return nil
		case err := <-errCh:
			stopWorkers()
			return err
		case err := <-workerErr:
			if err != nil {
				return fmt.Errorf("background worker: %w", err)
			}
		}
	}
}

// reload swaps in a fresh snapshot and drops caches keyed on the old one.
// A config that fails to parse leaves the running snapshot in place.
func reload(path string, cfgStore *config.Store, rt *router.Router, authn *auth.Authenticator) {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("reload config: read", "error", err)
		return
	}
	if err := cfgStore.Reload(data); err != nil {
		slog.Error("reload config: parse", "error", err)
		return
	}
	rt.InvalidateAliases()
	authn.Invalidate()
	slog.Info("config reloaded", "path", path)
}

func openStore(cfg config.DatabaseConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.New(cfg.DSN)
	case "sqlite", "":
		return sqlite.New(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// allTargets flattens every alias target for seeding performance history.
func allTargets(snap *config.Snapshot) []plexus.Target {
	var out []plexus.Target
	seen := map[string]bool{}
	for _, alias := range snap.Models {
		for _, t := range alias.Targets {
			k := t.Provider + "/" + t.Model
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, plexus.Target{Provider: t.Provider, Model: t.Model})
		}
	}
	return out
}

// openRouterRates converts config rates into the pricing table shape.
func openRouterRates(snap *config.Snapshot) map[string]pricing.OpenRouterRate {
	if len(snap.OpenRouterPricing) == 0 {
		return nil
	}
	out := make(map[string]pricing.OpenRouterRate, len(snap.OpenRouterPricing))
	for model, r := range snap.OpenRouterPricing {
		out[model] = pricing.OpenRouterRate{
			Prompt:         r.Prompt,
			Completion:     r.Completion,
			InputCacheRead: r.InputCacheRead,
		}
	}
	return out
}
