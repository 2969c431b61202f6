// Package quota enforces per-key usage quotas. Rolling quotas leak at a
// constant rate; daily and weekly quotas clear at fixed UTC instants.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/config"
	"github.com/plexus-gw/plexus/internal/storage"
)

// Decision is the outcome of a pre-request quota check.
type Decision struct {
	Allowed      bool
	QuotaName    string
	LimitType    plexus.QuotaLimitType
	Limit        float64
	CurrentUsage float64
	Remaining    float64
	ResetsAt     time.Time
	RetryAfter   time.Duration
}

// Enforcer checks and records quota usage against the persistent store.
type Enforcer struct {
	store storage.QuotaStore
	log   *slog.Logger
	now   func() time.Time
}

// New creates an Enforcer.
func New(store storage.QuotaStore, log *slog.Logger) *Enforcer {
	if log == nil {
		log = slog.Default()
	}
	return &Enforcer{store: store, log: log, now: time.Now}
}

// Check evaluates all quotas attached to the key before a provider is
// contacted. The first exceeded quota denies the request.
func (e *Enforcer) Check(ctx context.Context, snap *config.Snapshot, keyName string) (*Decision, error) {
	key := snap.KeyByName(keyName)
	if key == nil || len(key.Quotas) == 0 {
		return &Decision{Allowed: true}, nil
	}
	for _, name := range key.Quotas {
		q, ok := snap.Quotas[name]
		if !ok {
			continue
		}
		d, err := e.checkOne(ctx, keyName, q)
		if err != nil {
			return nil, err
		}
		if !d.Allowed {
			return d, nil
		}
	}
	return &Decision{Allowed: true}, nil
}

func (e *Enforcer) checkOne(ctx context.Context, keyName string, q *config.QuotaConfig) (*Decision, error) {
	st, err := e.loadState(ctx, keyName, q)
	if err != nil {
		return nil, err
	}
	now := e.now()

	switch q.Window {
	case "rolling":
		// Constant-rate leak since the last update, floored at zero.
		if q.Duration > 0 {
			elapsed := now.Sub(st.LastUpdated)
			leak := q.Limit * elapsed.Seconds() / q.Duration.Seconds()
			st.CurrentUsage = max(0, st.CurrentUsage-leak)
		}
	case "daily", "weekly":
		if now.After(nextReset(q.Window, st.LastUpdated)) {
			st.CurrentUsage = 0
		}
	}
	st.LastUpdated = now
	if err := e.store.UpsertQuotaState(ctx, st); err != nil {
		return nil, fmt.Errorf("quota: persist state: %w", err)
	}

	d := &Decision{
		Allowed:      st.CurrentUsage < q.Limit,
		QuotaName:    q.Name,
		LimitType:    q.LimitType,
		Limit:        q.Limit,
		CurrentUsage: st.CurrentUsage,
		Remaining:    max(0, q.Limit-st.CurrentUsage),
		ResetsAt:     nextReset(q.Window, now),
	}
	if !d.Allowed {
		d.RetryAfter = e.retryAfter(q, st, now)
	}
	return d, nil
}

// Record adds a completed request's consumption to every quota on the key.
// Called after the response; failures are logged, never surfaced.
func (e *Enforcer) Record(ctx context.Context, snap *config.Snapshot, keyName string, usage plexus.Usage) {
	key := snap.KeyByName(keyName)
	if key == nil {
		return
	}
	for _, name := range key.Quotas {
		q, ok := snap.Quotas[name]
		if !ok {
			continue
		}
		if err := e.recordOne(ctx, keyName, q, usage); err != nil {
			e.log.Warn("record quota usage", "key", keyName, "quota", name, "error", err)
		}
	}
}

func (e *Enforcer) recordOne(ctx context.Context, keyName string, q *config.QuotaConfig, usage plexus.Usage) error {
	st, err := e.loadState(ctx, keyName, q)
	if err != nil {
		return err
	}

	// A changed quota definition invalidates the accumulated counter.
	if st.LastKnownLimit != q.Limit || st.LastKnownLimitType != q.LimitType {
		st.CurrentUsage = 0
		st.LastKnownLimit = q.Limit
		st.LastKnownLimitType = q.LimitType
	}

	amount := 1.0
	if q.LimitType == plexus.QuotaTokens {
		amount = float64(usage.InputTokens + usage.OutputTokens + usage.ReasoningTokens + usage.CachedTokens)
	}
	st.CurrentUsage += amount
	st.LastUpdated = e.now()

	if err := e.store.UpsertQuotaState(ctx, st); err != nil {
		return err
	}
	if err := e.store.SaveQuotaSnapshot(ctx, st, st.LastUpdated); err != nil {
		e.log.Warn("save quota snapshot", "key", keyName, "quota", q.Name, "error", err)
	}
	return nil
}

func (e *Enforcer) loadState(ctx context.Context, keyName string, q *config.QuotaConfig) (*plexus.QuotaState, error) {
	st, err := e.store.GetQuotaState(ctx, keyName, q.Name)
	if errors.Is(err, plexus.ErrNotFound) {
		return &plexus.QuotaState{
			KeyName:            keyName,
			QuotaName:          q.Name,
			LimitType:          q.LimitType,
			LastUpdated:        e.now(),
			LastKnownLimit:     q.Limit,
			LastKnownLimitType: q.LimitType,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("quota: load state: %w", err)
	}
	return st, nil
}

// retryAfter estimates when enough headroom exists for one more unit.
func (e *Enforcer) retryAfter(q *config.QuotaConfig, st *plexus.QuotaState, now time.Time) time.Duration {
	if q.Window == "rolling" && q.Duration > 0 && q.Limit > 0 {
		over := st.CurrentUsage - q.Limit + 1
		secs := over * q.Duration.Seconds() / q.Limit
		if secs < 1 {
			secs = 1
		}
		return time.Duration(secs * float64(time.Second))
	}
	return time.Until(nextReset(q.Window, now))
}

// nextReset returns the next clearing instant: midnight UTC for daily,
// Sunday midnight UTC for weekly, and the zero time for rolling windows.
func nextReset(window string, from time.Time) time.Time {
	from = from.UTC()
	switch window {
	case "daily":
		return time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	case "weekly":
		days := (7 - int(from.Weekday())) % 7
		if days == 0 {
			days = 7
		}
		return time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)
	}
	return time.Time{}
}
