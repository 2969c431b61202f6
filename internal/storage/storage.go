// Package storage defines persistence interfaces for the gateway.
//
// Two engines implement these interfaces: an embedded single-file SQLite store
// and an external PostgreSQL store. The contract is identical; callers never
// branch on the engine.
package storage

import (
	"context"
	"time"

	plexus "github.com/plexus-gw/plexus/internal"
)

// UsageFilter narrows usage queries. String fields are substring (LIKE)
// matches; zero values mean "any".
type UsageFilter struct {
	Provider           string
	IncomingModelAlias string
	SelectedModelName  string
	APIKey             string
	Since              time.Time
	Until              time.Time
	Limit              int
	Offset             int
}

// UsageStore manages durable request/debug/error records.
// All writes are idempotent by request ID (upsert-on-conflict); a write
// failure is logged by the caller but never surfaced to the client.
type UsageStore interface {
	SaveRequest(ctx context.Context, rec *plexus.UsageRecord) error
	SaveError(ctx context.Context, requestID string, errMsg string, details string) error
	GetUsage(ctx context.Context, f UsageFilter) ([]*plexus.UsageRecord, error)
	DeleteAllUsageLogs(ctx context.Context, olderThan time.Time) (int64, error)
}

// DebugStore manages raw/transformed capture persistence.
type DebugStore interface {
	SaveDebugLog(ctx context.Context, log *plexus.DebugLog) error
	GetDebugLog(ctx context.Context, requestID string) (*plexus.DebugLog, error)
	DeleteDebugLog(ctx context.Context, requestID string) error
}

// CooldownStore persists active cooldowns across restarts.
type CooldownStore interface {
	UpsertCooldown(ctx context.Context, rec *plexus.CooldownRecord) error
	DeleteCooldown(ctx context.Context, provider, model, accountID string) error
	ListActiveCooldowns(ctx context.Context, now time.Time) ([]*plexus.CooldownRecord, error)
}

// PerformanceStore persists per-request performance samples.
type PerformanceStore interface {
	SavePerformanceSample(ctx context.Context, s *plexus.PerformanceSample) error
	ListPerformanceSamples(ctx context.Context, provider, model string, since time.Time, limit int) ([]*plexus.PerformanceSample, error)
	DeletePerformanceSamples(ctx context.Context, olderThan time.Time) (int64, error)
}

// QuotaStore persists per-key quota counters.
type QuotaStore interface {
	GetQuotaState(ctx context.Context, keyName, quotaName string) (*plexus.QuotaState, error)
	UpsertQuotaState(ctx context.Context, st *plexus.QuotaState) error
	SaveQuotaSnapshot(ctx context.Context, st *plexus.QuotaState, at time.Time) error
}

// ResponseStore persists responses-API conversation state.
type ResponseStore interface {
	SaveResponse(ctx context.Context, responseID, conversationID string, body []byte, createdAt time.Time) error
	GetResponse(ctx context.Context, responseID string) ([]byte, error)
	SaveResponseItem(ctx context.Context, responseID string, seq int, item []byte) error
	ListResponseItems(ctx context.Context, responseID string) ([][]byte, error)
}

// Store combines all storage interfaces.
type Store interface {
	UsageStore
	DebugStore
	CooldownStore
	PerformanceStore
	QuotaStore
	ResponseStore
	Ping(ctx context.Context) error
	Close() error
}
