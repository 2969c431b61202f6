// Package cooldown tracks per-target failure suppressions. A target that
// failed recently is skipped by routing until its cooldown expires, reducing
// failover latency from seconds (timeout + network) to nanoseconds (map check).
package cooldown

import (
	"context"
	"log/slog"
	"sync"
	"time"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/storage"
)

// key identifies one cooled-down target.
type key struct {
	provider  string
	model     string
	accountID string
}

// entry is the in-memory cooldown state for one target.
type entry struct {
	expiresAt           time.Time
	consecutiveFailures int
	reason              plexus.CooldownReason
	createdAt           time.Time
}

// Config bounds the cooldown durations.
type Config struct {
	MinDuration time.Duration
	MaxDuration time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinDuration: 5 * time.Second,
		MaxDuration: 30 * time.Minute,
	}
}

// Manager is the authoritative in-memory cooldown registry with write-through
// persistence. Reads never touch the store.
type Manager struct {
	mu      sync.RWMutex
	entries map[key]*entry
	cfg     Config
	store   storage.CooldownStore // may be nil in tests
	log     *slog.Logger
	now     func() time.Time
}

// New creates a Manager backed by the given store. store may be nil.
func New(cfg Config, store storage.CooldownStore, log *slog.Logger) *Manager {
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = DefaultConfig().MinDuration
	}
	if cfg.MaxDuration < cfg.MinDuration {
		cfg.MaxDuration = DefaultConfig().MaxDuration
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		entries: make(map[key]*entry),
		cfg:     cfg,
		store:   store,
		log:     log,
		now:     time.Now,
	}
}

// Load seeds the registry from persisted cooldowns that are still active.
// Called once at startup so restarts do not forget recent failures.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	records, err := m.store.ListActiveCooldowns(ctx, m.now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	for _, r := range records {
		m.entries[key{r.Provider, r.Model, r.AccountID}] = &entry{
			expiresAt:           r.ExpiresAt,
			consecutiveFailures: r.ConsecutiveFailures,
			reason:              r.Reason,
			createdAt:           r.CreatedAt,
		}
	}
	n := len(m.entries)
	m.mu.Unlock()
	if n > 0 {
		m.log.Info("loaded active cooldowns", slog.Int("count", n))
	}
	return nil
}

// baseDuration maps a failure reason to its initial cooldown length.
func baseDuration(reason plexus.CooldownReason) time.Duration {
	switch reason {
	case plexus.ReasonRateLimit:
		return 30 * time.Second
	case plexus.ReasonAuthError:
		return 5 * time.Minute
	case plexus.ReasonTimeout:
		return 30 * time.Second
	case plexus.ReasonServerError:
		return 15 * time.Second
	case plexus.ReasonConnectionError:
		return 15 * time.Second
	default:
		return 15 * time.Second
	}
}

// durationFor computes the cooldown length for the nth consecutive failure.
// Doubles per failure, clamped to [MinDuration, MaxDuration]. A provider
// Retry-After wins over the computed value but stays within the same clamp.
func (m *Manager) durationFor(reason plexus.CooldownReason, failures int, retryAfter time.Duration) time.Duration {
	d := retryAfter
	if d <= 0 {
		d = baseDuration(reason)
		for i := 1; i < failures; i++ {
			d *= 2
			if d >= m.cfg.MaxDuration {
				break
			}
		}
	}
	if d < m.cfg.MinDuration {
		d = m.cfg.MinDuration
	}
	if d > m.cfg.MaxDuration {
		d = m.cfg.MaxDuration
	}
	return d
}

// Trip records a failure for the target and starts (or extends) its cooldown.
// retryAfter <= 0 means the provider gave no hint. Returns the expiry time.
func (m *Manager) Trip(ctx context.Context, provider, model, accountID string, reason plexus.CooldownReason, retryAfter time.Duration) time.Time {
	now := m.now()
	k := key{provider, model, accountID}

	m.mu.Lock()
	e := m.entries[k]
	if e == nil {
		e = &entry{createdAt: now}
		m.entries[k] = e
	}
	e.consecutiveFailures++
	e.reason = reason
	e.expiresAt = now.Add(m.durationFor(reason, e.consecutiveFailures, retryAfter))
	rec := &plexus.CooldownRecord{
		Provider:            provider,
		Model:               model,
		AccountID:           accountID,
		ExpiresAt:           e.expiresAt,
		ConsecutiveFailures: e.consecutiveFailures,
		Reason:              reason,
		CreatedAt:           e.createdAt,
	}
	m.mu.Unlock()

	m.log.Warn("target cooldown",
		slog.String("provider", provider),
		slog.String("model", model),
		slog.String("reason", string(reason)),
		slog.Int("consecutive_failures", rec.ConsecutiveFailures),
		slog.Time("expires_at", rec.ExpiresAt))

	if m.store != nil {
		if err := m.store.UpsertCooldown(ctx, rec); err != nil {
			m.log.Error("persist cooldown", slog.String("error", err.Error()))
		}
	}
	return rec.ExpiresAt
}

// Reset clears the target's failure streak after a success.
func (m *Manager) Reset(ctx context.Context, provider, model, accountID string) {
	k := key{provider, model, accountID}
	m.mu.Lock()
	_, had := m.entries[k]
	delete(m.entries, k)
	m.mu.Unlock()
	if !had {
		return
	}
	if m.store != nil {
		if err := m.store.DeleteCooldown(ctx, provider, model, accountID); err != nil {
			m.log.Error("delete cooldown", slog.String("error", err.Error()))
		}
	}
}

// Remaining returns how long the target stays suppressed, or zero when healthy.
// Expired entries are kept for their failure streak until Reset or eviction.
func (m *Manager) Remaining(provider, model, accountID string) time.Duration {
	m.mu.RLock()
	e := m.entries[key{provider, model, accountID}]
	m.mu.RUnlock()
	if e == nil {
		return 0
	}
	if d := e.expiresAt.Sub(m.now()); d > 0 {
		return d
	}
	return 0
}

// IsOnCooldown reports whether the target is currently suppressed.
func (m *Manager) IsOnCooldown(provider, model, accountID string) bool {
	return m.Remaining(provider, model, accountID) > 0
}

// FilterHealthy splits targets into usable ones and the remaining-seconds map
// of the suppressed ones, keyed "provider/model".
func (m *Manager) FilterHealthy(targets []plexus.Target, accountID string) (healthy []plexus.Target, cooling map[string]time.Duration) {
	now := m.now()
	cooling = make(map[string]time.Duration)
	m.mu.RLock()
	for _, t := range targets {
		e := m.entries[key{t.Provider, t.Model, accountID}]
		if e != nil {
			if d := e.expiresAt.Sub(now); d > 0 {
				cooling[t.Provider+"/"+t.Model] = d
				continue
			}
		}
		healthy = append(healthy, t)
	}
	m.mu.RUnlock()
	return healthy, cooling
}

// Clear removes every cooldown for the named provider. An empty provider
// clears everything. Returns the number of entries removed.
func (m *Manager) Clear(ctx context.Context, provider string) int {
	m.mu.Lock()
	var cleared []key
	for k := range m.entries {
		if provider == "" || k.provider == provider {
			cleared = append(cleared, k)
		}
	}
	for _, k := range cleared {
		delete(m.entries, k)
	}
	m.mu.Unlock()

	if m.store != nil {
		for _, k := range cleared {
			if err := m.store.DeleteCooldown(ctx, k.provider, k.model, k.accountID); err != nil {
				m.log.Error("delete cooldown", slog.String("error", err.Error()))
			}
		}
	}
	return len(cleared)
}

// Active returns a snapshot of all currently suppressed targets.
func (m *Manager) Active() []*plexus.CooldownRecord {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*plexus.CooldownRecord
	for k, e := range m.entries {
		if e.expiresAt.After(now) {
			out = append(out, &plexus.CooldownRecord{
				Provider:            k.provider,
				Model:               k.model,
				AccountID:           k.accountID,
				ExpiresAt:           e.expiresAt,
				ConsecutiveFailures: e.consecutiveFailures,
				Reason:              e.reason,
				CreatedAt:           e.createdAt,
			})
		}
	}
	return out
}

// EvictExpired drops entries whose cooldown ended before cutoff. Their failure
// streaks are forgotten with them. Returns the number evicted.
func (m *Manager) EvictExpired(ctx context.Context, cutoff time.Time) int {
	m.mu.RLock()
	var stale []key
	for k, e := range m.entries {
		if e.expiresAt.Before(cutoff) {
			stale = append(stale, k)
		}
	}
	m.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}

	m.mu.Lock()
	evicted := 0
	for _, k := range stale {
		if e, ok := m.entries[k]; ok && e.expiresAt.Before(cutoff) {
			delete(m.entries, k)
			evicted++
		}
	}
	m.mu.Unlock()

	if m.store != nil {
		for _, k := range stale {
			if err := m.store.DeleteCooldown(ctx, k.provider, k.model, k.accountID); err != nil {
				m.log.Error("delete cooldown", slog.String("error", err.Error()))
			}
		}
	}
	return evicted
}
