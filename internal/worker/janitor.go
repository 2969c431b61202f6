package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/plexus-gw/plexus/internal/cooldown"
	"github.com/plexus-gw/plexus/internal/telemetry"
)

// CooldownJanitor periodically evicts expired cooldown entries so failure
// streaks do not outlive their usefulness, and keeps the active-cooldowns
// gauge current.
type CooldownJanitor struct {
	cooldowns *cooldown.Manager
	metrics   *telemetry.Metrics // may be nil
	interval  time.Duration
	retention time.Duration
	log       *slog.Logger
}

// NewCooldownJanitor creates a janitor. Entries whose cooldown expired more
// than retention ago are dropped every interval.
func NewCooldownJanitor(cd *cooldown.Manager, metrics *telemetry.Metrics, interval, retention time.Duration, log *slog.Logger) *CooldownJanitor {
	if log == nil {
		log = slog.Default()
	}
	return &CooldownJanitor{
		cooldowns: cd,
		metrics:   metrics,
		interval:  interval,
		retention: retention,
		log:       log,
	}
}

// Run blocks until ctx is cancelled.
func (j *CooldownJanitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			evicted := j.cooldowns.EvictExpired(ctx, time.Now().Add(-j.retention))
			if evicted > 0 {
				j.log.Debug("evicted expired cooldowns", "count", evicted)
			}
			if j.metrics != nil {
				j.metrics.ActiveCooldowns.Set(float64(len(j.cooldowns.Active())))
			}
		}
	}
}
