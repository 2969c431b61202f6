package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/plexus-gw/plexus/internal/storage"
)

// UsageCleaner deletes usage records past the retention window. A zero
// retention disables deletion entirely; the worker then only logs that it is
// idle and waits for cancellation.
type UsageCleaner struct {
	store     storage.UsageStore
	interval  time.Duration
	retention time.Duration
	log       *slog.Logger
}

// NewUsageCleaner creates a cleaner removing records older than retention
// every interval.
func NewUsageCleaner(store storage.UsageStore, interval, retention time.Duration, log *slog.Logger) *UsageCleaner {
	if log == nil {
		log = slog.Default()
	}
	return &UsageCleaner{store: store, interval: interval, retention: retention, log: log}
}

// Run blocks until ctx is cancelled.
func (c *UsageCleaner) Run(ctx context.Context) error {
	if c.retention <= 0 {
		c.log.Info("usage retention disabled, cleaner idle")
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := c.store.DeleteAllUsageLogs(ctx, time.Now().Add(-c.retention))
			if err != nil {
				c.log.Warn("delete old usage records", "error", err)
				continue
			}
			if n > 0 {
				c.log.Info("deleted old usage records", "count", n)
			}
		}
	}
}
