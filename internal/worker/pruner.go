package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/plexus-gw/plexus/internal/perf"
)

// PerfPruner periodically drops performance samples that have aged out of the
// selection window, in memory and in the store.
type PerfPruner struct {
	tracker  *perf.Tracker
	interval time.Duration
	maxAge   time.Duration
	log      *slog.Logger
}

// NewPerfPruner creates a pruner removing samples older than maxAge every
// interval.
func NewPerfPruner(tracker *perf.Tracker, interval, maxAge time.Duration, log *slog.Logger) *PerfPruner {
	if log == nil {
		log = slog.Default()
	}
	return &PerfPruner{tracker: tracker, interval: interval, maxAge: maxAge, log: log}
}

// Run blocks until ctx is cancelled.
func (p *PerfPruner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := p.tracker.Prune(ctx, time.Now().Add(-p.maxAge))
			if err != nil {
				p.log.Warn("prune performance samples", "error", err)
				continue
			}
			if n > 0 {
				p.log.Debug("pruned performance samples", "count", n)
			}
		}
	}
}
