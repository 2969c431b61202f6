// Package perf keeps rolling latency and throughput observations per target,
// feeding the latency and performance routing selectors.
package perf

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/storage"
)

const ringSize = 200

// ring is a fixed-size buffer of the most recent samples for one target.
type ring struct {
	samples [ringSize]plexus.PerformanceSample
	head    int
	count   int
}

func (r *ring) add(s plexus.PerformanceSample) {
	r.samples[r.head] = s
	r.head = (r.head + 1) % ringSize
	if r.count < ringSize {
		r.count++
	}
}

func (r *ring) snapshot() []plexus.PerformanceSample {
	out := make([]plexus.PerformanceSample, 0, r.count)
	for i := range r.count {
		out = append(out, r.samples[(r.head-r.count+i+ringSize)%ringSize])
	}
	return out
}

// Tracker records per-target performance samples in memory with write-through
// persistence. Reads for routing never touch the store.
type Tracker struct {
	mu    sync.RWMutex
	rings map[string]*ring
	store storage.PerformanceStore // may be nil in tests
	log   *slog.Logger
}

// New creates a Tracker backed by the given store. store may be nil.
func New(store storage.PerformanceStore, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		rings: make(map[string]*ring),
		store: store,
		log:   log,
	}
}

func targetKey(provider, model string) string { return provider + "/" + model }

// Load seeds the rings from recently persisted samples, oldest first so the
// ring order matches arrival order.
func (t *Tracker) Load(ctx context.Context, targets []plexus.Target, since time.Time) error {
	if t.store == nil {
		return nil
	}
	for _, tgt := range targets {
		samples, err := t.store.ListPerformanceSamples(ctx, tgt.Provider, tgt.Model, since, ringSize)
		if err != nil {
			return err
		}
		t.mu.Lock()
		r := t.rings[targetKey(tgt.Provider, tgt.Model)]
		if r == nil {
			r = &ring{}
			t.rings[targetKey(tgt.Provider, tgt.Model)] = r
		}
		for i := len(samples) - 1; i >= 0; i-- {
			r.add(*samples[i])
		}
		t.mu.Unlock()
	}
	return nil
}

// Record stores one completed request's observation.
func (t *Tracker) Record(ctx context.Context, s plexus.PerformanceSample) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	k := targetKey(s.Provider, s.Model)

	t.mu.Lock()
	r := t.rings[k]
	if r == nil {
		r = &ring{}
		t.rings[k] = r
	}
	r.add(s)
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.SavePerformanceSample(ctx, &s); err != nil {
			t.log.Error("persist performance sample", slog.String("error", err.Error()))
		}
	}
}

// Samples returns a copy of the target's recent samples, oldest first.
func (t *Tracker) Samples(provider, model string) []plexus.PerformanceSample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r := t.rings[targetKey(provider, model)]
	if r == nil {
		return nil
	}
	return r.snapshot()
}

// DurationPercentile returns the pth percentile of request duration for the
// target, in milliseconds. Returns (0, false) when no samples exist.
func (t *Tracker) DurationPercentile(provider, model string, p float64) (float64, bool) {
	samples := t.Samples(provider, model)
	if len(samples) == 0 {
		return 0, false
	}
	durations := make([]float64, len(samples))
	for i, s := range samples {
		durations[i] = float64(s.DurationMs)
	}
	sort.Float64s(durations)
	idx := int(math.Ceil(p/100*float64(len(durations)))) - 1
	if idx < 0 {
		idx = 0
	}
	return durations[idx], true
}

// MeanMsPerToken returns the mean duration per output token for the target.
// Samples with zero tokens are skipped. Returns (0, false) with no usable samples.
func (t *Tracker) MeanMsPerToken(provider, model string) (float64, bool) {
	samples := t.Samples(provider, model)
	var sum float64
	var n int
	for _, s := range samples {
		if s.TotalTokens <= 0 {
			continue
		}
		sum += float64(s.DurationMs) / float64(s.TotalTokens)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Prune deletes persisted samples older than cutoff.
func (t *Tracker) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if t.store == nil {
		return 0, nil
	}
	return t.store.DeletePerformanceSamples(ctx, cutoff)
}
