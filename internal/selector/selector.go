// Package selector picks one dispatch target from an alias's healthy target
// list according to the alias's configured strategy.
package selector

import (
	"math/rand/v2"
	"sort"

	plexus "github.com/plexus-gw/plexus/internal"
)

// Strategy names accepted in alias configuration.
const (
	StrategyRandom      = "random"
	StrategyInOrder     = "in_order"
	StrategyWeighted    = "weighted"
	StrategyCost        = "cost"
	StrategyLatency     = "latency"
	StrategyPerformance = "performance"
)

// Valid reports whether name is a known strategy.
func Valid(name string) bool {
	switch name {
	case StrategyRandom, StrategyInOrder, StrategyWeighted, StrategyCost,
		StrategyLatency, StrategyPerformance:
		return true
	}
	return false
}

// PerfReader is the performance view the latency and performance strategies
// consult. Implemented by perf.Tracker.
type PerfReader interface {
	DurationPercentile(provider, model string, p float64) (float64, bool)
	MeanMsPerToken(provider, model string) (float64, bool)
}

// Context carries per-dispatch state into a selection.
type Context struct {
	// PreviousAttempts holds "provider/model" keys already tried this dispatch.
	PreviousAttempts map[string]bool

	// PricingFor returns the pricing for a target, or nil when unknown.
	PricingFor func(provider, model string) *plexus.Pricing

	// Perf is consulted by latency and performance strategies. May be nil.
	Perf PerfReader

	// IntN overrides the random source for tests. Nil uses math/rand/v2.
	IntN func(n int) int
}

func (c *Context) intN(n int) int {
	if c.IntN != nil {
		return c.IntN(n)
	}
	return rand.IntN(n)
}

func (c *Context) attempted(t plexus.Target) bool {
	return c.PreviousAttempts[t.Provider+"/"+t.Model]
}

// Select returns one target from targets, or nil when every target has
// already been attempted. Unknown strategies fall back to random.
func Select(targets []plexus.Target, strategy string, sctx *Context) *plexus.Target {
	if sctx == nil {
		sctx = &Context{}
	}
	remaining := make([]plexus.Target, 0, len(targets))
	for _, t := range targets {
		if !sctx.attempted(t) {
			remaining = append(remaining, t)
		}
	}
	if len(remaining) == 0 {
		return nil
	}
	if len(remaining) == 1 {
		return &remaining[0]
	}

	switch strategy {
	case StrategyInOrder:
		return &remaining[0]
	case StrategyWeighted:
		return selectWeighted(remaining, sctx)
	case StrategyCost:
		return selectCost(remaining, sctx)
	case StrategyLatency:
		return selectLatency(remaining, sctx)
	case StrategyPerformance:
		return selectPerformance(remaining, sctx)
	default:
		return selectRandom(remaining, sctx)
	}
}

// selectRandom is uniform unless any target carries a weight, in which case
// it degrades to weighted selection.
func selectRandom(targets []plexus.Target, sctx *Context) *plexus.Target {
	for _, t := range targets {
		if t.Weight > 0 {
			return selectWeighted(targets, sctx)
		}
	}
	return &targets[sctx.intN(len(targets))]
}

// selectWeighted picks proportionally to weight. Unweighted targets count as 1.
func selectWeighted(targets []plexus.Target, sctx *Context) *plexus.Target {
	total := 0
	for _, t := range targets {
		total += max(t.Weight, 1)
	}
	n := sctx.intN(total)
	for i, t := range targets {
		n -= max(t.Weight, 1)
		if n < 0 {
			return &targets[i]
		}
	}
	return &targets[len(targets)-1]
}

// selectCost picks the cheapest target per token, tie-broken by provider name
// so identical inputs give identical outputs.
func selectCost(targets []plexus.Target, sctx *Context) *plexus.Target {
	best := -1
	bestCost := 0.0
	for i, t := range targets {
		cost := costPerMillion(sctx, t)
		switch {
		case best < 0, cost < bestCost:
			best, bestCost = i, cost
		case cost == bestCost && t.Provider < targets[best].Provider:
			best = i
		}
	}
	return &targets[best]
}

// costPerMillion estimates the combined input+output rate per million tokens.
// Unknown pricing sorts last.
func costPerMillion(sctx *Context, t plexus.Target) float64 {
	const unknown = 1e12
	if sctx.PricingFor == nil {
		return unknown
	}
	p := sctx.PricingFor(t.Provider, t.Model)
	if p == nil {
		return unknown
	}
	switch p.Source {
	case plexus.PricingSimple:
		return p.Input + p.Output
	case plexus.PricingDefined:
		if len(p.Ranges) == 0 {
			return unknown
		}
		return p.Ranges[0].InputPerM + p.Ranges[0].OutputPerM
	case plexus.PricingOpenRouter:
		// Table rates are resolved at cost time, not selection time.
		return unknown
	case plexus.PricingPerRequest:
		return unknown
	}
	return unknown
}

// selectLatency picks the lowest p95 duration; targets with no samples and
// ties fall back to random among the contenders.
func selectLatency(targets []plexus.Target, sctx *Context) *plexus.Target {
	return selectByMetric(targets, sctx, func(t plexus.Target) (float64, bool) {
		if sctx.Perf == nil {
			return 0, false
		}
		return sctx.Perf.DurationPercentile(t.Provider, t.Model, 95)
	})
}

// selectPerformance picks the lowest mean duration per generated token.
func selectPerformance(targets []plexus.Target, sctx *Context) *plexus.Target {
	return selectByMetric(targets, sctx, func(t plexus.Target) (float64, bool) {
		if sctx.Perf == nil {
			return 0, false
		}
		return sctx.Perf.MeanMsPerToken(t.Provider, t.Model)
	})
}

// selectByMetric keeps the targets minimizing metric and picks randomly among
// them. Targets without data only win when no target has data.
func selectByMetric(targets []plexus.Target, sctx *Context, metric func(plexus.Target) (float64, bool)) *plexus.Target {
	type scored struct {
		idx   int
		value float64
	}
	var measured []scored
	for i, t := range targets {
		if v, ok := metric(t); ok {
			measured = append(measured, scored{i, v})
		}
	}
	if len(measured) == 0 {
		return selectRandom(targets, sctx)
	}
	sort.Slice(measured, func(i, j int) bool { return measured[i].value < measured[j].value })
	best := measured[0].value
	n := 0
	for _, s := range measured {
		if s.value == best {
			n++
		}
	}
	return &targets[measured[sctx.intN(n)].idx]
}
