// Package pricing turns token counts into a cost breakdown using the
// model's configured pricing scheme.
package pricing

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	plexus "github.com/plexus-gw/plexus/internal"
)

// OpenRouterRate is one row of the loaded OpenRouter pricing table. Rates are
// USD per token, kept as strings to preserve the upstream decimal precision.
type OpenRouterRate struct {
	Prompt         string
	Completion     string
	InputCacheRead string
}

// Calculator applies pricing schemes to usage records.
type Calculator struct {
	openRouter map[string]OpenRouterRate
	log        *slog.Logger
}

// New creates a Calculator. openRouter may be nil when no table is loaded.
func New(openRouter map[string]OpenRouterRate, log *slog.Logger) *Calculator {
	if log == nil {
		log = slog.Default()
	}
	return &Calculator{openRouter: openRouter, log: log}
}

// round8 rounds to 8 decimals, the resolution costs are stored at.
func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}

// Calculate fills the cost fields of rec from its token counts. discount is a
// provider-level multiplier in (0, 1] applied to token-based sub-costs; zero
// means no discount. Unknown pricing leaves all costs zero with source "default".
func (c *Calculator) Calculate(rec *plexus.UsageRecord, pricing *plexus.Pricing, discount float64) {
	rec.CostInput, rec.CostOutput, rec.CostCached, rec.CostCacheWrite, rec.CostTotal = 0, 0, 0, 0, 0
	rec.CostSource = "default"
	rec.CostMetadata = []byte("{}")

	if pricing == nil {
		return
	}

	switch pricing.Source {
	case plexus.PricingSimple:
		rec.CostInput = float64(rec.TokensInput) / 1e6 * pricing.Input
		rec.CostOutput = float64(rec.TokensOutput) / 1e6 * pricing.Output
		rec.CostCached = float64(rec.TokensCached) / 1e6 * pricing.Cached
		c.finish(rec, "simple", discount, map[string]any{
			"input_per_m":  pricing.Input,
			"output_per_m": pricing.Output,
			"cached_per_m": pricing.Cached,
		})

	case plexus.PricingDefined:
		r, ok := matchRange(pricing.Ranges, rec.TokensInput)
		if !ok {
			c.log.Warn("no pricing range for input size",
				slog.Int("tokens_input", rec.TokensInput))
			return
		}
		rec.CostInput = float64(rec.TokensInput) / 1e6 * r.InputPerM
		rec.CostOutput = float64(rec.TokensOutput) / 1e6 * r.OutputPerM
		c.finish(rec, "defined", discount, map[string]any{
			"range_lower":  r.Lower,
			"range_upper":  r.Upper,
			"input_per_m":  r.InputPerM,
			"output_per_m": r.OutputPerM,
		})

	case plexus.PricingOpenRouter:
		rate, ok := c.openRouter[pricing.Slug]
		if !ok {
			c.log.Warn("unknown openrouter slug", slog.String("slug", pricing.Slug))
			return
		}
		prompt := parseRate(rate.Prompt)
		completion := parseRate(rate.Completion)
		cacheRead := parseRate(rate.InputCacheRead)
		rec.CostInput = float64(rec.TokensInput) * prompt
		rec.CostOutput = float64(rec.TokensOutput) * completion
		rec.CostCached = float64(rec.TokensCached) * cacheRead
		if pricing.Discount != nil {
			rec.CostInput *= *pricing.Discount
			rec.CostOutput *= *pricing.Discount
			rec.CostCached *= *pricing.Discount
		}
		meta := map[string]any{
			"slug":       pricing.Slug,
			"prompt":     rate.Prompt,
			"completion": rate.Completion,
		}
		if pricing.Discount != nil {
			meta["discount"] = *pricing.Discount
		}
		c.finish(rec, "openrouter", discount, meta)

	case plexus.PricingPerRequest:
		// Flat fee on the input side, provider discount does not apply.
		rec.CostInput = round8(pricing.Amount)
		rec.CostTotal = rec.CostInput
		rec.CostSource = "per_request"
		c.setMetadata(rec, map[string]any{"amount": pricing.Amount})

	default:
		c.log.Warn("unknown pricing source", slog.String("source", string(pricing.Source)))
	}
}

// finish applies the provider discount, rounds, totals, and stamps metadata.
func (c *Calculator) finish(rec *plexus.UsageRecord, source string, discount float64, meta map[string]any) {
	if discount > 0 && discount <= 1 {
		rec.CostInput *= discount
		rec.CostOutput *= discount
		rec.CostCached *= discount
		rec.CostCacheWrite *= discount
		meta["provider_discount"] = discount
	}
	rec.CostInput = round8(rec.CostInput)
	rec.CostOutput = round8(rec.CostOutput)
	rec.CostCached = round8(rec.CostCached)
	rec.CostCacheWrite = round8(rec.CostCacheWrite)
	rec.CostTotal = round8(rec.CostInput + rec.CostOutput + rec.CostCached + rec.CostCacheWrite)
	rec.CostSource = source
	c.setMetadata(rec, meta)
}

func (c *Calculator) setMetadata(rec *plexus.UsageRecord, meta map[string]any) {
	b, err := json.Marshal(meta)
	if err != nil {
		rec.CostMetadata = []byte("{}")
		return
	}
	rec.CostMetadata = b
}

// matchRange returns the first range containing n input tokens.
func matchRange(ranges []plexus.PricingRange, n int) (plexus.PricingRange, bool) {
	for _, r := range ranges {
		if n >= r.Lower && n <= r.Upper {
			return r, true
		}
	}
	return plexus.PricingRange{}, false
}

// parseRate parses an OpenRouter per-token rate string. Empty or malformed
// rates price as zero.
func parseRate(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// String implements fmt.Stringer for logging loaded table sizes.
func (c *Calculator) String() string {
	return fmt.Sprintf("pricing.Calculator{openrouter_models: %d}", len(c.openRouter))
}
