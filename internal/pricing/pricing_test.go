package pricing

import (
	"math"
	"testing"

	plexus "github.com/plexus-gw/plexus/internal"
)

func record(input, output, cached int) *plexus.UsageRecord {
	return &plexus.UsageRecord{
		RequestID:    "req",
		TokensInput:  input,
		TokensOutput: output,
		TokensCached: cached,
	}
}

func approxEqual(a, b float64) bool { return math.Abs(a-b) < 1e-8 }

func TestSimplePricing(t *testing.T) {
	t.Parallel()
	c := New(nil, nil)
	rec := record(2000, 500, 200)
	c.Calculate(rec, &plexus.Pricing{
		Source: plexus.PricingSimple,
		Input:  3.0, Output: 15.0, Cached: 0.3,
	}, 0)

	if !approxEqual(rec.CostInput, 0.006) {
		t.Errorf("costInput = %v, want 0.006", rec.CostInput)
	}
	if !approxEqual(rec.CostOutput, 0.0075) {
		t.Errorf("costOutput = %v, want 0.0075", rec.CostOutput)
	}
	if !approxEqual(rec.CostCached, 0.00006) {
		t.Errorf("costCached = %v, want 0.00006", rec.CostCached)
	}
	if !approxEqual(rec.CostTotal, 0.01356) {
		t.Errorf("costTotal = %v, want 0.01356", rec.CostTotal)
	}
	if rec.CostSource != "simple" {
		t.Errorf("costSource = %q, want simple", rec.CostSource)
	}
}

func TestCostTotalConsistency(t *testing.T) {
	t.Parallel()
	c := New(nil, nil)
	rec := record(123457, 8912, 3001)
	c.Calculate(rec, &plexus.Pricing{
		Source: plexus.PricingSimple,
		Input:  1.37, Output: 11.93, Cached: 0.41,
	}, 0.85)

	sum := rec.CostInput + rec.CostOutput + rec.CostCached + rec.CostCacheWrite
	if math.Abs(rec.CostTotal-sum) > 1e-8 {
		t.Fatalf("costTotal %v differs from sum of parts %v", rec.CostTotal, sum)
	}
}

func TestDefinedPricingPicksRange(t *testing.T) {
	t.Parallel()
	c := New(nil, nil)
	pricing := &plexus.Pricing{
		Source: plexus.PricingDefined,
		Ranges: []plexus.PricingRange{
			{Lower: 0, Upper: 100_000, InputPerM: 1.25, OutputPerM: 10.0},
			{Lower: 100_001, Upper: 2_000_000, InputPerM: 2.50, OutputPerM: 15.0},
		},
	}

	rec := record(50_000, 1000, 0)
	c.Calculate(rec, pricing, 0)
	if !approxEqual(rec.CostInput, 0.0625) || !approxEqual(rec.CostOutput, 0.01) {
		t.Fatalf("small tier: input %v output %v", rec.CostInput, rec.CostOutput)
	}

	rec = record(200_000, 1000, 0)
	c.Calculate(rec, pricing, 0)
	if !approxEqual(rec.CostInput, 0.5) || !approxEqual(rec.CostOutput, 0.015) {
		t.Fatalf("large tier: input %v output %v", rec.CostInput, rec.CostOutput)
	}

	// Outside every range falls back to zero cost.
	rec = record(3_000_000, 1000, 0)
	c.Calculate(rec, pricing, 0)
	if rec.CostTotal != 0 || rec.CostSource != "default" {
		t.Fatalf("out of range: total %v source %q", rec.CostTotal, rec.CostSource)
	}
}

func TestOpenRouterPricing(t *testing.T) {
	t.Parallel()
	c := New(map[string]OpenRouterRate{
		"deepseek/deepseek-chat": {
			Prompt:         "0.00000014",
			Completion:     "0.00000028",
			InputCacheRead: "0.000000014",
		},
	}, nil)

	rec := record(1_000_000, 500_000, 100_000)
	c.Calculate(rec, &plexus.Pricing{
		Source: plexus.PricingOpenRouter,
		Slug:   "deepseek/deepseek-chat",
	}, 0)

	if !approxEqual(rec.CostInput, 0.14) {
		t.Errorf("costInput = %v, want 0.14", rec.CostInput)
	}
	if !approxEqual(rec.CostOutput, 0.14) {
		t.Errorf("costOutput = %v, want 0.14", rec.CostOutput)
	}
	if !approxEqual(rec.CostCached, 0.0014) {
		t.Errorf("costCached = %v, want 0.0014", rec.CostCached)
	}
	if rec.CostSource != "openrouter" {
		t.Errorf("costSource = %q", rec.CostSource)
	}
}

func TestOpenRouterDiscount(t *testing.T) {
	t.Parallel()
	c := New(map[string]OpenRouterRate{
		"m": {Prompt: "0.000001", Completion: "0.000002"},
	}, nil)

	half := 0.5
	rec := record(1_000_000, 1_000_000, 0)
	c.Calculate(rec, &plexus.Pricing{
		Source:   plexus.PricingOpenRouter,
		Slug:     "m",
		Discount: &half,
	}, 0)

	if !approxEqual(rec.CostInput, 0.5) || !approxEqual(rec.CostOutput, 1.0) {
		t.Fatalf("discounted: input %v output %v", rec.CostInput, rec.CostOutput)
	}
}

func TestOpenRouterUnknownSlug(t *testing.T) {
	t.Parallel()
	c := New(nil, nil)
	rec := record(1000, 1000, 0)
	c.Calculate(rec, &plexus.Pricing{Source: plexus.PricingOpenRouter, Slug: "nope"}, 0)
	if rec.CostTotal != 0 || rec.CostSource != "default" {
		t.Fatalf("unknown slug: total %v source %q", rec.CostTotal, rec.CostSource)
	}
}

func TestPerRequestPricing(t *testing.T) {
	t.Parallel()
	c := New(nil, nil)
	rec := record(999_999, 888_888, 777)
	c.Calculate(rec, &plexus.Pricing{Source: plexus.PricingPerRequest, Amount: 0.04}, 0.5)

	if !approxEqual(rec.CostInput, 0.04) {
		t.Errorf("costInput = %v, want 0.04", rec.CostInput)
	}
	if rec.CostOutput != 0 || rec.CostCached != 0 || rec.CostCacheWrite != 0 {
		t.Errorf("non-input costs must be zero: %v %v %v", rec.CostOutput, rec.CostCached, rec.CostCacheWrite)
	}
	if !approxEqual(rec.CostTotal, 0.04) {
		t.Errorf("costTotal = %v, want 0.04", rec.CostTotal)
	}
	if rec.CostSource != "per_request" {
		t.Errorf("costSource = %q", rec.CostSource)
	}
}

func TestNilPricing(t *testing.T) {
	t.Parallel()
	c := New(nil, nil)
	rec := record(1000, 1000, 0)
	c.Calculate(rec, nil, 0)
	if rec.CostTotal != 0 || rec.CostSource != "default" {
		t.Fatalf("nil pricing: total %v source %q", rec.CostTotal, rec.CostSource)
	}
}

func TestProviderDiscount(t *testing.T) {
	t.Parallel()
	c := New(nil, nil)
	rec := record(1_000_000, 0, 0)
	c.Calculate(rec, &plexus.Pricing{Source: plexus.PricingSimple, Input: 10}, 0.8)
	if !approxEqual(rec.CostInput, 8.0) {
		t.Fatalf("costInput = %v, want 8.0", rec.CostInput)
	}
}
