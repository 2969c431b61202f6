package config

import (
	"fmt"
	"sort"

	plexus "github.com/plexus-gw/plexus/internal"
)

// Validate rejects configurations that would misroute or misprice requests.
// It runs once at load time so the hot path never re-checks shape.
func (s *Snapshot) Validate() error {
	if err := s.validateAliases(); err != nil {
		return err
	}
	for name, p := range s.Providers {
		if p.AuthScheme != "bearer" && p.AuthScheme != "x-api-key" {
			return fmt.Errorf("provider %q: unknown auth_scheme %q", name, p.AuthScheme)
		}
		for model, mc := range p.Models {
			if mc == nil || mc.Pricing == nil {
				continue
			}
			if err := validatePricing(mc.Pricing); err != nil {
				return fmt.Errorf("provider %q model %q: %w", name, model, err)
			}
		}
	}
	for name, q := range s.Quotas {
		switch q.Window {
		case "rolling":
			if q.Duration <= 0 {
				return fmt.Errorf("quota %q: rolling window requires a duration", name)
			}
		case "daily", "weekly":
		default:
			return fmt.Errorf("quota %q: unknown window %q", name, q.Window)
		}
		if q.LimitType != plexus.QuotaTokens && q.LimitType != plexus.QuotaRequests {
			return fmt.Errorf("quota %q: unknown limit_type %q", name, q.LimitType)
		}
	}
	return nil
}

// validateAliases checks that no name (canonical or additional) is claimed
// twice and that every target references a known provider and model.
func (s *Snapshot) validateAliases() error {
	seen := make(map[string]string) // alias name -> owning canonical key
	for name, a := range s.Models {
		names := append([]string{name}, a.AdditionalAliases...)
		for _, n := range names {
			if owner, dup := seen[n]; dup {
				return fmt.Errorf("duplicate alias %q (claimed by %q and %q)", n, owner, name)
			}
			seen[n] = name
		}
		if len(a.Targets) == 0 {
			return fmt.Errorf("alias %q has no targets", name)
		}
		for _, t := range a.Targets {
			p, ok := s.Providers[t.Provider]
			if !ok {
				return fmt.Errorf("alias %q: unknown provider %q", name, t.Provider)
			}
			if _, ok := p.Models[t.Model]; !ok {
				return fmt.Errorf("alias %q: model %q not listed under provider %q", name, t.Model, t.Provider)
			}
		}
		switch a.Selector {
		case "random", "in_order", "weighted", "cost", "latency", "performance":
		default:
			return fmt.Errorf("alias %q: unknown selector %q", name, a.Selector)
		}
	}
	return nil
}

func validatePricing(p *plexus.Pricing) error {
	switch p.Source {
	case plexus.PricingSimple:
		if p.Input < 0 || p.Output < 0 || p.Cached < 0 {
			return fmt.Errorf("simple pricing: negative rate")
		}
	case plexus.PricingDefined:
		if len(p.Ranges) == 0 {
			return fmt.Errorf("defined pricing: missing range")
		}
		ranges := make([]plexus.PricingRange, len(p.Ranges))
		copy(ranges, p.Ranges)
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].Lower < ranges[j].Lower })
		for i := 1; i < len(ranges); i++ {
			if ranges[i].Lower <= ranges[i-1].Upper {
				return fmt.Errorf("defined pricing: range [%d,%d] overlaps [%d,%d]",
					ranges[i].Lower, ranges[i].Upper, ranges[i-1].Lower, ranges[i-1].Upper)
			}
		}
	case plexus.PricingOpenRouter:
		if p.Slug == "" {
			return fmt.Errorf("openrouter pricing: missing slug")
		}
		if p.Discount != nil && (*p.Discount < 0 || *p.Discount > 1) {
			return fmt.Errorf("openrouter pricing: discount out of [0,1]")
		}
	case plexus.PricingPerRequest:
		if p.Amount < 0 {
			return fmt.Errorf("per_request pricing: negative amount")
		}
	default:
		return fmt.Errorf("unknown pricing source %q", p.Source)
	}
	return nil
}
