// Package router resolves an incoming model name into the list of dispatch
// targets, filtering by enablement and cooldown state.
package router

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/config"
)

const directPrefix = "direct/"

// CooldownFilter is the health view the router consults. Implemented by
// cooldown.Manager.
type CooldownFilter interface {
	FilterHealthy(targets []plexus.Target, accountID string) (healthy []plexus.Target, cooling map[string]time.Duration)
}

// Route is the resolved dispatch plan for one request.
type Route struct {
	// Targets in alias order, already filtered to enabled and healthy.
	Targets []plexus.Target

	// Selector strategy from the alias; "random" for direct routing.
	Selector string

	// Direct is set for direct/<provider>/<model> requests. Direct targets
	// skip cooldown filtering.
	Direct bool

	IncomingAlias  string
	CanonicalModel string
}

// Router turns model names into Routes against the current config snapshot.
type Router struct {
	cooldowns CooldownFilter
	// aliases caches alias name -> canonical key across requests. Purged on
	// config reload.
	aliases *otter.Cache[string, string]
}

// New creates a Router. cooldowns may be nil (no health filtering).
func New(cooldowns CooldownFilter) (*Router, error) {
	aliases, err := otter.New[string, string](&otter.Options[string, string]{
		MaximumSize:      4096,
		ExpiryCalculator: otter.ExpiryWriting[string, string](time.Minute),
	})
	if err != nil {
		return nil, fmt.Errorf("create alias cache: %w", err)
	}
	return &Router{cooldowns: cooldowns, aliases: aliases}, nil
}

// InvalidateAliases drops the alias cache. Called after a config reload.
func (r *Router) InvalidateAliases() { r.aliases.InvalidateAll() }

// Resolve maps a model name to a Route. incomingAPI drives the api_match
// preference; accountID scopes cooldown lookups.
func (r *Router) Resolve(snap *config.Snapshot, model string, incomingAPI plexus.APIType, accountID string) (*Route, error) {
	if strings.HasPrefix(model, directPrefix) {
		return r.resolveDirect(snap, model)
	}
	return r.resolveAlias(snap, model, incomingAPI, accountID)
}

// resolveDirect handles direct/<provider>/<model>. The model part may itself
// contain slashes. No cooldown filtering applies.
func (r *Router) resolveDirect(snap *config.Snapshot, name string) (*Route, error) {
	rest := strings.TrimPrefix(name, directPrefix)
	providerName, model, ok := strings.Cut(rest, "/")
	if !ok || providerName == "" || model == "" {
		return nil, &plexus.RouteError{
			Code:    plexus.RouteDirectRoutingInvalid,
			Message: fmt.Sprintf("direct routing requires direct/<provider>/<model>, got %q", name),
		}
	}
	p, ok := snap.Providers[providerName]
	if !ok {
		return nil, &plexus.RouteError{
			Code:    plexus.RouteProviderNotFound,
			Message: fmt.Sprintf("unknown provider %q", providerName),
		}
	}
	if !p.IsEnabled() {
		return nil, &plexus.RouteError{
			Code:    plexus.RouteProviderNotFound,
			Message: fmt.Sprintf("provider %q is disabled", providerName),
		}
	}
	return &Route{
		Targets: []plexus.Target{{
			Provider:       providerName,
			Model:          model,
			IncomingAlias:  name,
			CanonicalModel: name,
		}},
		Selector:       "random",
		Direct:         true,
		IncomingAlias:  name,
		CanonicalModel: name,
	}, nil
}

func (r *Router) resolveAlias(snap *config.Snapshot, name string, incomingAPI plexus.APIType, accountID string) (*Route, error) {
	alias := r.lookupAlias(snap, name)
	if alias == nil {
		return nil, &plexus.RouteError{
			Code:    plexus.RouteAliasNotFound,
			Message: fmt.Sprintf("unknown model %q", name),
		}
	}

	var enabled []plexus.Target
	for _, t := range alias.Targets {
		if !t.IsEnabled() {
			continue
		}
		p, ok := snap.Providers[t.Provider]
		if !ok || !p.IsEnabled() {
			continue
		}
		enabled = append(enabled, plexus.Target{
			Provider:       t.Provider,
			Model:          t.Model,
			Weight:         t.Weight,
			IncomingAlias:  name,
			CanonicalModel: alias.Name,
		})
	}
	if len(enabled) == 0 {
		return nil, &plexus.RouteError{
			Code:    plexus.RouteNoEnabledTargets,
			Message: fmt.Sprintf("model %q has no enabled targets", name),
		}
	}

	healthy := enabled
	if r.cooldowns != nil {
		var cooling map[string]time.Duration
		healthy, cooling = r.cooldowns.FilterHealthy(enabled, accountID)
		if len(healthy) == 0 {
			return nil, &plexus.RouteError{
				Code:    plexus.RouteAllOnCooldown,
				Message: coolingMessage(name, cooling),
			}
		}
	}

	if alias.Priority == "api_match" && incomingAPI != "" {
		if matched := filterAPIMatch(snap, healthy, incomingAPI); len(matched) > 0 {
			healthy = matched
		}
	}

	return &Route{
		Targets:        healthy,
		Selector:       alias.Selector,
		IncomingAlias:  name,
		CanonicalModel: alias.Name,
	}, nil
}

// lookupAlias resolves name to its owning alias, caching the additional-alias
// search. Exact key hits bypass the cache.
func (r *Router) lookupAlias(snap *config.Snapshot, name string) *config.ModelAlias {
	if a, ok := snap.Models[name]; ok {
		return a
	}
	if canonical, ok := r.aliases.GetIfPresent(name); ok {
		if a, ok := snap.Models[canonical]; ok {
			return a
		}
	}
	a, ok := snap.ResolveAlias(name)
	if !ok {
		return nil
	}
	r.aliases.Set(name, a.Name)
	return a
}

// filterAPIMatch keeps targets whose provider or model declares the incoming
// dialect. A model-level access_via wins over the provider type.
func filterAPIMatch(snap *config.Snapshot, targets []plexus.Target, api plexus.APIType) []plexus.Target {
	var out []plexus.Target
	for _, t := range targets {
		p := snap.Providers[t.Provider]
		if p == nil {
			continue
		}
		if mc := p.Models[t.Model]; mc != nil && len(mc.AccessVia) > 0 {
			if mc.Declares(api) {
				out = append(out, t)
			}
			continue
		}
		if p.Type == api {
			out = append(out, t)
		}
	}
	return out
}

// coolingMessage enumerates per-provider remaining cooldown seconds.
func coolingMessage(model string, cooling map[string]time.Duration) string {
	if len(cooling) == 0 {
		return fmt.Sprintf("all providers for %q are cooling down", model)
	}
	keys := make([]string, 0, len(cooling))
	for k := range cooling {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s retry in %ds", k, int(cooling[k].Seconds()+0.5)))
	}
	return fmt.Sprintf("all providers for %q are cooling down: %s", model, strings.Join(parts, ", "))
}
