// Package config handles YAML configuration loading with environment variable
// expansion and publishes immutable snapshots for the rest of the gateway.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	plexus "github.com/plexus-gw/plexus/internal"
)

// Snapshot is the top-level gateway configuration. A Snapshot is immutable
// once published; hot reload swaps the whole value atomically.
type Snapshot struct {
	Server            ServerConfig              `yaml:"server"`
	Database          DatabaseConfig            `yaml:"database"`
	Telemetry         TelemetryConfig           `yaml:"telemetry"`
	Debug             DebugConfig               `yaml:"debug"`
	Cooldown          CooldownConfig            `yaml:"cooldown"`
	Providers         map[string]*Provider      `yaml:"providers"`
	Models            map[string]*ModelAlias    `yaml:"models"`
	Keys              []KeyEntry                `yaml:"keys"`
	Quotas            map[string]*QuotaConfig   `yaml:"quotas"`
	OpenRouterPricing map[string]OpenRouterRate `yaml:"openrouter_pricing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"`
}

// DatabaseConfig selects the storage engine.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // file path, ":memory:", or postgres URL
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// DebugConfig controls request/response capture.
type DebugConfig struct {
	Enabled bool `yaml:"enabled"`
}

// CooldownConfig bounds failure cooldown durations.
type CooldownConfig struct {
	MinDuration time.Duration `yaml:"min_duration"`
	MaxDuration time.Duration `yaml:"max_duration"`
}

// Provider is a configured upstream backend.
type Provider struct {
	Name          string                    `yaml:"-"` // map key, filled after load
	Type          plexus.APIType            `yaml:"type"`
	BaseURL       string                    `yaml:"base_url"`
	BaseURLs      map[plexus.APIType]string `yaml:"base_urls"` // per-dialect overrides
	AuthScheme    string                    `yaml:"auth_scheme"` // "bearer" or "x-api-key"
	APIKey        string                    `yaml:"api_key"`     // may be "{env:VAR}"
	Enabled       *bool                     `yaml:"enabled"`
	CustomHeaders map[string]string         `yaml:"custom_headers"`
	Models        map[string]*ModelConfig   `yaml:"models"`
	Discount      float64                   `yaml:"discount"`
	TimeoutMs     int                       `yaml:"timeout_ms"`
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p *Provider) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// BaseURLFor returns the dialect-specific base URL, falling back to BaseURL.
func (p *Provider) BaseURLFor(api plexus.APIType) string {
	if u, ok := p.BaseURLs[api]; ok && u != "" {
		return u
	}
	return p.BaseURL
}

// ModelConfig carries per-model pricing and declared dialects.
type ModelConfig struct {
	Pricing   *plexus.Pricing  `yaml:"pricing"`
	AccessVia []plexus.APIType `yaml:"access_via"`
}

// Declares reports whether the model declares the given dialect in access_via.
func (m *ModelConfig) Declares(api plexus.APIType) bool {
	for _, a := range m.AccessVia {
		if a == api {
			return true
		}
	}
	return false
}

// ModelAlias maps a user-visible model name to provider targets.
type ModelAlias struct {
	Name              string        `yaml:"-"` // map key, filled after load
	Targets           []TargetEntry `yaml:"targets"`
	Selector          string        `yaml:"selector"` // random|in_order|weighted|cost|latency|performance
	Priority          string        `yaml:"priority"` // "" or "api_match"
	AdditionalAliases []string      `yaml:"additional_aliases"`
	Description       string        `yaml:"description"`
}

// TargetEntry is one target within an alias.
type TargetEntry struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Weight   int    `yaml:"weight"`
	Enabled  *bool  `yaml:"enabled"`
}

// IsEnabled reports whether the target is enabled (defaults to true when nil).
func (t TargetEntry) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

// KeyEntry is an inbound API key definition.
type KeyEntry struct {
	Name   string   `yaml:"name"`
	Secret string   `yaml:"secret"` // may be "{env:VAR}"
	Quotas []string `yaml:"quotas"` // names into Snapshot.Quotas
}

// QuotaConfig defines a per-key usage quota.
type QuotaConfig struct {
	Name      string                `yaml:"-"`
	LimitType plexus.QuotaLimitType `yaml:"limit_type"` // tokens|requests
	Limit     float64               `yaml:"limit"`
	Window    string                `yaml:"window"`   // "rolling", "daily", "weekly"
	Duration  time.Duration         `yaml:"duration"` // rolling only
}

// OpenRouterRate holds per-token rate strings as published by OpenRouter.
type OpenRouterRate struct {
	Prompt         string `yaml:"prompt" json:"prompt"`
	Completion     string `yaml:"completion" json:"completion"`
	InputCacheRead string `yaml:"input_cache_read" json:"input_cache_read"`
}

// ResolveAlias finds the alias owning name: an exact key match first, then a
// search through additional_aliases. The returned alias's Name is the
// canonical model name in both cases.
func (s *Snapshot) ResolveAlias(name string) (*ModelAlias, bool) {
	if a, ok := s.Models[name]; ok {
		return a, true
	}
	for _, a := range s.Models {
		for _, extra := range a.AdditionalAliases {
			if extra == name {
				return a, true
			}
		}
	}
	return nil, false
}

// KeyByName returns the API key entry with the given name, or nil.
func (s *Snapshot) KeyByName(name string) *KeyEntry {
	for i := range s.Keys {
		if s.Keys[i].Name == name {
			return &s.Keys[i]
		}
	}
	return nil
}

// ModelConfigFor returns the per-model config for a target, or nil.
func (s *Snapshot) ModelConfigFor(provider, model string) *ModelConfig {
	p, ok := s.Providers[provider]
	if !ok {
		return nil
	}
	return p.Models[model]
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
// The {env:VAR} sigil used for provider API keys is deliberately left alone:
// it is resolved per request by the upstream client.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables,
// applying defaults, filling map-key names, and validating.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML config bytes. Split from Load for tests and reload.
func Parse(data []byte) (*Snapshot, error) {
	data = expandEnv(data)

	cfg := &Snapshot{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadTimeout:       30 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			StreamIdleTimeout: 5 * time.Minute,
		},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "plexus.db"},
		Cooldown: CooldownConfig{
			MinDuration: 5 * time.Second,
			MaxDuration: 30 * time.Minute,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	for name, p := range cfg.Providers {
		p.Name = name
		if p.AuthScheme == "" {
			p.AuthScheme = "bearer"
		}
		if p.Type == "" {
			p.Type = plexus.APIChat
		}
	}
	for name, a := range cfg.Models {
		a.Name = name
		if a.Selector == "" {
			a.Selector = "random"
		}
	}
	for name, q := range cfg.Quotas {
		q.Name = name
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
