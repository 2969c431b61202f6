// Package telemetry provides observability primitives for the Plexus gateway.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge
	TokensProcessed *prometheus.CounterVec
	QuotaRejects    *prometheus.CounterVec
	ActiveCooldowns prometheus.Gauge
}

// NewMetrics creates all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "requests_total",
			Help:      "Total number of inference requests by dialect and status.",
		}, []string{"dialect", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "plexus",
			Name:                            "request_duration_seconds",
			Help:                            "Inference request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"dialect"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plexus",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed by provider, model, and kind.",
		}, []string{"provider", "model", "kind"}),

		QuotaRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "quota_rejects_total",
			Help:      "Total requests denied by quota enforcement.",
		}, []string{"key"}),

		ActiveCooldowns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plexus",
			Name:      "active_cooldowns",
			Help:      "Number of provider/model targets currently on cooldown.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.TokensProcessed,
		m.QuotaRejects,
		m.ActiveCooldowns,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTokens records a finished request's token counts.
func (m *Metrics) ObserveTokens(provider, model string, input, output, reasoning, cached int) {
	if provider == "" || model == "" {
		return
	}
	m.TokensProcessed.WithLabelValues(provider, model, "input").Add(float64(input))
	m.TokensProcessed.WithLabelValues(provider, model, "output").Add(float64(output))
	if reasoning > 0 {
		m.TokensProcessed.WithLabelValues(provider, model, "reasoning").Add(float64(reasoning))
	}
	if cached > 0 {
		m.TokensProcessed.WithLabelValues(provider, model, "cached").Add(float64(cached))
	}
}
