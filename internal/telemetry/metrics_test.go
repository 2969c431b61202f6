package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegisterAndCount(t *testing.T) {
	t.Parallel()
	m := NewMetrics()

	m.RequestsTotal.WithLabelValues("chat", "200").Inc()
	m.RequestsTotal.WithLabelValues("chat", "200").Inc()
	m.RequestsTotal.WithLabelValues("messages", "429").Inc()

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat", "200")); got != 2 {
		t.Errorf("chat/200 = %v", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("messages", "429")); got != 1 {
		t.Errorf("messages/429 = %v", got)
	}
}

func TestObserveTokens(t *testing.T) {
	t.Parallel()
	m := NewMetrics()

	m.ObserveTokens("fast", "gpt-test", 10, 20, 5, 0)
	m.ObserveTokens("fast", "gpt-test", 1, 2, 0, 0)
	m.ObserveTokens("", "", 100, 100, 0, 0) // unattributed requests are skipped

	if got := testutil.ToFloat64(m.TokensProcessed.WithLabelValues("fast", "gpt-test", "input")); got != 11 {
		t.Errorf("input = %v", got)
	}
	if got := testutil.ToFloat64(m.TokensProcessed.WithLabelValues("fast", "gpt-test", "output")); got != 22 {
		t.Errorf("output = %v", got)
	}
	if got := testutil.ToFloat64(m.TokensProcessed.WithLabelValues("fast", "gpt-test", "reasoning")); got != 5 {
		t.Errorf("reasoning = %v", got)
	}
}

func TestMetricsHandlerExposition(t *testing.T) {
	t.Parallel()
	m := NewMetrics()
	m.ActiveRequests.Set(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "plexus_active_requests 3") {
		t.Errorf("exposition missing gauge:\n%s", body)
	}
}
