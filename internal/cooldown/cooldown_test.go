package cooldown

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	plexus "github.com/plexus-gw/plexus/internal"
)

func newTestManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := New(Config{MinDuration: 5 * time.Second, MaxDuration: 30 * time.Minute}, nil, nil)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestTripSuppressesTarget(t *testing.T) {
	t.Parallel()
	m, now := newTestManager(t)
	ctx := context.Background()

	if m.IsOnCooldown("openai", "gpt-4o", "") {
		t.Fatal("fresh target should not be on cooldown")
	}

	m.Trip(ctx, "openai", "gpt-4o", "", plexus.ReasonServerError, 0)
	if !m.IsOnCooldown("openai", "gpt-4o", "") {
		t.Fatal("tripped target should be on cooldown")
	}
	if m.IsOnCooldown("openai", "gpt-4o-mini", "") {
		t.Fatal("cooldown must be scoped to the tripped model")
	}

	*now = now.Add(time.Hour)
	if m.IsOnCooldown("openai", "gpt-4o", "") {
		t.Fatal("cooldown should expire")
	}
}

func TestConsecutiveFailuresGrowDuration(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	first := m.Trip(ctx, "p", "m", "", plexus.ReasonServerError, 0)
	second := m.Trip(ctx, "p", "m", "", plexus.ReasonServerError, 0)
	third := m.Trip(ctx, "p", "m", "", plexus.ReasonServerError, 0)

	d1 := first.Sub(m.now())
	d2 := second.Sub(m.now())
	d3 := third.Sub(m.now())
	if d2 <= d1 || d3 <= d2 {
		t.Fatalf("durations should grow: %v, %v, %v", d1, d2, d3)
	}
}

func TestDurationClampedToMax(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	var expires time.Time
	for range 20 {
		expires = m.Trip(ctx, "p", "m", "", plexus.ReasonAuthError, 0)
	}
	if d := expires.Sub(m.now()); d > 30*time.Minute {
		t.Fatalf("duration %v exceeds max", d)
	}
}

func TestRetryAfterWins(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	expires := m.Trip(ctx, "p", "m", "", plexus.ReasonRateLimit, 90*time.Second)
	if d := expires.Sub(m.now()); d != 90*time.Second {
		t.Fatalf("expected retry-after duration 90s, got %v", d)
	}

	// Retry-After below the floor is raised to it.
	expires = m.Trip(ctx, "p2", "m", "", plexus.ReasonRateLimit, time.Second)
	if d := expires.Sub(m.now()); d != 5*time.Second {
		t.Fatalf("expected clamp to min 5s, got %v", d)
	}
}

func TestResetClearsStreak(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	m.Trip(ctx, "p", "m", "", plexus.ReasonServerError, 0)
	m.Trip(ctx, "p", "m", "", plexus.ReasonServerError, 0)
	m.Reset(ctx, "p", "m", "")

	if m.IsOnCooldown("p", "m", "") {
		t.Fatal("reset should clear the cooldown")
	}
	// Streak starts over after a reset.
	first := m.Trip(ctx, "p", "m", "", plexus.ReasonServerError, 0)
	if d := first.Sub(m.now()); d != 15*time.Second {
		t.Fatalf("expected base duration after reset, got %v", d)
	}
}

func TestFilterHealthy(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	targets := []plexus.Target{
		{Provider: "openai", Model: "gpt-4o"},
		{Provider: "anthropic", Model: "claude-sonnet"},
		{Provider: "groq", Model: "llama-70b"},
	}
	m.Trip(ctx, "anthropic", "claude-sonnet", "", plexus.ReasonRateLimit, time.Minute)

	healthy, cooling := m.FilterHealthy(targets, "")
	if len(healthy) != 2 {
		t.Fatalf("expected 2 healthy targets, got %d", len(healthy))
	}
	if _, ok := cooling["anthropic/claude-sonnet"]; !ok {
		t.Fatalf("expected anthropic/claude-sonnet in cooling map, got %v", cooling)
	}
}

func TestClearByProvider(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	m.Trip(ctx, "openai", "a", "", plexus.ReasonServerError, 0)
	m.Trip(ctx, "openai", "b", "", plexus.ReasonServerError, 0)
	m.Trip(ctx, "groq", "c", "", plexus.ReasonServerError, 0)

	if n := m.Clear(ctx, "openai"); n != 2 {
		t.Fatalf("expected 2 cleared, got %d", n)
	}
	if m.IsOnCooldown("openai", "a", "") || m.IsOnCooldown("openai", "b", "") {
		t.Fatal("openai cooldowns should be cleared")
	}
	if !m.IsOnCooldown("groq", "c", "") {
		t.Fatal("groq cooldown should survive")
	}
}

func TestEvictExpired(t *testing.T) {
	t.Parallel()
	m, now := newTestManager(t)
	ctx := context.Background()

	m.Trip(ctx, "p", "m", "", plexus.ReasonServerError, 0)
	if n := m.EvictExpired(ctx, *now); n != 0 {
		t.Fatalf("active entry must not be evicted, got %d", n)
	}
	if n := m.EvictExpired(ctx, now.Add(time.Hour)); n != 1 {
		t.Fatalf("expected 1 evicted, got %d", n)
	}
}

type statusErr int

func (e statusErr) Error() string   { return "status" }
func (e statusErr) HTTPStatus() int { return int(e) }

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		err    error
		reason plexus.CooldownReason
		ok     bool
	}{
		{"nil", nil, "", false},
		{"deadline", context.DeadlineExceeded, plexus.ReasonTimeout, true},
		{"os deadline", os.ErrDeadlineExceeded, plexus.ReasonTimeout, true},
		{"rate limited", statusErr(429), plexus.ReasonRateLimit, true},
		{"unauthorized", statusErr(401), plexus.ReasonAuthError, true},
		{"forbidden", statusErr(403), plexus.ReasonAuthError, true},
		{"server error", statusErr(500), plexus.ReasonServerError, true},
		{"bad gateway", statusErr(502), plexus.ReasonServerError, true},
		{"bad request", statusErr(400), "", false},
		{"not found", statusErr(404), "", false},
		{"unprocessable", statusErr(422), "", false},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, plexus.ReasonConnectionError, true},
		{"generic", errors.New("boom"), plexus.ReasonConnectionError, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			reason, ok := Classify(tc.err)
			if reason != tc.reason || ok != tc.ok {
				t.Fatalf("Classify(%v) = (%q, %v), want (%q, %v)", tc.err, reason, ok, tc.reason, tc.ok)
			}
		})
	}
}
