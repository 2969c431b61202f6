package quota

import (
	"context"
	"testing"
	"time"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/config"
)

type fakeQuotaStore struct {
	states    map[string]*plexus.QuotaState
	snapshots int
}

func newFakeQuotaStore() *fakeQuotaStore {
	return &fakeQuotaStore{states: map[string]*plexus.QuotaState{}}
}

func (f *fakeQuotaStore) GetQuotaState(_ context.Context, keyName, quotaName string) (*plexus.QuotaState, error) {
	st, ok := f.states[keyName+"/"+quotaName]
	if !ok {
		return nil, plexus.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (f *fakeQuotaStore) UpsertQuotaState(_ context.Context, st *plexus.QuotaState) error {
	cp := *st
	f.states[st.KeyName+"/"+st.QuotaName] = &cp
	return nil
}

func (f *fakeQuotaStore) SaveQuotaSnapshot(context.Context, *plexus.QuotaState, time.Time) error {
	f.snapshots++
	return nil
}

func testSnapshot(t *testing.T) *config.Snapshot {
	t.Helper()
	snap, err := config.Parse([]byte(`
keys:
  - name: team-a
    secret: s1
    quotas: [daily-tokens, burst]
quotas:
  daily-tokens:
    limit_type: tokens
    limit: 1000
    window: daily
  burst:
    limit_type: requests
    limit: 10
    window: rolling
    duration: 60s
providers:
  p:
    type: chat
    base_url: http://localhost
    api_key: k
`))
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

func newEnforcer(store *fakeQuotaStore, now time.Time) (*Enforcer, *time.Time) {
	e := New(store, nil)
	cur := now
	e.now = func() time.Time { return cur }
	return e, &cur
}

func TestCheckAllowsUnknownKey(t *testing.T) {
	t.Parallel()
	e, _ := newEnforcer(newFakeQuotaStore(), time.Now())
	d, err := e.Check(context.Background(), testSnapshot(t), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Error("keys without quotas must pass")
	}
}

func TestRecordAndDeny(t *testing.T) {
	t.Parallel()
	store := newFakeQuotaStore()
	snap := testSnapshot(t)
	e, _ := newEnforcer(store, time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))

	// consume 600 + 600 tokens against a 1000-token daily quota
	e.Record(context.Background(), snap, "team-a", plexus.Usage{InputTokens: 400, OutputTokens: 200})
	e.Record(context.Background(), snap, "team-a", plexus.Usage{InputTokens: 400, OutputTokens: 200})

	d, err := e.Check(context.Background(), snap, "team-a")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("1200 tokens against a 1000 limit must deny")
	}
	if d.QuotaName != "daily-tokens" || d.Remaining != 0 {
		t.Errorf("decision = %+v", d)
	}
	wantReset := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	if !d.ResetsAt.Equal(wantReset) {
		t.Errorf("resetsAt = %v, want %v", d.ResetsAt, wantReset)
	}
	if d.RetryAfter <= 0 {
		t.Error("denial must advise a retry delay")
	}
}

func TestDailyReset(t *testing.T) {
	t.Parallel()
	store := newFakeQuotaStore()
	snap := testSnapshot(t)
	e, now := newEnforcer(store, time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC))

	e.Record(context.Background(), snap, "team-a", plexus.Usage{InputTokens: 2000})
	if d, _ := e.Check(context.Background(), snap, "team-a"); d.Allowed {
		t.Fatal("over limit before midnight")
	}

	*now = time.Date(2026, 8, 25, 0, 30, 0, 0, time.UTC)
	d, err := e.Check(context.Background(), snap, "team-a")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Error("usage must clear at midnight UTC")
	}
}

func TestRollingLeak(t *testing.T) {
	t.Parallel()
	store := newFakeQuotaStore()
	snap := testSnapshot(t)
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	e, now := newEnforcer(store, start)

	// fill the 10-requests-per-60s rolling quota
	for range 10 {
		e.Record(context.Background(), snap, "team-a", plexus.Usage{})
	}
	if d, _ := e.Check(context.Background(), snap, "team-a"); d.Allowed {
		t.Fatal("10 of 10 requests must deny")
	}

	// half the window leaks half the limit
	*now = start.Add(30 * time.Second)
	d, err := e.Check(context.Background(), snap, "team-a")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Errorf("after leak usage = %v, expected below 10", d.CurrentUsage)
	}
	if d.CurrentUsage < 4 || d.CurrentUsage > 6 {
		t.Errorf("leaked usage = %v, want ~5", d.CurrentUsage)
	}
}

func TestLimitChangeResetsCounter(t *testing.T) {
	t.Parallel()
	store := newFakeQuotaStore()
	snap := testSnapshot(t)
	e, _ := newEnforcer(store, time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))

	e.Record(context.Background(), snap, "team-a", plexus.Usage{InputTokens: 900})

	// operator raises the daily limit; the stale counter clears on next record
	snap.Quotas["daily-tokens"].Limit = 5000
	e.Record(context.Background(), snap, "team-a", plexus.Usage{InputTokens: 100})

	st, err := store.GetQuotaState(context.Background(), "team-a", "daily-tokens")
	if err != nil {
		t.Fatal(err)
	}
	if st.CurrentUsage != 100 {
		t.Errorf("usage = %v, want 100 after definition change", st.CurrentUsage)
	}
	if st.LastKnownLimit != 5000 {
		t.Errorf("lastKnownLimit = %v", st.LastKnownLimit)
	}
}

func TestWeeklyResetInstant(t *testing.T) {
	t.Parallel()
	// 2026-08-24 is a Monday; the next Sunday midnight is 2026-08-30.
	from := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	got := nextReset("weekly", from)
	want := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("nextReset = %v, want %v", got, want)
	}
	// from a Sunday, the reset is the following Sunday
	sunday := time.Date(2026, 8, 30, 1, 0, 0, 0, time.UTC)
	if got := nextReset("weekly", sunday); !got.Equal(time.Date(2026, 9, 6, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("from sunday = %v", got)
	}
}
