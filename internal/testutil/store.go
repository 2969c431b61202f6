// Package testutil provides in-memory fakes shared across package tests.
package testutil

import (
	"context"
	"sync"
	"time"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/storage"
)

// FakeStore is a thread-safe in-memory storage.Store. Zero value is not
// usable; call NewFakeStore.
type FakeStore struct {
	mu sync.Mutex

	Usage     []*plexus.UsageRecord
	Errors    map[string]string
	DebugLogs map[string]*plexus.DebugLog
	Cooldowns map[string]*plexus.CooldownRecord
	Samples   []*plexus.PerformanceSample
	Quota     map[string]*plexus.QuotaState
	Snapshots int
	Responses map[string][]byte

	// FailWrites makes every write return this error when set.
	FailWrites error
}

// NewFakeStore returns an empty store.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		Errors:    make(map[string]string),
		DebugLogs: make(map[string]*plexus.DebugLog),
		Cooldowns: make(map[string]*plexus.CooldownRecord),
		Quota:     make(map[string]*plexus.QuotaState),
		Responses: make(map[string][]byte),
	}
}

var _ storage.Store = (*FakeStore)(nil)

// --- UsageStore ---

func (f *FakeStore) SaveRequest(_ context.Context, rec *plexus.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWrites != nil {
		return f.FailWrites
	}
	for i, existing := range f.Usage {
		if existing.RequestID == rec.RequestID {
			f.Usage[i] = rec
			return nil
		}
	}
	f.Usage = append(f.Usage, rec)
	return nil
}

func (f *FakeStore) SaveError(_ context.Context, requestID, errMsg, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors[requestID] = errMsg
	return nil
}

func (f *FakeStore) GetUsage(_ context.Context, filter storage.UsageFilter) ([]*plexus.UsageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*plexus.UsageRecord
	for _, rec := range f.Usage {
		if filter.Provider != "" && rec.Provider != filter.Provider {
			continue
		}
		if filter.APIKey != "" && rec.APIKey != filter.APIKey {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *FakeStore) DeleteAllUsageLogs(_ context.Context, olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []*plexus.UsageRecord
	var n int64
	for _, rec := range f.Usage {
		if rec.Date.Before(olderThan) {
			n++
			continue
		}
		kept = append(kept, rec)
	}
	f.Usage = kept
	return n, nil
}

// LastUsage returns the most recently saved usage record, or nil.
func (f *FakeStore) LastUsage() *plexus.UsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Usage) == 0 {
		return nil
	}
	return f.Usage[len(f.Usage)-1]
}

// --- DebugStore ---

func (f *FakeStore) SaveDebugLog(_ context.Context, log *plexus.DebugLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWrites != nil {
		return f.FailWrites
	}
	f.DebugLogs[log.RequestID] = log
	return nil
}

func (f *FakeStore) GetDebugLog(_ context.Context, requestID string) (*plexus.DebugLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	log, ok := f.DebugLogs[requestID]
	if !ok {
		return nil, plexus.ErrNotFound
	}
	return log, nil
}

func (f *FakeStore) DeleteDebugLog(_ context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.DebugLogs[requestID]; !ok {
		return plexus.ErrNotFound
	}
	delete(f.DebugLogs, requestID)
	return nil
}

// --- CooldownStore ---

func cooldownKey(provider, model, accountID string) string {
	return provider + "/" + model + "/" + accountID
}

func (f *FakeStore) UpsertCooldown(_ context.Context, rec *plexus.CooldownRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWrites != nil {
		return f.FailWrites
	}
	f.Cooldowns[cooldownKey(rec.Provider, rec.Model, rec.AccountID)] = rec
	return nil
}

func (f *FakeStore) DeleteCooldown(_ context.Context, provider, model, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Cooldowns, cooldownKey(provider, model, accountID))
	return nil
}

func (f *FakeStore) ListActiveCooldowns(_ context.Context, now time.Time) ([]*plexus.CooldownRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*plexus.CooldownRecord
	for _, rec := range f.Cooldowns {
		if rec.ExpiresAt.After(now) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// --- PerformanceStore ---

func (f *FakeStore) SavePerformanceSample(_ context.Context, s *plexus.PerformanceSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWrites != nil {
		return f.FailWrites
	}
	f.Samples = append(f.Samples, s)
	return nil
}

func (f *FakeStore) ListPerformanceSamples(_ context.Context, provider, model string, since time.Time, limit int) ([]*plexus.PerformanceSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*plexus.PerformanceSample
	for _, s := range f.Samples {
		if s.Provider == provider && s.Model == model && s.CreatedAt.After(since) {
			out = append(out, s)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *FakeStore) DeletePerformanceSamples(_ context.Context, olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []*plexus.PerformanceSample
	var n int64
	for _, s := range f.Samples {
		if s.CreatedAt.Before(olderThan) {
			n++
			continue
		}
		kept = append(kept, s)
	}
	f.Samples = kept
	return n, nil
}

// --- QuotaStore ---

func quotaKey(keyName, quotaName string) string { return keyName + "/" + quotaName }

func (f *FakeStore) GetQuotaState(_ context.Context, keyName, quotaName string) (*plexus.QuotaState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.Quota[quotaKey(keyName, quotaName)]
	if !ok {
		return nil, plexus.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (f *FakeStore) UpsertQuotaState(_ context.Context, st *plexus.QuotaState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWrites != nil {
		return f.FailWrites
	}
	cp := *st
	f.Quota[quotaKey(st.KeyName, st.QuotaName)] = &cp
	return nil
}

func (f *FakeStore) SaveQuotaSnapshot(_ context.Context, _ *plexus.QuotaState, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Snapshots++
	return nil
}

// --- ResponseStore ---

func (f *FakeStore) SaveResponse(_ context.Context, responseID, _ string, body []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses[responseID] = body
	return nil
}

func (f *FakeStore) GetResponse(_ context.Context, responseID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.Responses[responseID]
	if !ok {
		return nil, plexus.ErrNotFound
	}
	return body, nil
}

func (f *FakeStore) SaveResponseItem(_ context.Context, responseID string, _ int, item []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses[responseID] = append(f.Responses[responseID], item...)
	return nil
}

func (f *FakeStore) ListResponseItems(_ context.Context, responseID string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if body, ok := f.Responses[responseID]; ok {
		return [][]byte{body}, nil
	}
	return nil, nil
}

// --- lifecycle ---

func (f *FakeStore) Ping(context.Context) error { return nil }
func (f *FakeStore) Close() error               { return nil }
