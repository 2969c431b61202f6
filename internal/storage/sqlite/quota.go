package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	plexus "github.com/plexus-gw/plexus/internal"
)

// GetQuotaState returns the counter for one (key, quota), or plexus.ErrNotFound.
func (s *Store) GetQuotaState(ctx context.Context, keyName, quotaName string) (*plexus.QuotaState, error) {
	var st plexus.QuotaState
	var updated, limitType, lastKnownType string
	err := s.read.QueryRowContext(ctx, `SELECT key_name, quota_name, limit_type, current_usage,
		last_updated, last_known_limit, last_known_limit_type
		FROM quota_state WHERE key_name = ? AND quota_name = ?`,
		keyName, quotaName,
	).Scan(&st.KeyName, &st.QuotaName, &limitType, &st.CurrentUsage,
		&updated, &st.LastKnownLimit, &lastKnownType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, plexus.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.LimitType = plexus.QuotaLimitType(limitType)
	st.LastKnownLimitType = plexus.QuotaLimitType(lastKnownType)
	if t, e := time.Parse(time.RFC3339Nano, updated); e == nil {
		st.LastUpdated = t
	}
	return &st, nil
}

// UpsertQuotaState persists the counter for one (key, quota).
func (s *Store) UpsertQuotaState(ctx context.Context, st *plexus.QuotaState) error {
	_, err := s.write.ExecContext(ctx, `INSERT INTO quota_state
		(key_name, quota_name, limit_type, current_usage, last_updated, last_known_limit, last_known_limit_type)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key_name, quota_name) DO UPDATE SET
		limit_type = excluded.limit_type,
		current_usage = excluded.current_usage,
		last_updated = excluded.last_updated,
		last_known_limit = excluded.last_known_limit,
		last_known_limit_type = excluded.last_known_limit_type`,
		st.KeyName, st.QuotaName, string(st.LimitType), st.CurrentUsage,
		st.LastUpdated.UTC().Format(time.RFC3339Nano),
		st.LastKnownLimit, string(st.LastKnownLimitType),
	)
	return err
}

// SaveQuotaSnapshot appends a point-in-time reading for the operator UI.
func (s *Store) SaveQuotaSnapshot(ctx context.Context, st *plexus.QuotaState, at time.Time) error {
	_, err := s.write.ExecContext(ctx, `INSERT INTO quota_snapshots
		(key_name, quota_name, current_usage, taken_at) VALUES (?, ?, ?, ?)`,
		st.KeyName, st.QuotaName, st.CurrentUsage, at.UTC().Format(time.RFC3339Nano))
	return err
}
