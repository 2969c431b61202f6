package sqlite

import (
	"context"
	"time"

	plexus "github.com/plexus-gw/plexus/internal"
)

// UpsertCooldown persists an active cooldown so restarts do not lose it.
func (s *Store) UpsertCooldown(ctx context.Context, r *plexus.CooldownRecord) error {
	_, err := s.write.ExecContext(ctx, `INSERT INTO provider_cooldowns
		(provider, model, account_id, expires_at, consecutive_failures, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, model, account_id) DO UPDATE SET
		expires_at = excluded.expires_at,
		consecutive_failures = excluded.consecutive_failures,
		reason = excluded.reason`,
		r.Provider, r.Model, r.AccountID,
		r.ExpiresAt.UTC().Format(time.RFC3339Nano),
		r.ConsecutiveFailures, string(r.Reason),
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// DeleteCooldown removes a cooldown row.
func (s *Store) DeleteCooldown(ctx context.Context, provider, model, accountID string) error {
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM provider_cooldowns WHERE provider = ? AND model = ? AND account_id = ?`,
		provider, model, accountID)
	return err
}

// ListActiveCooldowns returns cooldowns that have not yet expired at now.
func (s *Store) ListActiveCooldowns(ctx context.Context, now time.Time) ([]*plexus.CooldownRecord, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT provider, model, account_id, expires_at,
		consecutive_failures, reason, created_at
		FROM provider_cooldowns WHERE expires_at > ?`,
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*plexus.CooldownRecord
	for rows.Next() {
		var r plexus.CooldownRecord
		var expires, created, reason string
		if err := rows.Scan(&r.Provider, &r.Model, &r.AccountID, &expires,
			&r.ConsecutiveFailures, &reason, &created); err != nil {
			return nil, err
		}
		r.Reason = plexus.CooldownReason(reason)
		if t, e := time.Parse(time.RFC3339Nano, expires); e == nil {
			r.ExpiresAt = t
		}
		if t, e := time.Parse(time.RFC3339Nano, created); e == nil {
			r.CreatedAt = t
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
