package sqlite

import (
	"context"
	"time"

	plexus "github.com/plexus-gw/plexus/internal"
)

// SavePerformanceSample appends one completed request's observation.
func (s *Store) SavePerformanceSample(ctx context.Context, p *plexus.PerformanceSample) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.write.ExecContext(ctx, `INSERT INTO provider_performance
		(provider, model, canonical_model, request_id, ttft_ms, total_tokens, duration_ms, tokens_per_sec, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Provider, p.Model, p.CanonicalModel, p.RequestID,
		p.TTFTMs, p.TotalTokens, p.DurationMs, p.TokensPerSec,
		createdAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ListPerformanceSamples returns samples for a (provider, model) window,
// newest first.
func (s *Store) ListPerformanceSamples(ctx context.Context, provider, model string, since time.Time, limit int) ([]*plexus.PerformanceSample, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.read.QueryContext(ctx, `SELECT provider, model, canonical_model, request_id,
		ttft_ms, total_tokens, duration_ms, tokens_per_sec, created_at
		FROM provider_performance
		WHERE provider = ? AND model = ? AND created_at >= ?
		ORDER BY created_at DESC LIMIT ?`,
		provider, model, since.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*plexus.PerformanceSample
	for rows.Next() {
		var p plexus.PerformanceSample
		var created string
		if err := rows.Scan(&p.Provider, &p.Model, &p.CanonicalModel, &p.RequestID,
			&p.TTFTMs, &p.TotalTokens, &p.DurationMs, &p.TokensPerSec, &created); err != nil {
			return nil, err
		}
		if t, e := time.Parse(time.RFC3339Nano, created); e == nil {
			p.CreatedAt = t
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// DeletePerformanceSamples prunes samples older than the cutoff.
func (s *Store) DeletePerformanceSamples(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.write.ExecContext(ctx, `DELETE FROM provider_performance WHERE created_at < ?`,
		olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
