package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	plexus "github.com/plexus-gw/plexus/internal"
)

// SaveDebugLog upserts the capture buffers for a request.
func (s *Store) SaveDebugLog(ctx context.Context, l *plexus.DebugLog) error {
	createdAt := l.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.write.ExecContext(ctx, `INSERT INTO debug_logs
		(request_id, raw_request, transformed_request, raw_response, transformed_response,
		 raw_response_snapshot, transformed_response_snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
		raw_request = excluded.raw_request,
		transformed_request = excluded.transformed_request,
		raw_response = excluded.raw_response,
		transformed_response = excluded.transformed_response,
		raw_response_snapshot = excluded.raw_response_snapshot,
		transformed_response_snapshot = excluded.transformed_response_snapshot`,
		l.RequestID, l.RawRequest, l.TransformedRequest, l.RawResponse, l.TransformedResponse,
		l.RawResponseSnapshot, l.TransformedResponseSnapshot,
		createdAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetDebugLog returns the capture for a request, or plexus.ErrNotFound.
func (s *Store) GetDebugLog(ctx context.Context, requestID string) (*plexus.DebugLog, error) {
	var l plexus.DebugLog
	var createdAt string
	err := s.read.QueryRowContext(ctx, `SELECT request_id, raw_request, transformed_request,
		raw_response, transformed_response, raw_response_snapshot, transformed_response_snapshot, created_at
		FROM debug_logs WHERE request_id = ?`, requestID,
	).Scan(&l.RequestID, &l.RawRequest, &l.TransformedRequest, &l.RawResponse,
		&l.TransformedResponse, &l.RawResponseSnapshot, &l.TransformedResponseSnapshot, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, plexus.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t, e := time.Parse(time.RFC3339Nano, createdAt); e == nil {
		l.CreatedAt = t
	}
	return &l, nil
}

// DeleteDebugLog removes the capture for a request.
func (s *Store) DeleteDebugLog(ctx context.Context, requestID string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM debug_logs WHERE request_id = ?`, requestID)
	return err
}
