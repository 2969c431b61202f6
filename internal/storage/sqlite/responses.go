package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	plexus "github.com/plexus-gw/plexus/internal"
)

// SaveResponse persists a responses-API response body, creating the owning
// conversation row when one is named.
func (s *Store) SaveResponse(ctx context.Context, responseID, conversationID string, body []byte, createdAt time.Time) error {
	ts := createdAt.UTC().Format(time.RFC3339Nano)
	if conversationID != "" {
		if _, err := s.write.ExecContext(ctx,
			`INSERT INTO conversations (conversation_id, created_at) VALUES (?, ?)
			 ON CONFLICT(conversation_id) DO NOTHING`,
			conversationID, ts); err != nil {
			return err
		}
	}
	_, err := s.write.ExecContext(ctx, `INSERT INTO responses
		(response_id, conversation_id, body, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(response_id) DO UPDATE SET body = excluded.body`,
		responseID, conversationID, body, ts)
	return err
}

// GetResponse returns a stored response body, or plexus.ErrNotFound.
func (s *Store) GetResponse(ctx context.Context, responseID string) ([]byte, error) {
	var body []byte
	err := s.read.QueryRowContext(ctx,
		`SELECT body FROM responses WHERE response_id = ?`, responseID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, plexus.ErrNotFound
	}
	return body, err
}

// SaveResponseItem appends one output item of a response.
func (s *Store) SaveResponseItem(ctx context.Context, responseID string, seq int, item []byte) error {
	_, err := s.write.ExecContext(ctx, `INSERT INTO response_items (response_id, seq, item)
		VALUES (?, ?, ?) ON CONFLICT(response_id, seq) DO UPDATE SET item = excluded.item`,
		responseID, seq, item)
	return err
}

// ListResponseItems returns a response's output items in order.
func (s *Store) ListResponseItems(ctx context.Context, responseID string) ([][]byte, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT item FROM response_items WHERE response_id = ? ORDER BY seq`, responseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var item []byte
		if err := rows.Scan(&item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
