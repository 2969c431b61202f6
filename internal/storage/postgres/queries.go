package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/storage"
)

const usageColumns = `request_id, date, source_ip, api_key, attribution,
	incoming_api_type, outgoing_api_type, provider,
	incoming_model_alias, canonical_model_name, selected_model_name,
	attempt_count, final_attempt_provider, final_attempt_model, all_attempted_providers,
	tokens_input, tokens_output, tokens_reasoning, tokens_cached, tokens_cache_write,
	cost_input, cost_output, cost_cached, cost_cache_write, cost_total, cost_source, cost_metadata,
	start_time, duration_ms, ttft_ms, tokens_per_sec,
	is_streamed, is_passthrough, response_status, tokens_estimated,
	kwh_used, tools_defined, message_count, tool_calls_count, finish_reason`

// SaveRequest upserts a usage record keyed by request ID.
func (s *Store) SaveRequest(ctx context.Context, r *plexus.UsageRecord) error {
	attempted, _ := json.Marshal(r.AllAttemptedProviders)
	if r.AllAttemptedProviders == nil {
		attempted = []byte("[]")
	}
	meta := r.CostMetadata
	if len(meta) == 0 {
		meta = []byte("{}")
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO request_usage (`+usageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		        $21, $22, $23, $24, $25, $26, $27, $28, $29, $30,
		        $31, $32, $33, $34, $35, $36, $37, $38, $39, $40)
		ON CONFLICT (request_id) DO UPDATE SET
		date = EXCLUDED.date,
		outgoing_api_type = EXCLUDED.outgoing_api_type,
		provider = EXCLUDED.provider,
		incoming_model_alias = EXCLUDED.incoming_model_alias,
		canonical_model_name = EXCLUDED.canonical_model_name,
		selected_model_name = EXCLUDED.selected_model_name,
		attempt_count = EXCLUDED.attempt_count,
		final_attempt_provider = EXCLUDED.final_attempt_provider,
		final_attempt_model = EXCLUDED.final_attempt_model,
		all_attempted_providers = EXCLUDED.all_attempted_providers,
		tokens_input = EXCLUDED.tokens_input,
		tokens_output = EXCLUDED.tokens_output,
		tokens_reasoning = EXCLUDED.tokens_reasoning,
		tokens_cached = EXCLUDED.tokens_cached,
		tokens_cache_write = EXCLUDED.tokens_cache_write,
		cost_input = EXCLUDED.cost_input,
		cost_output = EXCLUDED.cost_output,
		cost_cached = EXCLUDED.cost_cached,
		cost_cache_write = EXCLUDED.cost_cache_write,
		cost_total = EXCLUDED.cost_total,
		cost_source = EXCLUDED.cost_source,
		cost_metadata = EXCLUDED.cost_metadata,
		duration_ms = EXCLUDED.duration_ms,
		ttft_ms = EXCLUDED.ttft_ms,
		tokens_per_sec = EXCLUDED.tokens_per_sec,
		is_streamed = EXCLUDED.is_streamed,
		is_passthrough = EXCLUDED.is_passthrough,
		response_status = EXCLUDED.response_status,
		tokens_estimated = EXCLUDED.tokens_estimated,
		kwh_used = EXCLUDED.kwh_used,
		tools_defined = EXCLUDED.tools_defined,
		message_count = EXCLUDED.message_count,
		tool_calls_count = EXCLUDED.tool_calls_count,
		finish_reason = EXCLUDED.finish_reason`,
		r.RequestID, r.Date.UTC(), r.SourceIP, r.APIKey, r.Attribution,
		string(r.IncomingAPIType), string(r.OutgoingAPIType), r.Provider,
		r.IncomingModelAlias, r.CanonicalModelName, r.SelectedModelName,
		r.AttemptCount, r.FinalAttemptProvider, r.FinalAttemptModel, string(attempted),
		r.TokensInput, r.TokensOutput, r.TokensReasoning, r.TokensCached, r.TokensCacheWrite,
		r.CostInput, r.CostOutput, r.CostCached, r.CostCacheWrite, r.CostTotal, r.CostSource, string(meta),
		r.StartTime.UTC(), r.DurationMs, r.TTFTMs, r.TokensPerSec,
		r.IsStreamed, r.IsPassthrough, r.ResponseStatus, r.TokensEstimated,
		r.KwhUsed, r.ToolsDefined, r.MessageCount, r.ToolCallsCount, r.FinishReason,
	)
	return err
}

// SaveError records a dispatch failure.
func (s *Store) SaveError(ctx context.Context, requestID, errMsg, details string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inference_errors (request_id, error, details, created_at) VALUES ($1, $2, $3, $4)`,
		requestID, errMsg, details, time.Now().UTC())
	return err
}

// GetUsage returns usage records matching the filter, newest first.
func (s *Store) GetUsage(ctx context.Context, f storage.UsageFilter) ([]*plexus.UsageRecord, error) {
	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider LIKE "+arg("%"+f.Provider+"%"))
	}
	if f.IncomingModelAlias != "" {
		clauses = append(clauses, "incoming_model_alias LIKE "+arg("%"+f.IncomingModelAlias+"%"))
	}
	if f.SelectedModelName != "" {
		clauses = append(clauses, "selected_model_name LIKE "+arg("%"+f.SelectedModelName+"%"))
	}
	if f.APIKey != "" {
		clauses = append(clauses, "api_key = "+arg(f.APIKey))
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "date >= "+arg(f.Since.UTC()))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "date < "+arg(f.Until.UTC()))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+usageColumns+` FROM request_usage`+where+
			` ORDER BY date DESC LIMIT `+arg(limit)+` OFFSET `+arg(f.Offset),
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*plexus.UsageRecord
	for rows.Next() {
		var r plexus.UsageRecord
		var incoming, outgoing, attempted, meta string
		err := rows.Scan(
			&r.RequestID, &r.Date, &r.SourceIP, &r.APIKey, &r.Attribution,
			&incoming, &outgoing, &r.Provider,
			&r.IncomingModelAlias, &r.CanonicalModelName, &r.SelectedModelName,
			&r.AttemptCount, &r.FinalAttemptProvider, &r.FinalAttemptModel, &attempted,
			&r.TokensInput, &r.TokensOutput, &r.TokensReasoning, &r.TokensCached, &r.TokensCacheWrite,
			&r.CostInput, &r.CostOutput, &r.CostCached, &r.CostCacheWrite, &r.CostTotal, &r.CostSource, &meta,
			&r.StartTime, &r.DurationMs, &r.TTFTMs, &r.TokensPerSec,
			&r.IsStreamed, &r.IsPassthrough, &r.ResponseStatus, &r.TokensEstimated,
			&r.KwhUsed, &r.ToolsDefined, &r.MessageCount, &r.ToolCallsCount, &r.FinishReason,
		)
		if err != nil {
			return nil, err
		}
		r.IncomingAPIType = plexus.APIType(incoming)
		r.OutgoingAPIType = plexus.APIType(outgoing)
		_ = json.Unmarshal([]byte(attempted), &r.AllAttemptedProviders)
		r.CostMetadata = []byte(meta)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeleteAllUsageLogs deletes usage rows older than the cutoff; a zero cutoff
// deletes everything.
func (s *Store) DeleteAllUsageLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	var res sql.Result
	var err error
	if olderThan.IsZero() {
		res, err = s.db.ExecContext(ctx, `DELETE FROM request_usage`)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM request_usage WHERE date < $1`, olderThan.UTC())
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SaveDebugLog upserts the capture buffers for a request.
func (s *Store) SaveDebugLog(ctx context.Context, l *plexus.DebugLog) error {
	createdAt := l.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO debug_logs
		(request_id, raw_request, transformed_request, raw_response, transformed_response,
		 raw_response_snapshot, transformed_response_snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (request_id) DO UPDATE SET
		raw_request = EXCLUDED.raw_request,
		transformed_request = EXCLUDED.transformed_request,
		raw_response = EXCLUDED.raw_response,
		transformed_response = EXCLUDED.transformed_response,
		raw_response_snapshot = EXCLUDED.raw_response_snapshot,
		transformed_response_snapshot = EXCLUDED.transformed_response_snapshot`,
		l.RequestID, l.RawRequest, l.TransformedRequest, l.RawResponse, l.TransformedResponse,
		l.RawResponseSnapshot, l.TransformedResponseSnapshot, createdAt.UTC())
	return err
}

// GetDebugLog returns the capture for a request, or plexus.ErrNotFound.
func (s *Store) GetDebugLog(ctx context.Context, requestID string) (*plexus.DebugLog, error) {
	var l plexus.DebugLog
	err := s.db.QueryRowContext(ctx, `SELECT request_id, raw_request, transformed_request,
		raw_response, transformed_response, raw_response_snapshot, transformed_response_snapshot, created_at
		FROM debug_logs WHERE request_id = $1`, requestID,
	).Scan(&l.RequestID, &l.RawRequest, &l.TransformedRequest, &l.RawResponse,
		&l.TransformedResponse, &l.RawResponseSnapshot, &l.TransformedResponseSnapshot, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, plexus.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// DeleteDebugLog removes the capture for a request.
func (s *Store) DeleteDebugLog(ctx context.Context, requestID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM debug_logs WHERE request_id = $1`, requestID)
	return err
}

// UpsertCooldown persists an active cooldown.
func (s *Store) UpsertCooldown(ctx context.Context, r *plexus.CooldownRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO provider_cooldowns
		(provider, model, account_id, expires_at, consecutive_failures, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider, model, account_id) DO UPDATE SET
		expires_at = EXCLUDED.expires_at,
		consecutive_failures = EXCLUDED.consecutive_failures,
		reason = EXCLUDED.reason`,
		r.Provider, r.Model, r.AccountID, r.ExpiresAt.UTC(),
		r.ConsecutiveFailures, string(r.Reason), r.CreatedAt.UTC())
	return err
}

// DeleteCooldown removes a cooldown row.
func (s *Store) DeleteCooldown(ctx context.Context, provider, model, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM provider_cooldowns WHERE provider = $1 AND model = $2 AND account_id = $3`,
		provider, model, accountID)
	return err
}

// ListActiveCooldowns returns cooldowns that have not yet expired at now.
func (s *Store) ListActiveCooldowns(ctx context.Context, now time.Time) ([]*plexus.CooldownRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT provider, model, account_id, expires_at,
		consecutive_failures, reason, created_at
		FROM provider_cooldowns WHERE expires_at > $1`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*plexus.CooldownRecord
	for rows.Next() {
		var r plexus.CooldownRecord
		var reason string
		if err := rows.Scan(&r.Provider, &r.Model, &r.AccountID, &r.ExpiresAt,
			&r.ConsecutiveFailures, &reason, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Reason = plexus.CooldownReason(reason)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SavePerformanceSample appends one completed request's observation.
func (s *Store) SavePerformanceSample(ctx context.Context, p *plexus.PerformanceSample) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO provider_performance
		(provider, model, canonical_model, request_id, ttft_ms, total_tokens, duration_ms, tokens_per_sec, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.Provider, p.Model, p.CanonicalModel, p.RequestID,
		p.TTFTMs, p.TotalTokens, p.DurationMs, p.TokensPerSec, createdAt.UTC())
	return err
}

// ListPerformanceSamples returns samples for a (provider, model) window, newest first.
func (s *Store) ListPerformanceSamples(ctx context.Context, provider, model string, since time.Time, limit int) ([]*plexus.PerformanceSample, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `SELECT provider, model, canonical_model, request_id,
		ttft_ms, total_tokens, duration_ms, tokens_per_sec, created_at
		FROM provider_performance
		WHERE provider = $1 AND model = $2 AND created_at >= $3
		ORDER BY created_at DESC LIMIT $4`,
		provider, model, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*plexus.PerformanceSample
	for rows.Next() {
		var p plexus.PerformanceSample
		if err := rows.Scan(&p.Provider, &p.Model, &p.CanonicalModel, &p.RequestID,
			&p.TTFTMs, &p.TotalTokens, &p.DurationMs, &p.TokensPerSec, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// DeletePerformanceSamples prunes samples older than the cutoff.
func (s *Store) DeletePerformanceSamples(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM provider_performance WHERE created_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetQuotaState returns the counter for one (key, quota), or plexus.ErrNotFound.
func (s *Store) GetQuotaState(ctx context.Context, keyName, quotaName string) (*plexus.QuotaState, error) {
	var st plexus.QuotaState
	var limitType, lastKnownType string
	err := s.db.QueryRowContext(ctx, `SELECT key_name, quota_name, limit_type, current_usage,
		last_updated, last_known_limit, last_known_limit_type
		FROM quota_state WHERE key_name = $1 AND quota_name = $2`,
		keyName, quotaName,
	).Scan(&st.KeyName, &st.QuotaName, &limitType, &st.CurrentUsage,
		&st.LastUpdated, &st.LastKnownLimit, &lastKnownType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, plexus.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.LimitType = plexus.QuotaLimitType(limitType)
	st.LastKnownLimitType = plexus.QuotaLimitType(lastKnownType)
	return &st, nil
}

// UpsertQuotaState persists the counter for one (key, quota).
func (s *Store) UpsertQuotaState(ctx context.Context, st *plexus.QuotaState) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO quota_state
		(key_name, quota_name, limit_type, current_usage, last_updated, last_known_limit, last_known_limit_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key_name, quota_name) DO UPDATE SET
		limit_type = EXCLUDED.limit_type,
		current_usage = EXCLUDED.current_usage,
		last_updated = EXCLUDED.last_updated,
		last_known_limit = EXCLUDED.last_known_limit,
		last_known_limit_type = EXCLUDED.last_known_limit_type`,
		st.KeyName, st.QuotaName, string(st.LimitType), st.CurrentUsage,
		st.LastUpdated.UTC(), st.LastKnownLimit, string(st.LastKnownLimitType))
	return err
}

// SaveQuotaSnapshot appends a point-in-time reading.
func (s *Store) SaveQuotaSnapshot(ctx context.Context, st *plexus.QuotaState, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO quota_snapshots
		(key_name, quota_name, current_usage, taken_at) VALUES ($1, $2, $3, $4)`,
		st.KeyName, st.QuotaName, st.CurrentUsage, at.UTC())
	return err
}

// SaveResponse persists a responses-API response body.
func (s *Store) SaveResponse(ctx context.Context, responseID, conversationID string, body []byte, createdAt time.Time) error {
	if conversationID != "" {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO conversations (conversation_id, created_at) VALUES ($1, $2)
			 ON CONFLICT (conversation_id) DO NOTHING`,
			conversationID, createdAt.UTC()); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO responses
		(response_id, conversation_id, body, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (response_id) DO UPDATE SET body = EXCLUDED.body`,
		responseID, conversationID, body, createdAt.UTC())
	return err
}

// GetResponse returns a stored response body, or plexus.ErrNotFound.
func (s *Store) GetResponse(ctx context.Context, responseID string) ([]byte, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM responses WHERE response_id = $1`, responseID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, plexus.ErrNotFound
	}
	return body, err
}

// SaveResponseItem appends one output item of a response.
func (s *Store) SaveResponseItem(ctx context.Context, responseID string, seq int, item []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO response_items (response_id, seq, item)
		VALUES ($1, $2, $3) ON CONFLICT (response_id, seq) DO UPDATE SET item = EXCLUDED.item`,
		responseID, seq, item)
	return err
}

// ListResponseItems returns a response's output items in order.
func (s *Store) ListResponseItems(ctx context.Context, responseID string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item FROM response_items WHERE response_id = $1 ORDER BY seq`, responseID)
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
