package sqlite

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/storage"
)

// usageColumns must match the scan order in scanUsage.
const usageColumns = `request_id, date, source_ip, api_key, attribution,
	incoming_api_type, outgoing_api_type, provider,
	incoming_model_alias, canonical_model_name, selected_model_name,
	attempt_count, final_attempt_provider, final_attempt_model, all_attempted_providers,
	tokens_input, tokens_output, tokens_reasoning, tokens_cached, tokens_cache_write,
	cost_input, cost_output, cost_cached, cost_cache_write, cost_total, cost_source, cost_metadata,
	start_time, duration_ms, ttft_ms, tokens_per_sec,
	is_streamed, is_passthrough, response_status, tokens_estimated,
	kwh_used, tools_defined, message_count, tool_calls_count, finish_reason`

// SaveRequest upserts a usage record keyed by request ID. Re-saving after a
// stream completes overwrites the earlier in-flight row, which makes retries
// of the persistence path idempotent.
func (s *Store) SaveRequest(ctx context.Context, r *plexus.UsageRecord) error {
	attempted, _ := json.Marshal(r.AllAttemptedProviders)
	if r.AllAttemptedProviders == nil {
		attempted = []byte("[]")
	}
	meta := r.CostMetadata
	if len(meta) == 0 {
		meta = []byte("{}")
	}

	_, err := s.write.ExecContext(ctx, `INSERT INTO request_usage (`+usageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		        ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
		date = excluded.date,
		outgoing_api_type = excluded.outgoing_api_type,
		provider = excluded.provider,
		incoming_model_alias = excluded.incoming_model_alias,
		canonical_model_name = excluded.canonical_model_name,
		selected_model_name = excluded.selected_model_name,
		attempt_count = excluded.attempt_count,
		final_attempt_provider = excluded.final_attempt_provider,
		final_attempt_model = excluded.final_attempt_model,
		all_attempted_providers = excluded.all_attempted_providers,
		tokens_input = excluded.tokens_input,
		tokens_output = excluded.tokens_output,
		tokens_reasoning = excluded.tokens_reasoning,
		tokens_cached = excluded.tokens_cached,
		tokens_cache_write = excluded.tokens_cache_write,
		cost_input = excluded.cost_input,
		cost_output = excluded.cost_output,
		cost_cached = excluded.cost_cached,
		cost_cache_write = excluded.cost_cache_write,
		cost_total = excluded.cost_total,
		cost_source = excluded.cost_source,
		cost_metadata = excluded.cost_metadata,
		duration_ms = excluded.duration_ms,
		ttft_ms = excluded.ttft_ms,
		tokens_per_sec = excluded.tokens_per_sec,
		is_streamed = excluded.is_streamed,
		is_passthrough = excluded.is_passthrough,
		response_status = excluded.response_status,
		tokens_estimated = excluded.tokens_estimated,
		kwh_used = excluded.kwh_used,
		tools_defined = excluded.tools_defined,
		message_count = excluded.message_count,
		tool_calls_count = excluded.tool_calls_count,
		finish_reason = excluded.finish_reason`,
		r.RequestID, r.Date.UTC().Format(time.RFC3339Nano), r.SourceIP, r.APIKey, r.Attribution,
		string(r.IncomingAPIType), string(r.OutgoingAPIType), r.Provider,
		r.IncomingModelAlias, r.CanonicalModelName, r.SelectedModelName,
		r.AttemptCount, r.FinalAttemptProvider, r.FinalAttemptModel, string(attempted),
		r.TokensInput, r.TokensOutput, r.TokensReasoning, r.TokensCached, r.TokensCacheWrite,
		r.CostInput, r.CostOutput, r.CostCached, r.CostCacheWrite, r.CostTotal, r.CostSource, string(meta),
		r.StartTime.UTC().Format(time.RFC3339Nano), r.DurationMs, r.TTFTMs, r.TokensPerSec,
		boolToInt(r.IsStreamed), boolToInt(r.IsPassthrough), r.ResponseStatus, boolToInt(r.TokensEstimated),
		r.KwhUsed, r.ToolsDefined, r.MessageCount, r.ToolCallsCount, r.FinishReason,
	)
	return err
}

// SaveError records a dispatch failure for later inspection.
func (s *Store) SaveError(ctx context.Context, requestID, errMsg, details string) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO inference_errors (request_id, error, details, created_at) VALUES (?, ?, ?, ?)`,
		requestID, errMsg, details, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetUsage returns usage records matching the filter, newest first.
func (s *Store) GetUsage(ctx context.Context, f storage.UsageFilter) ([]*plexus.UsageRecord, error) {
	var clauses []string
	var args []any
	if f.Provider != "" {
		clauses = append(clauses, "provider LIKE ?")
		args = append(args, "%"+f.Provider+"%")
	}
	if f.IncomingModelAlias != "" {
		clauses = append(clauses, "incoming_model_alias LIKE ?")
		args = append(args, "%"+f.IncomingModelAlias+"%")
	}
	if f.SelectedModelName != "" {
		clauses = append(clauses, "selected_model_name LIKE ?")
		args = append(args, "%"+f.SelectedModelName+"%")
	}
	if f.APIKey != "" {
		clauses = append(clauses, "api_key = ?")
		args = append(args, f.APIKey)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "date >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "date < ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx,
		`SELECT `+usageColumns+` FROM request_usage`+where+` ORDER BY date DESC LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*plexus.UsageRecord
	for rows.Next() {
		r, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteAllUsageLogs deletes usage rows older than the cutoff; a zero cutoff
// deletes everything.
func (s *Store) DeleteAllUsageLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	var res interface{ RowsAffected() (int64, error) }
	var err error
	if olderThan.IsZero() {
		res, err = s.write.ExecContext(ctx, `DELETE FROM request_usage`)
	} else {
		res, err = s.write.ExecContext(ctx, `DELETE FROM request_usage WHERE date < ?`,
			olderThan.UTC().Format(time.RFC3339Nano))
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUsage(row rowScanner) (*plexus.UsageRecord, error) {
	var r plexus.UsageRecord
	var date, startTime, attempted, meta string
	var incoming, outgoing string
	var streamed, passthrough, estimated int
	err := row.Scan(
		&r.RequestID, &date, &r.SourceIP, &r.APIKey, &r.Attribution,
		&incoming, &outgoing, &r.Provider,
		&r.IncomingModelAlias, &r.CanonicalModelName, &r.SelectedModelName,
		&r.AttemptCount, &r.FinalAttemptProvider, &r.FinalAttemptModel, &attempted,
		&r.TokensInput, &r.TokensOutput, &r.TokensReasoning, &r.TokensCached, &r.TokensCacheWrite,
		&r.CostInput, &r.CostOutput, &r.CostCached, &r.CostCacheWrite, &r.CostTotal, &r.CostSource, &meta,
		&startTime, &r.DurationMs, &r.TTFTMs, &r.TokensPerSec,
		&streamed, &passthrough, &r.ResponseStatus, &estimated,
		&r.KwhUsed, &r.ToolsDefined, &r.MessageCount, &r.ToolCallsCount, &r.FinishReason,
	)
	if err != nil {
		return nil, err
	}
	r.IncomingAPIType = plexus.APIType(incoming)
	r.OutgoingAPIType = plexus.APIType(outgoing)
	r.IsStreamed = streamed != 0
	r.IsPassthrough = passthrough != 0
	r.TokensEstimated = estimated != 0
	if t, e := time.Parse(time.RFC3339Nano, date); e == nil {
		r.Date = t
	}
	if t, e := time.Parse(time.RFC3339Nano, startTime); e == nil {
		r.StartTime = t
	}
	_ = json.Unmarshal([]byte(attempted), &r.AllAttemptedProviders)
	r.CostMetadata = []byte(meta)
	return &r, nil
}
