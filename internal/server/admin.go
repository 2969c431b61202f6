package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/storage"
)

// maxAdminBody caps admin request bodies (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeDialectError(w, plexus.APIChat, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// --- Cooldowns ---

type cooldownEntry struct {
	Provider            string    `json:"provider"`
	Model               string    `json:"model"`
	Reason              string    `json:"reason"`
	ExpiresAt           time.Time `json:"expires_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

func (s *server) handleListCooldowns(w http.ResponseWriter, r *http.Request) {
	active := s.deps.Cooldowns.Active()
	data := make([]cooldownEntry, len(active))
	for i, c := range active {
		data[i] = cooldownEntry{
			Provider:            c.Provider,
			Model:               c.Model,
			Reason:              string(c.Reason),
			ExpiresAt:           c.ExpiresAt,
			ConsecutiveFailures: c.ConsecutiveFailures,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

// handleClearCooldowns lifts cooldowns so operators can force traffic back to
// a provider. An empty or missing provider clears everything.
func (s *server) handleClearCooldowns(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider"`
	}
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	cleared := s.deps.Cooldowns.Clear(r.Context(), req.Provider)
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

// --- Usage ---

func (s *server) handleQueryUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		writeDialectError(w, plexus.APIChat, http.StatusNotFound, "usage store not configured")
		return
	}
	q := r.URL.Query()
	filter := storage.UsageFilter{
		Provider:           q.Get("provider"),
		IncomingModelAlias: q.Get("alias"),
		SelectedModelName:  q.Get("model"),
		APIKey:             q.Get("api_key"),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeDialectError(w, plexus.APIChat, http.StatusBadRequest, "invalid since format, use RFC3339")
			return
		}
		filter.Since = t
	}
	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			writeDialectError(w, plexus.APIChat, http.StatusBadRequest, "invalid until format, use RFC3339")
			return
		}
		filter.Until = t
	}
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	records, err := s.deps.Usage.GetUsage(r.Context(), filter)
	if err != nil {
		writeDialectError(w, plexus.APIChat, http.StatusInternalServerError, "failed to query usage")
		return
	}
	if records == nil {
		records = []*plexus.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": records})
}

// --- Debug logs ---

func (s *server) handleGetDebugLog(w http.ResponseWriter, r *http.Request) {
	if s.deps.DebugStore == nil {
		writeDialectError(w, plexus.APIChat, http.StatusNotFound, "debug store not configured")
		return
	}
	id := chi.URLParam(r, "requestID")
	log, err := s.deps.DebugStore.GetDebugLog(r.Context(), id)
	if err != nil {
		writeDialectError(w, plexus.APIChat, errorStatus(err), "debug log not found")
		return
	}
	writeJSON(w, http.StatusOK, debugLogView{
		RequestID:           log.RequestID,
		RawRequest:          string(log.RawRequest),
		TransformedRequest:  string(log.TransformedRequest),
		RawResponse:         string(log.RawResponse),
		TransformedResponse: string(log.TransformedResponse),
		CreatedAt:           log.CreatedAt,
	})
}

func (s *server) handleDeleteDebugLog(w http.ResponseWriter, r *http.Request) {
	if s.deps.DebugStore == nil {
		writeDialectError(w, plexus.APIChat, http.StatusNotFound, "debug store not configured")
		return
	}
	id := chi.URLParam(r, "requestID")
	if err := s.deps.DebugStore.DeleteDebugLog(r.Context(), id); err != nil {
		writeDialectError(w, plexus.APIChat, errorStatus(err), "debug log not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// debugLogView renders captured bodies as strings for human inspection.
type debugLogView struct {
	RequestID           string    `json:"request_id"`
	RawRequest          string    `json:"raw_request"`
	TransformedRequest  string    `json:"transformed_request"`
	RawResponse         string    `json:"raw_response"`
	TransformedResponse string    `json:"transformed_response"`
	CreatedAt           time.Time `json:"created_at"`
}
