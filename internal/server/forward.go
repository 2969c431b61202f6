package server

import (
	"log/slog"
	"net/http"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/config"
)

// handleTranscriptions proxies multipart audio uploads verbatim to a provider
// backend. The target provider comes from the x-plexus-provider header or the
// provider query parameter; with exactly one enabled provider configured,
// naming one is optional.
func (s *server) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Config.Current()

	provider, err := s.forwardTarget(snap, r)
	if err != nil {
		writeDialectError(w, plexus.APIChat, errorStatus(err), err.Error())
		return
	}

	if err := s.deps.Upstream.Forward(r.Context(), provider, w, r, "/v1/audio/transcriptions"); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "forward transcription",
			slog.String("provider", provider.Name),
			slog.String("error", err.Error()),
		)
		// Forward only errors before any bytes reach the client.
		writeDialectError(w, plexus.APIChat, http.StatusBadGateway, "upstream request failed")
	}
}

func (s *server) forwardTarget(snap *config.Snapshot, r *http.Request) (*config.Provider, error) {
	name := r.Header.Get("x-plexus-provider")
	if name == "" {
		name = r.URL.Query().Get("provider")
	}
	if name != "" {
		p, ok := snap.Providers[name]
		if !ok || !p.IsEnabled() {
			return nil, &plexus.RouteError{
				Code:    plexus.RouteProviderNotFound,
				Message: "unknown provider " + name,
			}
		}
		return p, nil
	}

	var only *config.Provider
	for _, p := range snap.Providers {
		if !p.IsEnabled() {
			continue
		}
		if only != nil {
			return nil, &plexus.RouteError{
				Code:    plexus.RouteDirectRoutingInvalid,
				Message: "multiple providers configured, name one via x-plexus-provider",
			}
		}
		only = p
	}
	if only == nil {
		return nil, &plexus.RouteError{
			Code:    plexus.RouteNoEnabledTargets,
			Message: "no enabled providers",
		}
	}
	return only, nil
}
