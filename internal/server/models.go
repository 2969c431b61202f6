package server

import (
	"net/http"
	"sort"
	"time"
)

// handleListModels lists every configured alias, including additional
// aliases, in the OpenAI model-list shape.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Config.Current()

	names := make([]string, 0, len(snap.Models))
	for name, alias := range snap.Models {
		names = append(names, name)
		names = append(names, alias.AdditionalAliases...)
	}
	sort.Strings(names)

	now := time.Now().Unix()
	data := make([]modelEntry, len(names))
	for i, name := range names {
		data[i] = modelEntry{
			ID:      name,
			Object:  "model",
			Created: now,
			OwnedBy: "plexus",
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
