package config

import (
	"log/slog"
	"sync/atomic"
)

// Store publishes the current Snapshot. Readers dereference once per request
// and carry the same snapshot for the request's lifetime; Swap replaces the
// pointer atomically with no locks on the read path.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore returns a Store publishing the given initial snapshot.
func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	s.current.Store(initial)
	return s
}

// Current returns the currently published snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Swap publishes a new snapshot. In-flight requests keep the old one.
func (s *Store) Swap(next *Snapshot) {
	s.current.Store(next)
	slog.Info("config snapshot swapped",
		"providers", len(next.Providers),
		"aliases", len(next.Models),
	)
}

// Reload parses raw YAML and publishes it if valid; invalid configs leave the
// current snapshot in place.
func (s *Store) Reload(data []byte) error {
	next, err := Parse(data)
	if err != nil {
		return err
	}
	s.Swap(next)
	return nil
}
