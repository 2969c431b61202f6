// Package auth resolves inbound API keys to key names. Secrets live in the
// config (possibly behind {env:VAR} sigils); only the key name is ever logged
// or stored.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/config"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000
)

// Authenticator matches presented secrets against configured keys.
// Resolutions are cached in an otter W-TinyLFU cache for fast lookups.
type Authenticator struct {
	cache *otter.Cache[string, string] // secret -> key name
}

// New returns an Authenticator.
func New() (*Authenticator, error) {
	c, err := otter.New(&otter.Options[string, string]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, string](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &Authenticator{cache: c}, nil
}

// Invalidate drops all cached resolutions. Called after a config reload.
func (a *Authenticator) Invalidate() { a.cache.InvalidateAll() }

// Authenticate extracts the presented secret from either the Authorization
// bearer header or x-api-key, and resolves it to a key name against the
// snapshot. Deployments with no configured keys accept everything under the
// name "anonymous".
func (a *Authenticator) Authenticate(snap *config.Snapshot, r *http.Request) (string, error) {
	if len(snap.Keys) == 0 {
		return "anonymous", nil
	}
	secret := presentedSecret(r)
	if secret == "" {
		return "", plexus.ErrUnauthorized
	}
	if name, ok := a.cache.GetIfPresent(secret); ok {
		return name, nil
	}

	for i := range snap.Keys {
		key := &snap.Keys[i]
		expected, err := resolveSecret(key.Secret)
		if err != nil || expected == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(secret)) == 1 {
			a.cache.Set(secret, key.Name)
			return key.Name, nil
		}
	}
	return "", plexus.ErrUnauthorized
}

// presentedSecret accepts both header conventions used by LLM clients.
func presentedSecret(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if raw := strings.TrimPrefix(h, "Bearer "); raw != h {
			return raw
		}
	}
	return r.Header.Get("x-api-key")
}

func resolveSecret(s string) (string, error) {
	if !strings.HasPrefix(s, "{env:") || !strings.HasSuffix(s, "}") {
		return s, nil
	}
	name := s[len("{env:") : len(s)-1]
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("key secret environment variable %s not set", name)
	}
	return val, nil
}
