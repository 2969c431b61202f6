package auth

import (
	"errors"
	"net/http/httptest"
	"testing"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/config"
)

func testSnapshot(t *testing.T) *config.Snapshot {
	t.Helper()
	snap, err := config.Parse([]byte(`
keys:
  - name: team-a
    secret: sk-team-a
  - name: team-b
    secret: "{env:AUTH_TEST_SECRET}"
providers:
  p:
    type: chat
    base_url: http://localhost
    api_key: k
`))
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

func newAuth(t *testing.T) *Authenticator {
	t.Helper()
	a, err := New()
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestAuthenticateBearer(t *testing.T) {
	t.Parallel()
	a := newAuth(t)
	snap := testSnapshot(t)

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-team-a")

	name, err := a.Authenticate(snap, r)
	if err != nil {
		t.Fatal(err)
	}
	if name != "team-a" {
		t.Errorf("name = %q", name)
	}

	// second hit resolves from cache
	if name, err = a.Authenticate(snap, r); err != nil || name != "team-a" {
		t.Errorf("cached: name = %q err = %v", name, err)
	}
}

func TestAuthenticateXAPIKey(t *testing.T) {
	t.Parallel()
	a := newAuth(t)
	snap := testSnapshot(t)

	r := httptest.NewRequest("POST", "/v1/messages", nil)
	r.Header.Set("x-api-key", "sk-team-a")

	name, err := a.Authenticate(snap, r)
	if err != nil || name != "team-a" {
		t.Errorf("name = %q err = %v", name, err)
	}
}

func TestAuthenticateEnvSecret(t *testing.T) {
	t.Setenv("AUTH_TEST_SECRET", "sk-from-env")
	a := newAuth(t)
	snap := testSnapshot(t)

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-from-env")

	name, err := a.Authenticate(snap, r)
	if err != nil || name != "team-b" {
		t.Errorf("name = %q err = %v", name, err)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	t.Parallel()
	a := newAuth(t)
	snap := testSnapshot(t)

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	if _, err := a.Authenticate(snap, r); !errors.Is(err, plexus.ErrUnauthorized) {
		t.Errorf("missing header: err = %v", err)
	}

	r.Header.Set("Authorization", "Bearer wrong")
	if _, err := a.Authenticate(snap, r); !errors.Is(err, plexus.ErrUnauthorized) {
		t.Errorf("wrong secret: err = %v", err)
	}
}

func TestAuthenticateNoKeysConfigured(t *testing.T) {
	t.Parallel()
	a := newAuth(t)
	snap, err := config.Parse([]byte(`
providers:
  p:
    type: chat
    base_url: http://localhost
    api_key: k
`))
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	name, err := a.Authenticate(snap, r)
	if err != nil || name != "anonymous" {
		t.Errorf("name = %q err = %v", name, err)
	}
}
