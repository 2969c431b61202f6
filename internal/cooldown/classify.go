package cooldown

import (
	"context"
	"errors"
	"net"
	"os"

	plexus "github.com/plexus-gw/plexus/internal"
)

// httpStatusError is an interface for errors carrying an HTTP status code.
// Matches the error type returned by internal/upstream.
type httpStatusError interface {
	HTTPStatus() int
}

// Classify maps a provider failure to a cooldown reason. ok is false for
// failures that are the caller's fault (malformed request, unknown model):
// those neither trip a cooldown nor warrant a failover retry.
func Classify(err error) (reason plexus.CooldownReason, ok bool) {
	if err == nil {
		return "", false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return plexus.ReasonTimeout, true
	}

	var he httpStatusError
	if errors.As(err, &he) {
		return classifyStatus(he.HTTPStatus())
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return plexus.ReasonTimeout, true
		}
		return plexus.ReasonConnectionError, true
	}

	// Generic transport failures (connection refused, reset, DNS).
	return plexus.ReasonConnectionError, true
}

func classifyStatus(code int) (plexus.CooldownReason, bool) {
	switch {
	case code == 429:
		return plexus.ReasonRateLimit, true
	case code == 401 || code == 403:
		return plexus.ReasonAuthError, true
	case code == 408:
		return plexus.ReasonTimeout, true
	case code >= 500:
		return plexus.ReasonServerError, true
	default:
		// Remaining 4xx are client errors, not provider fault.
		return "", false
	}
}
