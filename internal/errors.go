package plexus

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid request")
	ErrQuotaExceeded  = errors.New("quota exceeded")
	ErrNotFound       = errors.New("not found")
)

// RouteErrorCode identifies why routing failed.
type RouteErrorCode string

const (
	RouteAliasNotFound        RouteErrorCode = "ALIAS_NOT_FOUND"
	RouteNoEnabledTargets     RouteErrorCode = "NO_ENABLED_TARGETS"
	RouteAllOnCooldown        RouteErrorCode = "ALL_PROVIDERS_ON_COOLDOWN"
	RouteProviderNotFound     RouteErrorCode = "PROVIDER_NOT_FOUND"
	RouteDirectRoutingInvalid RouteErrorCode = "DIRECT_ROUTING_INVALID"
)

// RouteError is a typed routing failure surfaced as 404 or 503.
type RouteError struct {
	Code    RouteErrorCode
	Message string
}

func (e *RouteError) Error() string { return string(e.Code) + ": " + e.Message }

// RoutingContext summarizes a failed dispatch for error reporting.
type RoutingContext struct {
	Attempts      int
	StatusCode    int
	FinalProvider string
	FinalModel    string
}

// DispatchError wraps the last provider error after all targets were exhausted.
type DispatchError struct {
	Last           error
	RoutingContext RoutingContext
}

func (e *DispatchError) Error() string {
	if e.Last != nil {
		return "all targets failed: " + e.Last.Error()
	}
	return "all targets failed"
}

// Unwrap exposes the final provider error for errors.Is/As chains.
func (e *DispatchError) Unwrap() error { return e.Last }
