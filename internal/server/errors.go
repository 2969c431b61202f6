package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/upstream"
)

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// openAIError is the wire shape for the chat and responses dialects.
type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// anthropicError is the wire shape for the messages dialect.
type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// geminiError is the wire shape for the gemini dialect.
type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// writeDialectError writes err in the wire format the caller's dialect expects.
func writeDialectError(w http.ResponseWriter, api plexus.APIType, status int, msg string) {
	switch api {
	case plexus.APIMessages:
		var e anthropicError
		e.Type = "error"
		e.Error.Type = anthropicErrorType(status)
		e.Error.Message = msg
		writeJSON(w, status, e)
	case plexus.APIGemini:
		var e geminiError
		e.Error.Code = status
		e.Error.Message = msg
		e.Error.Status = geminiStatus(status)
		writeJSON(w, status, e)
	default:
		var e openAIError
		e.Error.Message = msg
		e.Error.Type = openAIErrorType(status)
		writeJSON(w, status, e)
	}
}

func anthropicErrorType(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusNotFound:
		return "not_found_error"
	default:
		return "api_error"
	}
}

func openAIErrorType(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusTooManyRequests:
		return "rate_limit_exceeded"
	case http.StatusBadRequest, http.StatusNotFound:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

func geminiStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

// errorStatus maps a dispatch or routing failure to an HTTP status.
func errorStatus(err error) int {
	var routeErr *plexus.RouteError
	if errors.As(err, &routeErr) {
		switch routeErr.Code {
		case plexus.RouteAliasNotFound, plexus.RouteProviderNotFound:
			return http.StatusNotFound
		case plexus.RouteAllOnCooldown, plexus.RouteNoEnabledTargets:
			return http.StatusServiceUnavailable
		default:
			return http.StatusBadRequest
		}
	}
	var dispErr *plexus.DispatchError
	if errors.As(err, &dispErr) {
		if s := dispErr.RoutingContext.StatusCode; s >= 400 {
			return s
		}
		return http.StatusBadGateway
	}
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	switch {
	case errors.Is(err, plexus.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, plexus.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, plexus.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, plexus.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// dialectForPath infers the wire dialect from a request path, for errors
// raised before a handler binds one (auth failures, panics).
func dialectForPath(path string) plexus.APIType {
	switch {
	case strings.HasPrefix(path, "/v1/messages"):
		return plexus.APIMessages
	case strings.HasPrefix(path, "/v1beta/"):
		return plexus.APIGemini
	case strings.HasPrefix(path, "/v1/responses"):
		return plexus.APIResponses
	default:
		return plexus.APIChat
	}
}
