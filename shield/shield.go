// Package shield provides the HTTP middleware in front of the attrwatch
// API: security headers, body limits, request ids with a per-request
// logger, and per-client rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.APIStack(logger)...)
//	r.Use(shield.NewRateLimiter(20, 40, "/health").Middleware)
package shield

import (
	"log/slog"
	"net/http"

	"github.com/hazyhaar/attrwatch/horosafe"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// APIStack returns the standard middleware for the JSON API, outermost
// first: HeadToGet, SecurityHeaders, MaxBody, RequestID.
func APIStack(logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(APIHeaders()),
		MaxBody(horosafe.MaxBody),
		RequestID(logger),
	}
}
