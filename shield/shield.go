// Package shield provides reusable HTTP security middleware for the
// telemetry services. It consolidates security headers, rate limiting,
// body limits, request tracing, and HEAD method handling into a single
// importable package.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
//	r.Use(shield.MaxBody(8 * 1024 * 1024))
//	r.Use(shield.TraceID)
//	r.Use(shield.NewRateLimiter(rules).Middleware)
//
// Or apply the default collector stack in one call:
//
//	for _, mw := range shield.DefaultStack(rules) {
//	    r.Use(mw)
//	}
package shield

import "net/http"

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultStack returns the standard middleware stack for a publicly
// exposed telemetry endpoint. Middleware is ordered:
// HeadToGet → SecurityHeaders → MaxBody → TraceID → RateLimiter.
func DefaultStack(maxBody int64, rules map[string]RateLimitConfig) []func(http.Handler) http.Handler {
	rl := NewRateLimiter(rules)
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBody),
		TraceID,
		rl.Middleware,
	}
}

// HeadToGet converts HEAD requests to GET so that route handlers registered
// with r.Get() respond with 200 instead of 405 (Method Not Allowed).
// Go's net/http automatically strips the body for HEAD responses.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
