package middleware

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	formguard "github.com/formguard/formguard"
)

// ClientIdentity extracts the rate-limit identity for a request.
// Implementations typically return the authenticated user ID and fall
// back to the remote IP for anonymous routes.
type ClientIdentity func(r *http.Request) string

// IPIdentity is the default [ClientIdentity]: the remote IP without
// port.
func IPIdentity(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit enforces the budget of the given operation class before the
// handler runs. Denials answer 429 with a Retry-After header and a
// retryAfter body field, both in whole seconds rounded up.
func RateLimit(engine *formguard.Engine, class string, identity ClientIdentity) func(http.Handler) http.Handler {
	if identity == nil {
		identity = IPIdentity
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := formguard.WithClientIP(r.Context(), IPIdentity(r))

			decision, err := engine.CheckRate(ctx, class, identity(r))
			if err != nil {
				if errors.Is(err, formguard.ErrRateLimited) {
					seconds := int((decision.RetryAfter + time.Second - 1) / time.Second)
					if seconds < 1 {
						seconds = 1
					}
					w.Header().Set("Retry-After", strconv.Itoa(seconds))
					writeJSON(w, http.StatusTooManyRequests, map[string]any{
						"error":      "Too many requests",
						"retryAfter": seconds,
					})
					return
				}
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{
					"error": "Service temporarily unavailable",
				})
				return
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
