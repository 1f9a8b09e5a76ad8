package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"time"

	formguard "github.com/formguard/formguard"
	"github.com/formguard/formguard/idempotency"
)

// Idempotency request/response headers.
const (
	HeaderIdempotencyKey     = "X-Idempotency-Key"
	HeaderIdempotentReplay   = "X-Idempotent-Replay"
	HeaderIdempotencyAge     = "X-Idempotency-Age"
	HeaderIdempotencyCreated = "X-Idempotency-Created"
)

// ScopeFunc derives the idempotency scope from the request, typically
// the target form's identifier from the URL path. The same key is safe
// to reuse across distinct scopes.
type ScopeFunc func(r *http.Request) string

// Idempotency deduplicates the wrapped side-effecting handler. Requests
// without an X-Idempotency-Key header always execute. With a key, the
// first request executes and its response is captured; retries within
// the replay window get the stored response plus replay-indicating
// headers. Responses with 5xx status are not stored, so a failed
// attempt becomes retryable once its lease times out.
func Idempotency(engine *formguard.Engine, scope ScopeFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderIdempotencyKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := engine.BeginIdempotent(r.Context(), scope(r), key)
			if err != nil {
				switch {
				case errors.Is(err, formguard.ErrInvalidIdempotencyKey):
					writeJSON(w, http.StatusBadRequest, map[string]any{
						"error": "Invalid idempotency key format: expected 16-128 characters from [A-Za-z0-9_-]",
						"code":  "INVALID_IDEMPOTENCY_KEY",
					})
				case errors.Is(err, formguard.ErrIdempotencyConflict):
					writeJSON(w, http.StatusConflict, map[string]any{
						"error": "Request already being processed, retry shortly",
					})
				default:
					writeJSON(w, http.StatusServiceUnavailable, map[string]any{
						"error": "Service temporarily unavailable",
					})
				}
				return
			}

			if result.Outcome == idempotency.Replay {
				w.Header().Set(HeaderIdempotentReplay, "true")
				w.Header().Set(HeaderIdempotencyAge, strconv.Itoa(int(result.Age/time.Second)))
				w.Header().Set(HeaderIdempotencyCreated, result.CreatedAt.UTC().Format(time.RFC3339))
				if result.ContentType != "" {
					w.Header().Set("Content-Type", result.ContentType)
				}
				w.WriteHeader(result.StatusCode)
				_, _ = w.Write(result.Response)
				return
			}

			recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			if recorder.status < http.StatusInternalServerError {
				contentType := recorder.Header().Get("Content-Type")
				_ = engine.CompleteIdempotent(r.Context(), scope(r), key, recorder.status, contentType, recorder.body.Bytes())
			}
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
