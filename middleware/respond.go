package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/formguard/formguard/lockout"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteLocked writes the 423 lockout denial for a login handler that
// observed a locked principal. Minutes are rounded up so the client
// never retries early.
func WriteLocked(w http.ResponseWriter, status lockout.Status) {
	minutes := int((status.Remaining + time.Minute - 1) / time.Minute)
	writeJSON(w, http.StatusLocked, map[string]any{
		"error":         "Account temporarily locked due to repeated failed attempts",
		"lockedMinutes": minutes,
	})
}

func writeUnauthorized(w http.ResponseWriter) {
	// One body for malformed, expired, and revoked tokens alike.
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"error": "Invalid or expired token",
	})
}
