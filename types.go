package formguard

import "time"

// TokenInfo is returned by [Engine.Authenticate] for a token that
// verified cryptographically and is not on the revocation blocklist.
type TokenInfo struct {
	Subject  string
	TenantID string
	// TokenID is the stable revocation identifier: the jti claim, or a
	// hash of the raw token when no jti is present.
	TokenID   string
	ExpiresAt time.Time
}
