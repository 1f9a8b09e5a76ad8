package formguard

import "errors"

var (
	// ErrInvalidIdempotencyKey indicates a malformed X-Idempotency-Key
	// value. Surfaced before any store access; maps to HTTP 400.
	ErrInvalidIdempotencyKey = errors.New("invalid idempotency key format")

	// ErrRateLimited indicates the client exhausted its request budget
	// for the current window. Recoverable by waiting; maps to HTTP 429.
	ErrRateLimited = errors.New("rate limited")

	// ErrAccountLocked indicates the principal is inside a lockout
	// cooldown. Recoverable once the cooldown elapses; maps to HTTP 423.
	ErrAccountLocked = errors.New("account temporarily locked")

	// ErrIdempotencyConflict indicates the same idempotency key is
	// being processed by another worker right now. Transient; the
	// client should retry shortly.
	ErrIdempotencyConflict = errors.New("request already being processed")

	// ErrTokenInvalid covers malformed, expired, and revoked tokens
	// alike. The cases are deliberately indistinguishable so callers
	// cannot leak revocation timing. Maps to HTTP 401.
	ErrTokenInvalid = errors.New("invalid token")

	// ErrStoreUnavailable indicates the shared store is unreachable.
	// Security-critical checks (revocation, lockout) fail closed on it;
	// the rate limiter fails open unless configured otherwise.
	ErrStoreUnavailable = errors.New("shared store unavailable")

	// ErrEngineNotReady indicates an operation that needs a disabled
	// subsystem, such as token operations without JWT configuration.
	ErrEngineNotReady = errors.New("engine subsystem not configured")
)
