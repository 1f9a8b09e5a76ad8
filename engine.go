package formguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/formguard/formguard/idempotency"
	"github.com/formguard/formguard/jwt"
	"github.com/formguard/formguard/kv"
	"github.com/formguard/formguard/lockout"
	"github.com/formguard/formguard/ratelimit"
	"github.com/formguard/formguard/revocation"
)

// Engine is the request-protection core. It decides whether an
// operation may proceed; it never performs the business operation
// itself. All methods are safe for concurrent use from any number of
// request handlers across any number of process instances: the shared
// store is the only coordination point.
//
// Gate order for a full request is the caller's responsibility; the
// conventional order is CheckRate, then Authenticate, then (on login
// routes) LockStatus, then BeginIdempotent for side-effecting writes.
type Engine struct {
	config Config

	store     *kv.Store
	registry  *idempotency.Registry
	limiter   *ratelimit.Limiter
	lockouts  *lockout.Tracker
	blocklist *revocation.Blocklist
	tokens    *jwt.Manager

	audit   *auditDispatcher
	metrics *Metrics
}

func (e *Engine) tenant(ctx context.Context) string {
	if !e.config.MultiTenant.Enabled {
		return "0"
	}
	return tenantIDFromContext(ctx)
}

func (e *Engine) rateRule(class string) RateRule {
	if rule, ok := e.config.RateLimit.Classes[class]; ok {
		return rule
	}
	return e.config.RateLimit.Default
}

func (e *Engine) emitAudit(ctx context.Context, eventType, tenantID, principal string, success bool, failure error, meta map[string]string) {
	if e.audit == nil {
		return
	}
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		TenantID:  tenantID,
		Principal: principal,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  meta,
	}
	if failure != nil {
		event.Error = failure.Error()
	}
	e.audit.Emit(ctx, event)
}

func (e *Engine) storeFailure(ctx context.Context, tenantID, component string, err error) {
	e.metrics.Inc(MetricStoreFailure)
	e.emitAudit(ctx, EventStoreFailure, tenantID, "", false, err, map[string]string{"component": component})
}

// CheckRate counts one request for clientID against the budget of the
// given operation class. Denials are reported with ErrRateLimited and a
// decision carrying RetryAfter. When the store is unreachable the
// limiter fails open unless RateLimitConfig.FailClosed is set; either
// way the outage is counted and audited, never silently ignored.
func (e *Engine) CheckRate(ctx context.Context, class, clientID string) (ratelimit.Decision, error) {
	tenantID := e.tenant(ctx)
	rule := e.rateRule(class)

	decision, err := e.limiter.Check(ctx, tenantID+":"+class, clientID, rule.MaxRequests, rule.Window)
	if err == nil && e.config.RateLimit.EnableIPThrottle {
		if ip := clientIPFromContext(ctx); ip != "" && ip != clientID {
			decision, err = e.limiter.Check(ctx, tenantID+":"+class+":ip", ip, rule.MaxRequests, rule.Window)
		}
	}

	switch {
	case err == nil:
		e.metrics.Inc(MetricRateAllowed)
		return decision, nil

	case errors.Is(err, ratelimit.ErrDenied):
		e.metrics.Inc(MetricRateDenied)
		e.emitAudit(ctx, EventRateLimitDenied, tenantID, clientID, false, nil, map[string]string{"class": class})
		return decision, ErrRateLimited

	case errors.Is(err, kv.ErrUnavailable):
		e.storeFailure(ctx, tenantID, "ratelimit", err)
		if e.config.RateLimit.FailClosed {
			return ratelimit.Decision{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		rule := e.rateRule(class)
		return ratelimit.Decision{
			Allowed:   true,
			Remaining: rule.MaxRequests - 1,
			ResetAt:   time.Now().Add(rule.Window),
		}, nil

	default:
		return ratelimit.Decision{}, err
	}
}

// Authenticate verifies rawToken and consults the revocation blocklist.
// Malformed, expired, and revoked tokens all fail with ErrTokenInvalid:
// the caller cannot distinguish "never issued" from "revoked", which is
// deliberate. A store outage on the blocklist lookup fails closed.
func (e *Engine) Authenticate(ctx context.Context, rawToken string) (*TokenInfo, error) {
	if e.tokens == nil {
		return nil, ErrEngineNotReady
	}

	start := time.Now()
	tenantID := e.tenant(ctx)

	claims, err := e.tokens.Parse(rawToken)
	if err != nil {
		e.metrics.Inc(MetricAuthRejected)
		return nil, ErrTokenInvalid
	}

	tokenID := revocation.TokenID(rawToken, claims.ID)

	revoked, err := e.blocklist.IsRevoked(ctx, tokenID)
	if err != nil {
		e.storeFailure(ctx, tenantID, "revocation", err)
		e.metrics.Inc(MetricAuthRejected)
		return nil, ErrTokenInvalid
	}
	if revoked {
		e.metrics.Inc(MetricRevokedTokenUsed)
		e.metrics.Inc(MetricAuthRejected)
		e.emitAudit(ctx, EventRevokedTokenUsed, tenantID, claims.Subject, false, nil, nil)
		return nil, ErrTokenInvalid
	}

	e.metrics.Inc(MetricAuthSuccess)
	e.metrics.Observe(MetricAuthenticateLatency, time.Since(start))

	info := &TokenInfo{
		Subject:  claims.Subject,
		TenantID: claims.TenantID,
		TokenID:  tokenID,
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}

// MintToken issues a signed access token for subject. Exposed so hosts
// that let the engine own token configuration do not need a second
// signer.
func (e *Engine) MintToken(ctx context.Context, subject string) (string, *TokenInfo, error) {
	if e.tokens == nil {
		return "", nil, ErrEngineNotReady
	}

	raw, claims, err := e.tokens.Mint(subject, e.tenant(ctx))
	if err != nil {
		return "", nil, err
	}

	info := &TokenInfo{
		Subject:  claims.Subject,
		TenantID: claims.TenantID,
		TokenID:  revocation.TokenID(raw, claims.ID),
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return raw, info, nil
}

// RevokeToken puts rawToken on the blocklist until its natural expiry.
// The token's signature must verify, but an already-elapsed expiry is
// accepted (revoking an expired token is a successful no-op).
func (e *Engine) RevokeToken(ctx context.Context, rawToken string) error {
	if e.tokens == nil {
		return ErrEngineNotReady
	}

	claims, err := e.tokens.ParseAllowExpired(rawToken)
	if err != nil {
		return ErrTokenInvalid
	}

	var expiry time.Time
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}

	return e.RevokeTokenID(ctx, revocation.TokenID(rawToken, claims.ID), expiry)
}

// RevokeTokenID blocklists a pre-computed token identifier. Useful for
// hosts that track issued jti values server-side (logout-all flows).
func (e *Engine) RevokeTokenID(ctx context.Context, tokenID string, naturalExpiry time.Time) error {
	tenantID := e.tenant(ctx)

	if err := e.blocklist.Revoke(ctx, tokenID, naturalExpiry); err != nil {
		if errors.Is(err, kv.ErrUnavailable) {
			e.storeFailure(ctx, tenantID, "revocation", err)
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return err
	}

	e.metrics.Inc(MetricTokenRevoked)
	e.emitAudit(ctx, EventTokenRevoked, tenantID, "", true, nil, nil)
	return nil
}

// RecordLoginFailure counts one failed authentication for principal.
// The failure that crosses the lockout threshold, and any failure while
// already locked, returns ErrAccountLocked together with the status. A
// store outage fails closed with ErrStoreUnavailable: on the login path
// an unverifiable failure count must deny.
func (e *Engine) RecordLoginFailure(ctx context.Context, principal string) (lockout.Status, error) {
	tenantID := e.tenant(ctx)

	status, err := e.lockouts.RecordFailure(ctx, tenantID+":"+principal)
	if err != nil {
		e.storeFailure(ctx, tenantID, "lockout", err)
		return lockout.Status{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricLoginFailureRecorded)

	if status.Locked {
		e.metrics.Inc(MetricLockoutTriggered)
		e.emitAudit(ctx, EventLockoutTriggered, tenantID, principal, false, nil, nil)
		return status, ErrAccountLocked
	}
	return status, nil
}

// ClearLoginFailures resets principal's failure run after a successful
// authentication, lock included.
func (e *Engine) ClearLoginFailures(ctx context.Context, principal string) error {
	tenantID := e.tenant(ctx)

	if err := e.lockouts.Clear(ctx, tenantID+":"+principal); err != nil {
		e.storeFailure(ctx, tenantID, "lockout", err)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricLockoutCleared)
	e.emitAudit(ctx, EventLockoutCleared, tenantID, principal, true, nil, nil)
	return nil
}

// LockStatus reports whether principal is locked out. A locked
// principal is reported with ErrAccountLocked so callers can classify
// with errors.Is; the status carries the remaining cooldown. Fails
// closed on store outage.
func (e *Engine) LockStatus(ctx context.Context, principal string) (lockout.Status, error) {
	tenantID := e.tenant(ctx)

	status, err := e.lockouts.Status(ctx, tenantID+":"+principal)
	if err != nil {
		e.storeFailure(ctx, tenantID, "lockout", err)
		return lockout.Status{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if status.Locked {
		return status, ErrAccountLocked
	}
	return status, nil
}

// BeginIdempotent claims the (scope, key) pair for a side-effecting
// write. Exactly one concurrent caller gets Proceed and must finish
// with CompleteIdempotent; a stored result comes back as Replay with
// the metadata for replay-indicating response headers; a live in-flight
// lease comes back as Conflict together with ErrIdempotencyConflict.
func (e *Engine) BeginIdempotent(ctx context.Context, scope, key string) (idempotency.BeginResult, error) {
	tenantID := e.tenant(ctx)

	result, err := e.registry.Begin(ctx, tenantID+":"+scope, key)
	if err != nil {
		if errors.Is(err, idempotency.ErrInvalidKey) {
			return idempotency.BeginResult{}, ErrInvalidIdempotencyKey
		}
		if errors.Is(err, kv.ErrUnavailable) {
			e.storeFailure(ctx, tenantID, "idempotency", err)
			return idempotency.BeginResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return idempotency.BeginResult{}, err
	}

	switch result.Outcome {
	case idempotency.Proceed:
		e.metrics.Inc(MetricIdempotentProceed)
		if result.TookOver {
			e.metrics.Inc(MetricLeaseTakeover)
			e.emitAudit(ctx, EventLeaseTakeover, tenantID, "", true, nil, map[string]string{"scope": scope})
		}
		return result, nil

	case idempotency.Replay:
		e.metrics.Inc(MetricIdempotentReplay)
		e.emitAudit(ctx, EventIdempotentReplay, tenantID, "", true, nil, map[string]string{"scope": scope})
		return result, nil

	default:
		e.metrics.Inc(MetricIdempotentConflict)
		e.emitAudit(ctx, EventIdempotentConflict, tenantID, "", false, nil, map[string]string{"scope": scope})
		return result, ErrIdempotencyConflict
	}
}

// CompleteIdempotent stores the result of the operation begun with
// BeginIdempotent so retries within the replay window get the original
// response, content type included. idempotency.ErrLeaseLost means
// another worker's result won; the caller should discard its own.
func (e *Engine) CompleteIdempotent(ctx context.Context, scope, key string, statusCode int, contentType string, response []byte) error {
	tenantID := e.tenant(ctx)

	err := e.registry.Complete(ctx, tenantID+":"+scope, key, statusCode, contentType, response)
	if err != nil {
		if errors.Is(err, idempotency.ErrInvalidKey) {
			return ErrInvalidIdempotencyKey
		}
		if errors.Is(err, kv.ErrUnavailable) {
			e.storeFailure(ctx, tenantID, "idempotency", err)
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return err
	}
	return nil
}

// MetricsSnapshot copies the engine's counters for exporters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// AuditDropped reports audit events lost to dispatcher backpressure.
func (e *Engine) AuditDropped() uint64 {
	return e.audit.Dropped()
}

// Close flushes and stops the audit dispatcher. The engine must not be
// used after Close.
func (e *Engine) Close() {
	e.audit.Close()
}
