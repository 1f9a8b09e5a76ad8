package formguard

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/formguard/formguard/idempotency"
)

const testIdemKey = "a1b2c3d4-e5f6-7890-abcd-ef1234567890"

func testJWTConfig(t *testing.T) JWTConfig {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	return JWTConfig{
		AccessTTL:     time.Hour,
		SigningMethod: "ed25519",
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        "formguard-test",
	}
}

func newTestEngine(t *testing.T, mutate func(*Config), opts ...func(*Builder)) (*Engine, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := defaultConfig()
	cfg.JWT = testJWTConfig(t)
	cfg.Metrics.Enabled = true
	if mutate != nil {
		mutate(&cfg)
	}

	builder := New().WithConfig(cfg).WithRedis(rdb)
	for _, opt := range opts {
		opt(builder)
	}

	engine, err := builder.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	return engine, mr, func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	}
}

func TestBuilder_RequiresRedis(t *testing.T) {
	if _, err := New().Build(); err == nil {
		t.Fatal("expected error without a redis client")
	}
}

func TestBuilder_SingleUse(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	builder := New().WithRedis(rdb)
	if _, err := builder.Build(); err != nil {
		t.Fatalf("first Build failed: %v", err)
	}
	if _, err := builder.Build(); err == nil {
		t.Fatal("expected second Build to fail")
	}
}

func TestBuilder_RejectsInvalidConfig(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg := defaultConfig()
	cfg.RateLimit.Default = RateRule{}

	if _, err := New().WithConfig(cfg).WithRedis(rdb).Build(); err == nil {
		t.Fatal("expected invalid config to be rejected")
	}
}

func TestEngine_CheckRate(t *testing.T) {
	engine, _, done := newTestEngine(t, func(cfg *Config) {
		cfg.RateLimit.Classes = map[string]RateRule{
			"submit": {MaxRequests: 2, Window: time.Minute},
		}
	})
	defer done()

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		dec, err := engine.CheckRate(ctx, "submit", "client-1")
		if err != nil {
			t.Fatalf("check %d failed: %v", i+1, err)
		}
		if !dec.Allowed {
			t.Fatalf("expected request %d allowed", i+1)
		}
	}

	dec, err := engine.CheckRate(ctx, "submit", "client-1")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if dec.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", dec.RetryAfter)
	}

	if got := engine.MetricsSnapshot().Counters[MetricRateDenied]; got != 1 {
		t.Fatalf("expected 1 denial counted, got %d", got)
	}
}

func TestEngine_CheckRateUnknownClassUsesDefault(t *testing.T) {
	engine, _, done := newTestEngine(t, func(cfg *Config) {
		cfg.RateLimit.Default = RateRule{MaxRequests: 1, Window: time.Minute}
	})
	defer done()

	ctx := context.Background()

	if _, err := engine.CheckRate(ctx, "unconfigured", "client-1"); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if _, err := engine.CheckRate(ctx, "unconfigured", "client-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected default budget to apply, got %v", err)
	}
}

func TestEngine_CheckRateTenantIsolation(t *testing.T) {
	engine, _, done := newTestEngine(t, func(cfg *Config) {
		cfg.MultiTenant.Enabled = true
		cfg.RateLimit.Default = RateRule{MaxRequests: 1, Window: time.Minute}
	})
	defer done()

	ctxA := WithTenantID(context.Background(), "tenant-a")
	ctxB := WithTenantID(context.Background(), "tenant-b")

	if _, err := engine.CheckRate(ctxA, "submit", "client-1"); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if _, err := engine.CheckRate(ctxA, "submit", "client-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected tenant-a exhausted, got %v", err)
	}

	dec, err := engine.CheckRate(ctxB, "submit", "client-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !dec.Allowed {
		t.Fatal("expected tenant-b to have its own budget")
	}
}

func TestEngine_CheckRateIPThrottle(t *testing.T) {
	engine, _, done := newTestEngine(t, func(cfg *Config) {
		cfg.RateLimit.EnableIPThrottle = true
		cfg.RateLimit.Default = RateRule{MaxRequests: 2, Window: time.Minute}
	})
	defer done()

	ctx := WithClientIP(context.Background(), "203.0.113.7")

	// Two identities behind one IP share the secondary budget.
	if _, err := engine.CheckRate(ctx, "submit", "user-1"); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if _, err := engine.CheckRate(ctx, "submit", "user-2"); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if _, err := engine.CheckRate(ctx, "submit", "user-3"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected shared IP budget exhausted, got %v", err)
	}
}

func TestEngine_CheckRateFailsOpenOnOutage(t *testing.T) {
	engine, mr, done := newTestEngine(t, nil)
	defer done()

	mr.Close()

	dec, err := engine.CheckRate(context.Background(), "submit", "client-1")
	if err != nil {
		t.Fatalf("expected fail-open on store outage, got %v", err)
	}
	if !dec.Allowed {
		t.Fatal("expected request allowed while store is down")
	}
	if got := engine.MetricsSnapshot().Counters[MetricStoreFailure]; got == 0 {
		t.Fatal("expected the outage to be counted")
	}
}

func TestEngine_CheckRateFailsClosedWhenConfigured(t *testing.T) {
	engine, mr, done := newTestEngine(t, func(cfg *Config) {
		cfg.RateLimit.FailClosed = true
	})
	defer done()

	mr.Close()

	_, err := engine.CheckRate(context.Background(), "submit", "client-1")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestEngine_AuthenticateRoundTrip(t *testing.T) {
	engine, _, done := newTestEngine(t, nil)
	defer done()

	ctx := context.Background()

	raw, minted, err := engine.MintToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("MintToken failed: %v", err)
	}

	info, err := engine.Authenticate(ctx, raw)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if info.Subject != "user-1" {
		t.Fatalf("expected subject user-1, got %q", info.Subject)
	}
	if info.TokenID != minted.TokenID {
		t.Fatalf("token id mismatch: %q vs %q", info.TokenID, minted.TokenID)
	}
}

func TestEngine_AuthenticateRejectsGarbage(t *testing.T) {
	engine, _, done := newTestEngine(t, nil)
	defer done()

	if _, err := engine.Authenticate(context.Background(), "not.a.token"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestEngine_AuthenticateRejectsRevoked(t *testing.T) {
	engine, _, done := newTestEngine(t, nil)
	defer done()

	ctx := context.Background()

	raw, _, err := engine.MintToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("MintToken failed: %v", err)
	}

	if err := engine.RevokeToken(ctx, raw); err != nil {
		t.Fatalf("RevokeToken failed: %v", err)
	}

	// Revoked and malformed tokens are indistinguishable to the caller.
	if _, err := engine.Authenticate(ctx, raw); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}

	snap := engine.MetricsSnapshot()
	if snap.Counters[MetricRevokedTokenUsed] != 1 {
		t.Fatalf("expected revoked use counted, got %d", snap.Counters[MetricRevokedTokenUsed])
	}
}

func TestEngine_AuthenticateFailsClosedOnOutage(t *testing.T) {
	engine, mr, done := newTestEngine(t, nil)
	defer done()

	ctx := context.Background()

	raw, _, err := engine.MintToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("MintToken failed: %v", err)
	}

	mr.Close()

	if _, err := engine.Authenticate(ctx, raw); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected fail-closed ErrTokenInvalid, got %v", err)
	}
}

func TestEngine_RevokeTokenID(t *testing.T) {
	engine, _, done := newTestEngine(t, nil)
	defer done()

	ctx := context.Background()

	raw, info, err := engine.MintToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("MintToken failed: %v", err)
	}

	if err := engine.RevokeTokenID(ctx, info.TokenID, info.ExpiresAt); err != nil {
		t.Fatalf("RevokeTokenID failed: %v", err)
	}
	if _, err := engine.Authenticate(ctx, raw); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid after revocation, got %v", err)
	}
}

func TestEngine_TokenOpsWithoutJWTConfig(t *testing.T) {
	engine, _, done := newTestEngine(t, func(cfg *Config) {
		cfg.JWT = JWTConfig{}
	})
	defer done()

	ctx := context.Background()

	if _, _, err := engine.MintToken(ctx, "user-1"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if _, err := engine.Authenticate(ctx, "x"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if err := engine.RevokeToken(ctx, "x"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
}

func TestEngine_Lockout(t *testing.T) {
	engine, _, done := newTestEngine(t, func(cfg *Config) {
		cfg.Lockout.Threshold = 3
	})
	defer done()

	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		status, err := engine.RecordLoginFailure(ctx, "user@example.com")
		if err != nil {
			t.Fatalf("RecordLoginFailure %d failed: %v", i, err)
		}
		if status.Locked {
			t.Fatalf("expected no lock after %d failures", i)
		}
	}

	status, err := engine.RecordLoginFailure(ctx, "user@example.com")
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
	if !status.Locked || status.Remaining <= 0 {
		t.Fatalf("expected locked status with cooldown, got %+v", status)
	}

	if _, err := engine.LockStatus(ctx, "user@example.com"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected LockStatus to report the lock, got %v", err)
	}

	if err := engine.ClearLoginFailures(ctx, "user@example.com"); err != nil {
		t.Fatalf("ClearLoginFailures failed: %v", err)
	}

	status, err = engine.LockStatus(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("LockStatus after clear failed: %v", err)
	}
	if status.Locked || status.Failures != 0 {
		t.Fatalf("expected clean slate after clear, got %+v", status)
	}
}

func TestEngine_LoginFailureWhileLocked(t *testing.T) {
	engine, mr, done := newTestEngine(t, func(cfg *Config) {
		cfg.Lockout.Threshold = 2
		cfg.Lockout.Window = time.Minute
		cfg.Lockout.Cooldown = 10 * time.Minute
	})
	defer done()

	ctx := context.Background()

	if _, err := engine.RecordLoginFailure(ctx, "user@example.com"); err != nil {
		t.Fatalf("RecordLoginFailure failed: %v", err)
	}
	if _, err := engine.RecordLoginFailure(ctx, "user@example.com"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}

	// Counter TTL lapses inside the cooldown; further failures must
	// keep reporting the lock.
	mr.FastForward(2 * time.Minute)

	status, err := engine.RecordLoginFailure(ctx, "user@example.com")
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked during cooldown, got %v", err)
	}
	if !status.Locked || status.Remaining <= 0 {
		t.Fatalf("expected live lock status, got %+v", status)
	}
}

func TestEngine_LockoutFailsClosedOnOutage(t *testing.T) {
	engine, mr, done := newTestEngine(t, nil)
	defer done()

	mr.Close()

	if _, err := engine.RecordLoginFailure(context.Background(), "user@example.com"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := engine.LockStatus(context.Background(), "user@example.com"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestEngine_IdempotentFlow(t *testing.T) {
	engine, _, done := newTestEngine(t, nil)
	defer done()

	ctx := context.Background()

	first, err := engine.BeginIdempotent(ctx, "submit", testIdemKey)
	if err != nil {
		t.Fatalf("BeginIdempotent failed: %v", err)
	}
	if first.Outcome != idempotency.Proceed {
		t.Fatalf("expected Proceed, got %v", first.Outcome)
	}

	if err := engine.CompleteIdempotent(ctx, "submit", testIdemKey, 201, "application/json", []byte(`{"id":1}`)); err != nil {
		t.Fatalf("CompleteIdempotent failed: %v", err)
	}

	second, err := engine.BeginIdempotent(ctx, "submit", testIdemKey)
	if err != nil {
		t.Fatalf("BeginIdempotent failed: %v", err)
	}
	if second.Outcome != idempotency.Replay {
		t.Fatalf("expected Replay, got %v", second.Outcome)
	}
	if second.StatusCode != 201 || string(second.Response) != `{"id":1}` {
		t.Fatalf("unexpected replay payload: %d %q", second.StatusCode, second.Response)
	}

	snap := engine.MetricsSnapshot()
	if snap.Counters[MetricIdempotentProceed] != 1 || snap.Counters[MetricIdempotentReplay] != 1 {
		t.Fatalf("unexpected idempotency counters: %+v", snap.Counters)
	}
}

func TestEngine_IdempotentConflict(t *testing.T) {
	engine, _, done := newTestEngine(t, nil)
	defer done()

	ctx := context.Background()

	if _, err := engine.BeginIdempotent(ctx, "submit", testIdemKey); err != nil {
		t.Fatalf("BeginIdempotent failed: %v", err)
	}

	res, err := engine.BeginIdempotent(ctx, "submit", testIdemKey)
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
	if res.Outcome != idempotency.Conflict {
		t.Fatalf("expected Conflict outcome, got %v", res.Outcome)
	}
}

func TestEngine_IdempotentInvalidKey(t *testing.T) {
	engine, _, done := newTestEngine(t, nil)
	defer done()

	ctx := context.Background()

	if _, err := engine.BeginIdempotent(ctx, "submit", "short"); !errors.Is(err, ErrInvalidIdempotencyKey) {
		t.Fatalf("expected ErrInvalidIdempotencyKey, got %v", err)
	}
	if err := engine.CompleteIdempotent(ctx, "submit", "short", 200, "", nil); !errors.Is(err, ErrInvalidIdempotencyKey) {
		t.Fatalf("expected ErrInvalidIdempotencyKey, got %v", err)
	}
}

func TestEngine_IdempotentTenantIsolation(t *testing.T) {
	engine, _, done := newTestEngine(t, func(cfg *Config) {
		cfg.MultiTenant.Enabled = true
	})
	defer done()

	ctxA := WithTenantID(context.Background(), "tenant-a")
	ctxB := WithTenantID(context.Background(), "tenant-b")

	if res, err := engine.BeginIdempotent(ctxA, "submit", testIdemKey); err != nil || res.Outcome != idempotency.Proceed {
		t.Fatalf("expected Proceed for tenant-a, got %v/%v", res.Outcome, err)
	}
	if res, err := engine.BeginIdempotent(ctxB, "submit", testIdemKey); err != nil || res.Outcome != idempotency.Proceed {
		t.Fatalf("expected Proceed for tenant-b, got %v/%v", res.Outcome, err)
	}
}

func TestEngine_IdempotentOutage(t *testing.T) {
	engine, mr, done := newTestEngine(t, nil)
	defer done()

	mr.Close()

	if _, err := engine.BeginIdempotent(context.Background(), "submit", testIdemKey); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestEngine_AuditEvents(t *testing.T) {
	sink := NewChannelSink(16)

	engine, _, done := newTestEngine(t, func(cfg *Config) {
		cfg.Audit.Enabled = true
		cfg.RateLimit.Default = RateRule{MaxRequests: 1, Window: time.Minute}
	}, func(b *Builder) {
		b.WithAuditSink(sink)
	})
	defer done()

	ctx := WithClientIP(context.Background(), "203.0.113.7")

	if _, err := engine.CheckRate(ctx, "submit", "client-1"); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if _, err := engine.CheckRate(ctx, "submit", "client-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	select {
	case event := <-sink.Events():
		if event.EventType != EventRateLimitDenied {
			t.Fatalf("expected %s, got %s", EventRateLimitDenied, event.EventType)
		}
		if event.Principal != "client-1" {
			t.Fatalf("expected principal client-1, got %q", event.Principal)
		}
		if event.IP != "203.0.113.7" {
			t.Fatalf("expected client IP on the event, got %q", event.IP)
		}
		if event.Metadata["class"] != "submit" {
			t.Fatalf("expected class metadata, got %v", event.Metadata)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audit event")
	}
}
