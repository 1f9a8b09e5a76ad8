package formguard

import (
	"errors"
	"time"
)

// Config defines every tunable of the guard engine. Instances are
// cloned by [Builder.Build] and treated as immutable afterwards.
type Config struct {
	Store       StoreConfig
	JWT         JWTConfig
	Idempotency IdempotencyConfig
	RateLimit   RateLimitConfig
	Lockout     LockoutConfig
	Revocation  RevocationConfig
	Audit       AuditConfig
	Metrics     MetricsConfig
	MultiTenant MultiTenantConfig
}

/*
====================================
STORE CONFIG
====================================
*/

// StoreConfig controls the shared key-value namespace. Every component
// key lives under RedisPrefix so several deployments can share one
// Redis database without collisions.
type StoreConfig struct {
	RedisPrefix string
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig configures access-token verification for the revocation
// path. Leave SigningMethod empty to run the engine without token
// operations (rate limiting, lockout, and idempotency still work).
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

/*
====================================
IDEMPOTENCY CONFIG
====================================
*/

// IdempotencyConfig tunes the write-deduplication registry.
type IdempotencyConfig struct {
	// RecordTTL is the replay window, measured from the client's first
	// attempt. Default 24h.
	RecordTTL time.Duration
	// InFlightTimeout bounds how long an in-progress lease is honored
	// before a retry may take it over. Default 30s.
	InFlightTimeout time.Duration
	RedisPrefix     string
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateRule is one fixed-window budget.
type RateRule struct {
	MaxRequests int
	Window      time.Duration
}

// RateLimitConfig maps operation classes ("login", "forms-create",
// "save-progress", ...) to budgets. Classes without an entry use
// Default.
type RateLimitConfig struct {
	Default RateRule
	Classes map[string]RateRule
	// EnableIPThrottle adds a second budget keyed by client IP (taken
	// from the request context) on top of the identity budget.
	EnableIPThrottle bool
	// FailClosed denies requests when the store is unreachable. The
	// default (false) fails open: throttling is an abuse control, and
	// a store outage must not take the product down with it.
	FailClosed  bool
	RedisPrefix string
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig tunes the failed-authentication tracker. The tracker
// always fails closed: a store outage denies login-path requests.
type LockoutConfig struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
}

/*
====================================
REVOCATION CONFIG
====================================
*/

// RevocationConfig tunes the token blocklist. The blocklist always
// fails closed: an unreachable store treats every token as revoked.
type RevocationConfig struct {
	RedisPrefix string
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig controls the asynchronous audit event dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull drops events under backpressure instead of blocking
	// request handlers. Dropped events are counted.
	DropIfFull bool
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig controls the in-process metrics counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
MULTI-TENANT CONFIG
====================================
*/

// MultiTenantConfig controls tenant isolation. When enabled, every
// component key is prefixed with the tenant ID from the request
// context; when disabled, all traffic shares the default tenant "0".
type MultiTenantConfig struct {
	Enabled bool
}

func defaultConfig() Config {
	return Config{
		Store: StoreConfig{RedisPrefix: "fg"},
		Idempotency: IdempotencyConfig{
			RecordTTL:       24 * time.Hour,
			InFlightTimeout: 30 * time.Second,
			RedisPrefix:     "idem",
		},
		RateLimit: RateLimitConfig{
			Default:     RateRule{MaxRequests: 60, Window: time.Minute},
			RedisPrefix: "rl",
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Window:    15 * time.Minute,
			Cooldown:  30 * time.Minute,
		},
		Revocation: RevocationConfig{RedisPrefix: "rvk"},
		Audit:      AuditConfig{BufferSize: 256, DropIfFull: true},
	}
}

// Validate checks the configuration for inconsistencies that Build
// must reject.
func (c *Config) Validate() error {
	if c.Store.RedisPrefix == "" {
		return errors.New("store redis prefix must not be empty")
	}

	if c.JWT.SigningMethod != "" {
		if c.JWT.AccessTTL <= 0 {
			return errors.New("jwt access TTL must be positive")
		}
		if c.JWT.SigningMethod != "ed25519" && c.JWT.SigningMethod != "hs256" {
			return errors.New("jwt signing method must be ed25519 or hs256")
		}
	}

	if c.Idempotency.RecordTTL < 0 {
		return errors.New("idempotency record TTL must not be negative")
	}
	if c.Idempotency.InFlightTimeout < 0 {
		return errors.New("idempotency in-flight timeout must not be negative")
	}
	if c.Idempotency.InFlightTimeout > 0 && c.Idempotency.RecordTTL > 0 &&
		c.Idempotency.InFlightTimeout >= c.Idempotency.RecordTTL {
		return errors.New("idempotency in-flight timeout must be shorter than the record TTL")
	}

	if c.RateLimit.Default.MaxRequests <= 0 || c.RateLimit.Default.Window <= 0 {
		return errors.New("rate limit default rule must have positive budget and window")
	}
	for class, rule := range c.RateLimit.Classes {
		if class == "" {
			return errors.New("rate limit class name must not be empty")
		}
		if rule.MaxRequests <= 0 || rule.Window <= 0 {
			return errors.New("rate limit rule for class " + class + " must have positive budget and window")
		}
	}

	if c.Lockout.Threshold < 0 {
		return errors.New("lockout threshold must not be negative")
	}
	if c.Lockout.Window < 0 || c.Lockout.Cooldown < 0 {
		return errors.New("lockout window and cooldown must not be negative")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("audit buffer size must be positive when audit is enabled")
	}

	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	if cfg.RateLimit.Classes != nil {
		out.RateLimit.Classes = make(map[string]RateRule, len(cfg.RateLimit.Classes))
		for class, rule := range cfg.RateLimit.Classes {
			out.RateLimit.Classes[class] = rule
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
