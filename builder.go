package formguard

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/formguard/formguard/idempotency"
	"github.com/formguard/formguard/jwt"
	"github.com/formguard/formguard/kv"
	"github.com/formguard/formguard/lockout"
	"github.com/formguard/formguard/ratelimit"
	"github.com/formguard/formguard/revocation"
)

// Builder assembles an [Engine]. A Builder is single-use: Build
// consumes it.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	auditSink AuditSink

	built bool
}

// New returns a Builder pre-loaded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the builder's configuration. Zero-value sections
// of cfg are NOT merged with defaults; start from New and mutate, or
// supply a complete config.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the shared store client. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithAuditSink sets the destination for guard decision events. Only
// consulted when audit is enabled in the config.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled toggles the in-process metrics counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the authenticate-path latency
// histogram on top of the plain counters.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration, wires every component against the
// shared store, and returns the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store := kv.NewStore(b.redis, cfg.Store.RedisPrefix)

	engine := &Engine{
		config:  cfg,
		store:   store,
		limiter: ratelimit.NewLimiter(store, cfg.RateLimit.RedisPrefix),
		lockouts: lockout.NewTracker(store, lockout.Config{
			Threshold: cfg.Lockout.Threshold,
			Window:    cfg.Lockout.Window,
			Cooldown:  cfg.Lockout.Cooldown,
		}),
		blocklist: revocation.NewBlocklist(store, cfg.Revocation.RedisPrefix),
		registry: idempotency.NewRegistry(store, idempotency.Config{
			RecordTTL:       cfg.Idempotency.RecordTTL,
			InFlightTimeout: cfg.Idempotency.InFlightTimeout,
			KeyPrefix:       cfg.Idempotency.RedisPrefix,
		}),
		audit:   newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics: NewMetrics(cfg.Metrics),
	}

	if cfg.JWT.SigningMethod != "" {
		manager, err := jwt.NewManager(jwt.Config{
			AccessTTL:     cfg.JWT.AccessTTL,
			SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
			PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
			PublicKey:     cloneBytes(cfg.JWT.PublicKey),
			Issuer:        cfg.JWT.Issuer,
			Audience:      cfg.JWT.Audience,
			Leeway:        cfg.JWT.Leeway,
		})
		if err != nil {
			return nil, err
		}
		engine.tokens = manager
	}

	b.built = true

	return engine, nil
}
