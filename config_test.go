package formguard

import (
	"testing"
	"time"
)

func TestConfigValidate_Defaults(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestConfigValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty store prefix", func(c *Config) { c.Store.RedisPrefix = "" }},
		{"jwt without ttl", func(c *Config) { c.JWT.SigningMethod = "ed25519" }},
		{"jwt unknown method", func(c *Config) {
			c.JWT.SigningMethod = "rs512"
			c.JWT.AccessTTL = time.Hour
		}},
		{"negative record ttl", func(c *Config) { c.Idempotency.RecordTTL = -time.Hour }},
		{"in-flight timeout beyond record ttl", func(c *Config) {
			c.Idempotency.RecordTTL = time.Minute
			c.Idempotency.InFlightTimeout = time.Hour
		}},
		{"zero default rate rule", func(c *Config) { c.RateLimit.Default = RateRule{} }},
		{"empty rate class name", func(c *Config) {
			c.RateLimit.Classes = map[string]RateRule{"": {MaxRequests: 1, Window: time.Minute}}
		}},
		{"zero-budget rate class", func(c *Config) {
			c.RateLimit.Classes = map[string]RateRule{"login": {Window: time.Minute}}
		}},
		{"negative lockout threshold", func(c *Config) { c.Lockout.Threshold = -1 }},
		{"negative lockout cooldown", func(c *Config) { c.Lockout.Cooldown = -time.Minute }},
		{"audit enabled without buffer", func(c *Config) {
			c.Audit.Enabled = true
			c.Audit.BufferSize = 0
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCloneConfig_Isolation(t *testing.T) {
	cfg := defaultConfig()
	cfg.JWT.PrivateKey = []byte("secret")
	cfg.RateLimit.Classes = map[string]RateRule{
		"login": {MaxRequests: 5, Window: time.Minute},
	}

	clone := cloneConfig(cfg)

	cfg.JWT.PrivateKey[0] = 'X'
	cfg.RateLimit.Classes["login"] = RateRule{MaxRequests: 99, Window: time.Hour}

	if clone.JWT.PrivateKey[0] == 'X' {
		t.Fatal("expected key material to be copied, not aliased")
	}
	if clone.RateLimit.Classes["login"].MaxRequests != 5 {
		t.Fatal("expected class map to be copied, not aliased")
	}
}
