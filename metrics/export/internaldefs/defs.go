package internaldefs

import (
	formguard "github.com/formguard/formguard"
)

// CounterDef maps one engine counter to its exported name.
type CounterDef struct {
	ID   formguard.MetricID
	Name string
	Help string
}

// HistogramDef maps one engine histogram to its exported name.
type HistogramDef struct {
	ID   formguard.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: formguard.MetricRateAllowed, Name: "formguard_rate_allowed_total", Help: "Rate-limit checks that passed."},
	{ID: formguard.MetricRateDenied, Name: "formguard_rate_denied_total", Help: "Rate-limit denials."},
	{ID: formguard.MetricAuthSuccess, Name: "formguard_auth_success_total", Help: "Tokens that verified and were not revoked."},
	{ID: formguard.MetricAuthRejected, Name: "formguard_auth_rejected_total", Help: "Rejected tokens (malformed, expired, or revoked)."},
	{ID: formguard.MetricTokenRevoked, Name: "formguard_token_revoked_total", Help: "Explicit token revocations."},
	{ID: formguard.MetricRevokedTokenUsed, Name: "formguard_revoked_token_used_total", Help: "Authentication attempts with a revoked token."},
	{ID: formguard.MetricLoginFailureRecorded, Name: "formguard_login_failure_recorded_total", Help: "Recorded authentication failures."},
	{ID: formguard.MetricLockoutTriggered, Name: "formguard_lockout_triggered_total", Help: "Failures that crossed the lockout threshold."},
	{ID: formguard.MetricLockoutCleared, Name: "formguard_lockout_cleared_total", Help: "Lockout resets after successful authentication."},
	{ID: formguard.MetricIdempotentProceed, Name: "formguard_idempotent_proceed_total", Help: "Idempotency leases won."},
	{ID: formguard.MetricIdempotentReplay, Name: "formguard_idempotent_replay_total", Help: "Stored results replayed."},
	{ID: formguard.MetricIdempotentConflict, Name: "formguard_idempotent_conflict_total", Help: "Begins that hit a live in-flight lease."},
	{ID: formguard.MetricLeaseTakeover, Name: "formguard_lease_takeover_total", Help: "Stale in-progress leases reclaimed."},
	{ID: formguard.MetricStoreFailure, Name: "formguard_store_failure_total", Help: "Operations that hit an unreachable store."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: formguard.MetricAuthenticateLatency, Name: "formguard_authenticate_latency_seconds", Help: "Authenticate latency histogram."},
}

// HistogramBounds are the upper bucket bounds in seconds, matching the
// engine's fixed millisecond buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix are instrument-name-safe forms of the bounds.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates a raw snapshot slice into the
// fixed bucket array.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to cumulative counts.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
