package formguard

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter or histogram.
type MetricID uint16

const (
	// MetricRateAllowed counts rate-limit checks that passed.
	MetricRateAllowed MetricID = iota
	// MetricRateDenied counts rate-limit denials.
	MetricRateDenied
	// MetricAuthSuccess counts tokens that verified and were not revoked.
	MetricAuthSuccess
	// MetricAuthRejected counts rejected tokens (malformed, expired, revoked).
	MetricAuthRejected
	// MetricTokenRevoked counts explicit revocations.
	MetricTokenRevoked
	// MetricRevokedTokenUsed counts authentication attempts with a
	// cryptographically valid but revoked token.
	MetricRevokedTokenUsed
	// MetricLoginFailureRecorded counts recorded authentication failures.
	MetricLoginFailureRecorded
	// MetricLockoutTriggered counts failures that crossed the lockout threshold.
	MetricLockoutTriggered
	// MetricLockoutCleared counts lockout resets after successful authentication.
	MetricLockoutCleared
	// MetricIdempotentProceed counts idempotency leases won.
	MetricIdempotentProceed
	// MetricIdempotentReplay counts replayed stored results.
	MetricIdempotentReplay
	// MetricIdempotentConflict counts begins that hit a live in-flight lease.
	MetricIdempotentConflict
	// MetricLeaseTakeover counts stale in-progress leases reclaimed.
	MetricLeaseTakeover
	// MetricStoreFailure counts operations that hit an unreachable store.
	MetricStoreFailure
	// MetricAuthenticateLatency is the authenticate-path latency histogram.
	MetricAuthenticateLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds the engine's in-process counters. All methods are safe
// for concurrent use and become no-ops when metrics are disabled.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics creates a metrics recorder per cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are being recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc adds one to the counter identified by id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records one latency sample. Only the authenticate-path
// histogram is kept.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enableLatency || id != MetricAuthenticateLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value reads a single counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter and histogram atomically enough for
// monitoring purposes (counters are read individually, not as a set).
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricAuthenticateLatency].buckets[i])
		}
		s.Histograms[MetricAuthenticateLatency] = buckets
	}

	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
