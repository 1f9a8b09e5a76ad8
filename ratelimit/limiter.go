package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/formguard/formguard/kv"
)

// ErrDenied indicates the client exceeded its budget for the window.
var ErrDenied = errors.New("rate limit exceeded")

// Decision is the outcome of a single rate-limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	// RetryAfter is how long the client must wait before the next
	// window opens. Only meaningful when Allowed is false.
	RetryAfter time.Duration
}

// Limiter implements fixed-window counting: requests land in discrete,
// non-overlapping buckets of the window duration, and the counter for
// the current bucket expires with the bucket. A client can burst up to
// twice the budget across a window boundary; that trade-off is inherent
// to fixed windows and accepted here in exchange for a single counter
// and a single atomic increment per check.
type Limiter struct {
	store  *kv.Store
	prefix string
}

// NewLimiter creates a Limiter backed by store. All bucket keys live
// under prefix (default "rl").
func NewLimiter(store *kv.Store, prefix string) *Limiter {
	if prefix == "" {
		prefix = "rl"
	}
	return &Limiter{store: store, prefix: prefix}
}

func (l *Limiter) bucketKey(class, clientID string, windowStart int64) string {
	return l.prefix + ":" + class + ":" + clientID + ":" + strconv.FormatInt(windowStart, 10)
}

// Check counts one request for the (class, clientID) pair against a
// budget of maxRequests per window. Distinct classes partition
// independent budgets for the same client. A denied decision is
// reported with ErrDenied so callers can classify with errors.Is.
func (l *Limiter) Check(ctx context.Context, class, clientID string, maxRequests int, window time.Duration) (Decision, error) {
	now := time.Now()
	windowStart := now.Truncate(window)
	resetAt := windowStart.Add(window)

	key := l.bucketKey(class, clientID, windowStart.Unix())

	count, err := l.store.Increment(ctx, key, window)
	if err != nil {
		return Decision{}, err
	}

	if count > int64(maxRequests) {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}, ErrDenied
	}

	return Decision{
		Allowed:   true,
		Remaining: maxRequests - int(count),
		ResetAt:   resetAt,
	}, nil
}
