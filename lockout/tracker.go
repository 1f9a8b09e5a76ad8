package lockout

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/formguard/formguard/kv"
)

const (
	defaultThreshold = 5
	defaultWindow    = 15 * time.Minute
	defaultCooldown  = 30 * time.Minute

	counterKeyPrefix = "lof"
	lockKeyPrefix    = "loc"
)

// ErrLocked indicates the principal is inside a lockout cooldown.
var ErrLocked = errors.New("principal locked out")

// Config holds lockout tuning parameters. Zero-value fields fall back
// to defaults (5 failures / 15m window / 30m cooldown).
type Config struct {
	Threshold int
	// Window is the tracking window measured from the first failure of
	// a run. Failures outside it start a fresh run.
	Window time.Duration
	// Cooldown is how long a principal stays locked once the threshold
	// is crossed.
	Cooldown time.Duration
}

// Status reports the lockout state of a principal at a point in time.
type Status struct {
	Locked   bool
	Failures int
	// Remaining is the time left in the cooldown. Zero when not locked.
	Remaining time.Duration
}

// Tracker counts failed authentications per principal. The failure
// counter carries a TTL equal to the tracking window, set on the first
// failure, so a run of failures resets on its own; crossing the
// threshold writes a lock entry whose TTL is the cooldown. The
// LOCKED -> OK transition is never stored: it happens lazily when the
// lock entry expires.
type Tracker struct {
	store     *kv.Store
	threshold int
	window    time.Duration
	cooldown  time.Duration
}

// NewTracker creates a lockout tracker backed by store.
func NewTracker(store *kv.Store, cfg Config) *Tracker {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultWindow
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Tracker{store: store, threshold: threshold, window: window, cooldown: cooldown}
}

func counterKey(principal string) string {
	return counterKeyPrefix + ":" + principal
}

func lockKey(principal string) string {
	return lockKeyPrefix + ":" + principal
}

// RecordFailure counts one failed authentication for principal and
// returns the resulting status. The failure that crosses the threshold
// triggers the lock and is reported with Locked set. A failure while
// the principal is already locked reports the live lock without
// extending the cooldown, even if the failure counter has lapsed.
func (t *Tracker) RecordFailure(ctx context.Context, principal string) (Status, error) {
	remaining, err := t.store.Remaining(ctx, lockKey(principal))
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return Status{}, err
	}
	if err == nil && remaining > 0 {
		count, err := t.failures(ctx, principal)
		if err != nil {
			return Status{}, err
		}
		return Status{Locked: true, Failures: count, Remaining: remaining}, nil
	}

	count, err := t.store.Increment(ctx, counterKey(principal), t.window)
	if err != nil {
		return Status{}, err
	}

	status := Status{Failures: int(count)}

	if count >= int64(t.threshold) {
		lockedUntil := time.Now().Add(t.cooldown)
		value := strconv.FormatInt(lockedUntil.Unix(), 10)
		if err := t.store.Put(ctx, lockKey(principal), []byte(value), t.cooldown); err != nil {
			return Status{}, err
		}
		status.Locked = true
		status.Remaining = t.cooldown
	}

	return status, nil
}

// Clear resets the failure run for principal unconditionally, lock
// included. Called after a successful authentication.
func (t *Tracker) Clear(ctx context.Context, principal string) error {
	if err := t.store.Delete(ctx, counterKey(principal)); err != nil {
		return err
	}
	return t.store.Delete(ctx, lockKey(principal))
}

// Status reports whether principal is currently locked and how long the
// cooldown has left. It never mutates state.
func (t *Tracker) Status(ctx context.Context, principal string) (Status, error) {
	remaining, err := t.store.Remaining(ctx, lockKey(principal))
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return Status{}, err
	}

	status := Status{}
	if err == nil && remaining > 0 {
		status.Locked = true
		status.Remaining = remaining
	}

	count, err := t.failures(ctx, principal)
	if err != nil {
		return Status{}, err
	}
	status.Failures = count

	return status, nil
}

func (t *Tracker) failures(ctx context.Context, principal string) (int, error) {
	data, err := t.store.Get(ctx, counterKey(principal))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	count, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, nil
	}
	return count, nil
}
