package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/formguard/formguard/kv"
)

const (
	// KeyMinLength and KeyMaxLength bound client-supplied idempotency keys.
	KeyMinLength = 16
	KeyMaxLength = 128

	defaultRecordTTL       = 24 * time.Hour
	defaultInFlightTimeout = 30 * time.Second
	defaultKeyPrefix       = "idem"
)

var (
	// ErrInvalidKey indicates a malformed client-supplied idempotency key.
	// It is returned before any store round trip.
	ErrInvalidKey = errors.New("invalid idempotency key format")
	// ErrNotBegun indicates Complete was called for a (scope, key) pair
	// with no live record, usually because the record already expired.
	ErrNotBegun = errors.New("idempotency record not found")
	// ErrLeaseLost indicates another worker already stored a result for
	// this key. The stored result is authoritative; the caller's own
	// result was discarded.
	ErrLeaseLost = errors.New("idempotency lease lost")
)

// Outcome classifies the result of Begin.
type Outcome uint8

const (
	// Proceed means this caller won the lease and must execute the
	// operation, then call Complete.
	Proceed Outcome = iota + 1
	// Replay means a stored result exists and must be returned to the
	// client instead of re-executing.
	Replay
	// Conflict means another worker is currently executing the same
	// operation; the client should retry shortly.
	Conflict
)

// BeginResult is returned by [Registry.Begin]. Replay results carry the
// stored response plus the metadata needed for replay response headers.
type BeginResult struct {
	Outcome Outcome

	// LeaseID identifies the in-progress lease when Outcome is Proceed.
	LeaseID string

	// TookOver is set on a Proceed that reclaimed a stale lease from a
	// crashed or hung worker.
	TookOver bool

	// StatusCode, ContentType, Response, CreatedAt, CompletedAt and Age
	// are set when Outcome is Replay.
	StatusCode  int
	ContentType string
	Response    []byte
	CreatedAt   time.Time
	CompletedAt time.Time
	Age         time.Duration
}

// Config holds idempotency registry tuning parameters. Zero-value
// fields fall back to defaults (24h record TTL, 30s in-flight timeout).
type Config struct {
	RecordTTL       time.Duration
	InFlightTimeout time.Duration
	KeyPrefix       string
}

// Registry deduplicates writes per (scope, key) on top of the shared
// expiring store. At most one execution completes per pair; takeover of
// a stale in-progress lease guarantees forward progress after a worker
// crash.
type Registry struct {
	store           *kv.Store
	recordTTL       time.Duration
	inFlightTimeout time.Duration
	prefix          string
}

// NewRegistry creates an idempotency registry backed by store.
func NewRegistry(store *kv.Store, cfg Config) *Registry {
	ttl := cfg.RecordTTL
	if ttl <= 0 {
		ttl = defaultRecordTTL
	}
	inFlight := cfg.InFlightTimeout
	if inFlight <= 0 {
		inFlight = defaultInFlightTimeout
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Registry{
		store:           store,
		recordTTL:       ttl,
		inFlightTimeout: inFlight,
		prefix:          prefix,
	}
}

// ValidateKey checks a client-supplied idempotency key: 16-128
// characters from [A-Za-z0-9_-]. UUIDs with dashes pass as-is.
func ValidateKey(key string) error {
	if len(key) < KeyMinLength || len(key) > KeyMaxLength {
		return ErrInvalidKey
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return ErrInvalidKey
		}
	}
	return nil
}

func (r *Registry) recordKey(scope, key string) string {
	return r.prefix + ":" + scope + ":" + key
}

// Begin claims the (scope, key) pair. Exactly one concurrent caller
// observes Proceed; the rest observe Replay once a result is stored, or
// Conflict while the winner is still executing. An in-progress lease
// older than the in-flight timeout is treated as abandoned and taken
// over with a fresh lease.
func (r *Registry) Begin(ctx context.Context, scope, key string) (BeginResult, error) {
	if err := ValidateKey(key); err != nil {
		return BeginResult{}, err
	}

	recordKey := r.recordKey(scope, key)
	now := time.Now()

	fresh := &record{
		Status:    StatusInProgress,
		CreatedAt: now.UnixMilli(),
		Owner:     uuid.NewString(),
	}
	encoded, err := encodeRecord(fresh)
	if err != nil {
		return BeginResult{}, err
	}

	created, err := r.store.CompareAndSwap(ctx, recordKey, nil, encoded, r.recordTTL)
	if err != nil {
		return BeginResult{}, err
	}
	if created {
		return BeginResult{Outcome: Proceed, LeaseID: fresh.Owner, CreatedAt: now}, nil
	}

	// A record already exists. Bounded loop: the record can expire or
	// change hands between the read and our takeover attempt.
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		data, err := r.store.Get(ctx, recordKey)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				created, err := r.store.CompareAndSwap(ctx, recordKey, nil, encoded, r.recordTTL)
				if err != nil {
					return BeginResult{}, err
				}
				if created {
					return BeginResult{Outcome: Proceed, LeaseID: fresh.Owner, CreatedAt: now}, nil
				}
				continue
			}
			return BeginResult{}, err
		}

		current, err := decodeRecord(data)
		if err != nil {
			return BeginResult{}, err
		}

		if current.Status == StatusCompleted {
			completedAt := time.UnixMilli(current.CompletedAt)
			age := now.Sub(completedAt)
			if age < 0 {
				age = 0
			}
			return BeginResult{
				Outcome:     Replay,
				StatusCode:  int(current.StatusCode),
				ContentType: current.ContentType,
				Response:    current.Response,
				CreatedAt:   time.UnixMilli(current.CreatedAt),
				CompletedAt: completedAt,
				Age:         age,
			}, nil
		}

		if now.Sub(time.UnixMilli(current.CreatedAt)) <= r.inFlightTimeout {
			return BeginResult{Outcome: Conflict}, nil
		}

		// Stale lease: the owning worker crashed or hung past the
		// timeout. Take over with a fresh lease and full TTL.
		taken, err := r.store.CompareAndSwap(ctx, recordKey, data, encoded, r.recordTTL)
		if err != nil {
			return BeginResult{}, err
		}
		if taken {
			return BeginResult{Outcome: Proceed, LeaseID: fresh.Owner, CreatedAt: now, TookOver: true}, nil
		}
	}

	return BeginResult{Outcome: Conflict}, nil
}

// Complete stores the operation's result against the in-progress record
// so later retries replay it, content type included. The record TTL
// stays anchored to the original creation instant, not to completion.
// If another worker already completed the key (a stolen lease that
// raced us), the stored result is left untouched and ErrLeaseLost is
// returned.
func (r *Registry) Complete(ctx context.Context, scope, key string, statusCode int, contentType string, response []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if statusCode < 0 || statusCode > 65535 {
		return errors.New("idempotency status code out of range")
	}

	recordKey := r.recordKey(scope, key)

	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		data, err := r.store.Get(ctx, recordKey)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return ErrNotBegun
			}
			return err
		}

		current, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if current.Status == StatusCompleted {
			return ErrLeaseLost
		}

		now := time.Now()
		remaining := r.recordTTL - now.Sub(time.UnixMilli(current.CreatedAt))
		if remaining <= 0 {
			// Replay window already over; nothing worth storing.
			return r.store.Delete(ctx, recordKey)
		}

		completed := &record{
			Status:      StatusCompleted,
			StatusCode:  uint16(statusCode),
			CreatedAt:   current.CreatedAt,
			CompletedAt: now.UnixMilli(),
			Owner:       current.Owner,
			ContentType: contentType,
			Response:    response,
		}
		encoded, err := encodeRecord(completed)
		if err != nil {
			return err
		}

		swapped, err := r.store.CompareAndSwap(ctx, recordKey, data, encoded, remaining)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}

	return ErrLeaseLost
}
