package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound indicates the key has no live entry in the store.
	ErrNotFound = errors.New("kv entry not found")
	// ErrUnavailable indicates the store backend is unreachable.
	ErrUnavailable = errors.New("kv backend unavailable")
)

// casMaxRetries bounds the optimistic-concurrency retry loop when a
// watched key is modified between the read and the transactional write.
const casMaxRetries = 4

// Store provides expiring key-value access over a Redis client. A zero
// TTL means no expiry. All methods are safe for concurrent use.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a Store. All keys are namespaced under prefix so
// that callers sharing one Redis database never collide.
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "fg"
	}
	return &Store{redis: redisClient, prefix: prefix}
}

func (s *Store) key(key string) string {
	return s.prefix + ":" + key
}

// Put stores value under key, visible until ttl elapses (0 = no expiry).
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.redis.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.redis.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return data, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// CompareAndSwap atomically replaces the value under key with value,
// but only if the current value equals expected. A nil expected means
// the key must be absent (create-if-absent). It reports whether the
// swap took place; a false return with nil error means another writer
// won and the store was left untouched.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	if expected == nil {
		ok, err := s.redis.SetNX(ctx, s.key(key), value, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return ok, nil
	}

	fullKey := s.key(key)

	for i := 0; i < casMaxRetries; i++ {
		var swapped bool

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, fullKey).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					// Key vanished (expiry or delete); mismatch.
					return nil
				}
				return err
			}

			if !bytes.Equal(current, expected) {
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, fullKey, value, ttl)
				return nil
			})
			if err != nil {
				return err
			}

			swapped = true
			return nil
		}, fullKey)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		return swapped, nil
	}

	// Contention exhausted the retry budget; report a lost race rather
	// than an outage so the caller re-reads and decides.
	return false, nil
}

// Increment atomically increments the integer counter under key and
// returns the new count. The counter is created with ttl on its first
// hit; later hits leave the expiry untouched, giving fixed-window
// semantics.
func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.redis.Incr(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if count == 1 && ttl > 0 {
		if err := s.redis.Expire(ctx, s.key(key), ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	return count, nil
}

// Remaining reports the time left before key expires. Absent keys
// return ErrNotFound; keys stored without expiry return a negative
// duration.
func (s *Store) Remaining(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.redis.PTTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// go-redis passes the PTTL sentinels through unscaled: -2 means the
	// key does not exist, -1 means it exists without an expiry.
	if d == -2 {
		return 0, ErrNotFound
	}
	return d, nil
}
