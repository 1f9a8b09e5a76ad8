package revocation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/formguard/formguard/kv"
)

const defaultKeyPrefix = "rvk"

// ErrRevoked indicates a token is on the blocklist.
var ErrRevoked = errors.New("token revoked")

// TokenID derives the stable blocklist identifier for a token: the jti
// claim when the token carries one, otherwise the hex SHA-256 of the
// raw token value. Plaintext token material is never stored.
func TokenID(raw, jti string) string {
	if jti != "" {
		return jti
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Blocklist stores revoked token identifiers in the shared expiring
// store. Each entry lives exactly until the token's natural expiry;
// once a token has expired on its own there is nothing left to block,
// so no explicit cleanup is ever needed.
type Blocklist struct {
	store  *kv.Store
	prefix string
}

// NewBlocklist creates a Blocklist backed by store.
func NewBlocklist(store *kv.Store, prefix string) *Blocklist {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Blocklist{store: store, prefix: prefix}
}

func (b *Blocklist) key(tokenID string) string {
	return b.prefix + ":" + tokenID
}

// Revoke adds tokenID to the blocklist until naturalExpiry. Revoking a
// token that has already expired is a no-op success: the token is
// unusable either way.
func (b *Blocklist) Revoke(ctx context.Context, tokenID string, naturalExpiry time.Time) error {
	if tokenID == "" {
		return errors.New("empty token id")
	}

	ttl := time.Until(naturalExpiry)
	if ttl <= 0 {
		return nil
	}

	value := strconv.FormatInt(time.Now().Unix(), 10)
	return b.store.Put(ctx, b.key(tokenID), []byte(value), ttl)
}

// IsRevoked reports whether tokenID is on the blocklist. Store errors
// propagate so the caller can fail closed.
func (b *Blocklist) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	_, err := b.store.Get(ctx, b.key(tokenID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
