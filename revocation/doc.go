// Package revocation persists explicitly revoked authentication tokens
// until their natural expiry. Entries are addressed by a stable token
// identifier, never by the token itself, so the blocklist cannot turn
// into a credential store.
package revocation
