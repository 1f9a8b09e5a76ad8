// Package ratelimit bounds request rate per (class, client) pair with
// fixed-window counters kept in the shared expiring store.
package ratelimit
