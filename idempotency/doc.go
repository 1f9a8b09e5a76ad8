// Package idempotency deduplicates side-effecting writes that carry a
// client-supplied idempotency key. The first caller for a (scope, key)
// pair wins a lease and executes the operation; every concurrent or
// retried caller observes either the stored result (replay) or an
// in-flight conflict. Leases abandoned by crashed workers are reclaimed
// after a timeout so a key can never wedge permanently.
package idempotency
