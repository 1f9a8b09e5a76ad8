// Package formguard is the request-protection core of a multi-tenant
// form-submission API. It decides whether an operation may proceed —
// throttling abusive traffic, locking out principals under
// credential-guessing attack, rejecting revoked tokens, and
// deduplicating retried side-effecting writes — and whether a
// previously computed result should be replayed. It never performs the
// business operation itself.
//
// The package is designed for concurrent server workloads: Engine
// methods are safe to call from any number of goroutines and process
// instances after initialization through [Builder.Build]. The only
// shared mutable resource is the backing Redis store; correctness under
// arbitrary interleaving rests on per-key atomic compare-and-swap and
// atomic counters, never on in-process state.
//
// # Architecture boundaries
//
// formguard is the composition surface. It exposes [Engine], [Builder],
// [Config], the error taxonomy, and value types. The four protection
// components live in their own packages (idempotency, ratelimit,
// lockout, revocation) on top of the shared kv store wrapper and can be
// used individually, but the Engine is the supported entry point: it
// adds tenant isolation, metrics, audit events, and the per-component
// fail-open/fail-closed policy.
//
// # Failure policy
//
// Revocation and lockout checks fail closed when the store is
// unreachable; the rate limiter fails open by default (configurable);
// idempotency surfaces [ErrStoreUnavailable] to the caller. No store
// failure is ever converted into a silent success.
package formguard
