// Package kv wraps the shared Redis store with get/put-with-TTL/delete
// semantics plus a single-key compare-and-swap. The CAS primitive is the
// only coordination mechanism the higher-level guard components rely on;
// no cross-key atomicity is assumed or provided.
package kv
