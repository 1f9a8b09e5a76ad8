// Package middleware adapts the guard engine to net/http. Each
// middleware enforces one gate and owns the wire shape of its denial:
// 429 with Retry-After for rate limits, 401 for any token defect, 400
// for malformed idempotency keys, and replay headers for deduplicated
// writes. Hosts on other frameworks can reproduce the same shapes from
// the Engine's typed results.
package middleware
