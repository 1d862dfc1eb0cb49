// Package tiercache is a multi-tier cache orchestration library. It sits in
// front of heterogeneous storage backends and presents one cache API with
// the cross-cutting concerns handled centrally: provider fallback, failure
// isolation, rate limiting, request deduplication, background refresh, and
// tag/prefix/pattern invalidation.
//
// Components:
//   - Provider: byte store with TTL (e.g. in-memory, Ristretto, BigCache,
//     Redis), registered by name with a priority.
//   - Codec[V]: (de)serializes V <-> []byte.
//   - Registry: priority-ordered provider view with health tracking; a
//     provider that keeps failing is demoted to the back, never silently
//     removed.
//   - Breaker: one circuit breaker per provider; an open circuit is skipped
//     during reads and fast-fails writes.
//   - Limiter: per-operation sliding-window admission with optional burst
//     and fair queueing.
//   - Index: in-memory metadata (tags, TTL, access counters) backing group
//     invalidation and staleness-triggered refresh.
//
// Reads try providers in priority order and absorb individual failures;
// writes fan out to every provider and propagate only the primary's failure.
// This read-available / write-strict-on-primary asymmetry is deliberate.
//
// Usage:
//
//	cache, _ := tiercache.New[User](tiercache.Options[User]{
//	    Codec: codec.JSON[User]{},
//	})
//	_ = cache.Register("memory", memory.New(), 0)
//	_ = cache.Register("redis", redisprov, 10)
//
//	_ = cache.Set(ctx, "u:1", u, tiercache.WithTTL(time.Minute), tiercache.WithTags("user"))
//	u, ok, _ := cache.Get(ctx, "u:1")
//	n, _ := cache.InvalidateByTag(ctx, "user")
package tiercache
