// Package provider defines the storage abstraction used by tiercache.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly
// the same []byte that was previously passed to Set for a key (no prepended or
// appended metadata, no re-encoding, no mutation). If a store performs internal
// transforms (e.g., compression), they MUST be fully reversed so that the bytes
// returned by Get are identical to the bytes provided to Set.
//
// A Provider is a dumb byte store. Cross-provider fallback, failure isolation,
// admission control and tag bookkeeping all live in the orchestration engine;
// providers only need correct single-store CRUD semantics.
package provider

import (
	"context"
	"time"
)

// SetOptions carries per-entry write options. Providers that cannot honor a
// field (e.g. per-entry TTL on a store with a global life window) may ignore
// it; the engine's metadata index remains the source of truth for expiry.
type SetOptions struct {
	// TTL is the entry lifetime. Zero means "no expiry" (or the store's
	// default policy when it has one).
	TTL time.Duration

	// Tags are caller-assigned labels. Stores that support native tagging
	// may index them; everyone else ignores them.
	Tags []string

	// Cost is an optional admission weight for cost-based stores
	// (e.g. Ristretto). Zero means "let the store decide".
	Cost int64
}

// Stats is a point-in-time snapshot of one provider's counters.
type Stats struct {
	Hits        uint64    `json:"hits"`
	Misses      uint64    `json:"misses"`
	Size        uint64    `json:"size"`         // bytes held, if known
	KeyCount    uint64    `json:"key_count"`    // entries held, if known
	MemoryUsage uint64    `json:"memory_usage"` // resident bytes, if known
	LastUpdated time.Time `json:"last_updated"`
}

// Health is the result of an optional provider health probe.
type Health struct {
	Healthy   bool      `json:"healthy"`
	Status    string    `json:"status"`
	LastCheck time.Time `json:"last_check"`
}

// Metadata is optional provider-side knowledge about one entry.
type Metadata struct {
	Key       string        `json:"key"`
	Size      uint64        `json:"size"`
	TTL       time.Duration `json:"ttl"`
	StoredAt  time.Time     `json:"stored_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Provider is a minimal byte store with TTLs. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. Overwrites silently.
	Set(ctx context.Context, key string, value []byte, opts SetOptions) error

	// Delete removes a key, reporting whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Keys lists stored keys. An empty pattern matches everything;
	// otherwise pattern is a literal prefix followed by an optional '*'.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Stats returns a snapshot of the provider's counters.
	Stats(ctx context.Context) (Stats, error)

	// Close releases resources.
	Close(ctx context.Context) error
}

// HealthReporter is an optional capability. The engine checks for it with a
// type assertion at registration time, never per call.
type HealthReporter interface {
	HealthCheck(ctx context.Context) (Health, error)
}

// MetadataReader is an optional capability for stores that track per-entry
// metadata natively.
type MetadataReader interface {
	Metadata(ctx context.Context, key string) (Metadata, bool, error)
}

// MatchPattern reports whether key matches pattern under the Keys contract:
// empty pattern matches all, a trailing '*' makes the rest a prefix, and
// anything else is an exact match.
func MatchPattern(key, pattern string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if n := len(pattern); pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(key) >= len(prefix) && key[:len(prefix)] == prefix
	}
	return key == pattern
}
