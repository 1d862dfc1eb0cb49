package tiercache

import (
	"context"
	"time"

	"github.com/tiercache/tiercache/breaker"
	"github.com/tiercache/tiercache/codec"
	"github.com/tiercache/tiercache/index"
	"github.com/tiercache/tiercache/provider"
	"github.com/tiercache/tiercache/ratelimit"
	"github.com/tiercache/tiercache/retry"
)

// Fetcher computes a value on a cache miss.
type Fetcher[V any] func(ctx context.Context) (V, error)

// BatchKind selects the operation a BatchOp performs.
type BatchKind int

const (
	BatchGet BatchKind = iota
	BatchSet
	BatchDelete
)

// BatchOp is one operation inside Batch.
type BatchOp[V any] struct {
	Kind  BatchKind
	Key   string
	Value V // BatchSet only
}

// BatchResult captures one operation's outcome. A failing operation never
// aborts the rest of the batch.
type BatchResult[V any] struct {
	Kind  BatchKind
	Key   string
	Value V    // BatchGet hit
	Found bool // BatchGet: hit; BatchDelete: at least one provider confirmed
	Err   error
}

// Cache is the multi-tier cache facade. One engine composes the provider
// registry, per-provider circuit breakers, the rate limiter and the metadata
// index behind this interface. V is the caller's value type; serialization
// is handled by a pluggable Codec[V].
type Cache[V any] interface {
	// Get returns the cached value for key, trying providers in priority
	// order until one has it. Provider errors are absorbed unless the
	// failing provider is the only one registered.
	Get(ctx context.Context, key string, opts ...Option) (v V, ok bool, err error)

	// Set fans the value out to every provider concurrently. Only the
	// primary (first-sorted) provider's failure propagates; secondary
	// failures are recorded against provider health.
	Set(ctx context.Context, key string, value V, opts ...Option) error

	// Delete removes key from all providers best-effort and always drops
	// the metadata entry. It reports whether any provider confirmed.
	Delete(ctx context.Context, key string) (bool, error)

	// Clear empties all providers best-effort and resets the metadata index.
	Clear(ctx context.Context) error

	// GetMany returns the found subset of keys.
	GetMany(ctx context.Context, keys []string) (map[string]V, error)

	// SetMany stores every entry; per-entry failures are joined.
	SetMany(ctx context.Context, entries map[string]V, opts ...Option) error

	// Batch executes operations chunk-by-chunk (sequential chunks,
	// concurrent within a chunk), capturing each outcome independently.
	Batch(ctx context.Context, ops []BatchOp[V], opts ...Option) []BatchResult[V]

	// GetOrCompute returns the cached value or computes it via fetch,
	// deduplicating concurrent callers per key: fetch runs at most once
	// and every waiter observes the same outcome.
	GetOrCompute(ctx context.Context, key string, fetch Fetcher[V], opts ...Option) (V, error)

	// Wrap builds a cached version of fn keyed by keyFn (identity when
	// nil). The returned Wrapped also exposes per-argument invalidation.
	Wrap(fn func(ctx context.Context, arg string) (V, error), keyFn func(string) string, opts ...Option) *Wrapped[V]

	// InvalidateByTag deletes every key carrying tag from all providers
	// and the metadata index, returning how many keys were invalidated.
	InvalidateByTag(ctx context.Context, tag string) (int, error)

	// InvalidateByPrefix deletes every key starting with prefix.
	InvalidateByPrefix(ctx context.Context, prefix string) (int, error)

	// DeleteByPattern deletes keys matching a regular expression; an
	// invalid pattern degrades to literal-prefix matching.
	DeleteByPattern(ctx context.Context, pattern string) (int, error)

	// Keys lists known keys across providers and the metadata index.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Metadata returns the tracked metadata for key. The index is
	// authoritative; on an index miss, providers with the MetadataReader
	// capability are consulted.
	Metadata(ctx context.Context, key string) (index.Metadata, bool)

	// Stats returns per-provider counter snapshots; unreachable providers
	// are omitted.
	Stats(ctx context.Context) map[string]provider.Stats

	// Health probes providers with the HealthCheck capability. Providers
	// without it report status "unsupported", never an error.
	Health(ctx context.Context) map[string]provider.Health

	// Register adds a named provider. priority <= 0 means the default
	// (100); lower values are tried first.
	Register(name string, p provider.Provider, priority int) error

	// Deregister removes a provider; in-flight operations finish against
	// the snapshot they already hold.
	Deregister(name string) bool

	// ResetHealth clears the error count for a previously unstable
	// provider. Health is never reset automatically.
	ResetHealth(name string)

	// Events exposes the engine's event bus for subscribers.
	Events() *Bus

	// Close stops background work and closes every registered provider.
	Close(ctx context.Context) error
}

// Options configures a new engine. Only Codec is required.
type Options[V any] struct {
	// Required. Codec serializes values to provider bytes.
	Codec codec.Codec[V]

	Logger Logger // nil => NopLogger
	Events *Bus   // nil => a fresh bus

	DefaultTTL   time.Duration // applied when a set has no TTL; 0 => entries do not expire
	MaxKeyLength int           // 0 => 250
	MaxBatchSize int           // 0 => 100

	// Breaker configures the per-provider circuit breakers.
	Breaker breaker.Config

	// RateLimit enables per-operation admission control. Nil disables
	// rate limiting entirely.
	RateLimit *ratelimit.Config

	// DemoteThreshold is the provider error count that triggers priority
	// demotion; 0 => 5.
	DemoteThreshold uint32

	// SweepInterval is how often expired metadata entries are pruned;
	// 0 => 1h.
	SweepInterval time.Duration

	// RefreshThreshold is the fraction of TTL after which a value becomes
	// eligible for background refresh; 0 => 0.75.
	RefreshThreshold float64

	// RefreshTimeout bounds a background refresh's claim on its key;
	// 0 => 60s. The task itself is never cancelled, only its claim.
	RefreshTimeout time.Duration

	// Retry wraps fetchers in GetOrCompute and background refresh.
	Retry retry.Config
}

// New builds an engine. Providers are attached afterwards via Register.
func New[V any](opts Options[V]) (Cache[V], error) {
	return newEngine[V](opts)
}
