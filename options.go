package tiercache

import (
	"context"
	"time"
)

// callOpts collects per-call options.
type callOpts struct {
	ttl               time.Duration
	tags              []string
	provider          string
	refreshThreshold  float64
	backgroundRefresh bool
	maxBatchSize      int
	fallback          func(context.Context) (any, error)
}

// Option tunes a single operation.
type Option func(*callOpts)

// WithTTL sets the entry lifetime for this set.
func WithTTL(d time.Duration) Option {
	return func(o *callOpts) { o.ttl = d }
}

// WithTags attaches labels to the entry for group invalidation.
func WithTags(tags ...string) Option {
	return func(o *callOpts) { o.tags = tags }
}

// WithProvider forces the operation onto one named provider instead of the
// priority order.
func WithProvider(name string) Option {
	return func(o *callOpts) { o.provider = name }
}

// WithRefreshThreshold overrides the fraction of TTL (0..1) after which the
// value becomes eligible for background refresh.
func WithRefreshThreshold(f float64) Option {
	return func(o *callOpts) { o.refreshThreshold = f }
}

// WithBackgroundRefresh lets GetOrCompute schedule a refresh when the value
// is stale-but-not-expired instead of serving it silently.
func WithBackgroundRefresh() Option {
	return func(o *callOpts) { o.backgroundRefresh = true }
}

// WithMaxBatchSize overrides the chunk size for Batch/GetMany/SetMany.
func WithMaxBatchSize(n int) Option {
	return func(o *callOpts) { o.maxBatchSize = n }
}

// WithFallback supplies a value source used when the operation fails fast
// (circuit open, provider errors). The returned value must be assignable to
// the cache's value type.
func WithFallback(fn func(context.Context) (any, error)) Option {
	return func(o *callOpts) { o.fallback = fn }
}

func applyOpts(opts []Option) callOpts {
	var o callOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
