package tiercache

import (
	"context"
	"time"

	"github.com/tiercache/tiercache/retry"
)

// GetOrCompute returns the cached value for key, or computes it with fetch.
// Concurrent callers for the same key are deduplicated: fetch runs at most
// once per flight and every waiter observes the identical outcome. The
// fetcher is wrapped in retry with exponential backoff plus jitter, and the
// computed value is stored best-effort before being returned.
func (e *engine[V]) GetOrCompute(ctx context.Context, key string, fetch Fetcher[V], opts ...Option) (V, error) {
	var zero V
	co := applyOpts(opts)

	v, ok, err := e.Get(ctx, key, opts...)
	if err != nil {
		return zero, err
	}
	if ok {
		if co.backgroundRefresh && e.refreshEligible(key, co) {
			e.scheduleRefresh(key, fetch, opts)
		}
		return v, nil
	}

	res, err, _ := e.flight.Do(key, func() (any, error) {
		var computed V
		rerr := retry.Do(ctx, e.retryCfg, func(ctx context.Context) error {
			var ferr error
			computed, ferr = fetch(ctx)
			return ferr
		})
		if rerr != nil {
			return nil, rerr
		}
		if serr := e.setInner(ctx, key, computed, opts...); serr != nil {
			// the computed value is still good; a write failure only
			// costs us the cache fill
			e.log.Warn("compute store failed", Fields{"key": key, "err": serr})
		}
		return computed, nil
	})
	if err != nil {
		return zero, err
	}
	return res.(V), nil
}

// refreshEligible applies the staleness window: a value qualifies once
// ttl*threshold has elapsed but before full expiry. Fresh values need no
// action; expired ones are already treated as misses by Get.
func (e *engine[V]) refreshEligible(key string, co callOpts) bool {
	md, ok := e.idx.Get(key)
	if !ok || md.TTL <= 0 {
		return false
	}
	frac := co.refreshThreshold
	if frac <= 0 || frac > 1 {
		frac = e.refreshFrac
	}
	now := time.Now()
	eligibleAt := md.CreatedAt.Add(time.Duration(float64(md.TTL) * frac))
	return !now.Before(eligibleAt) && now.Before(md.ExpiresAt)
}

// scheduleRefresh starts an async recompute for key unless one is already
// pending. The claim is force-cleared after the refresh timeout even if the
// task is still running; the task is not cancelled, only its hold on the
// key, so a slow refresh can never wedge future refreshes.
func (e *engine[V]) scheduleRefresh(key string, fetch Fetcher[V], opts []Option) {
	e.refreshMu.Lock()
	if _, pending := e.refreshing[key]; pending {
		e.refreshMu.Unlock()
		return
	}
	e.claimSeq++
	token := e.claimSeq
	e.refreshing[key] = token
	e.refreshMu.Unlock()

	e.bus.Publish(Event{Kind: EventRefreshStarted, Op: "refresh", Key: key})

	timeout := time.AfterFunc(e.refreshLimit, func() {
		if e.releaseClaim(key, token) {
			e.bus.Publish(Event{Kind: EventRefreshTimeout, Op: "refresh", Key: key})
			e.log.Warn("refresh claim timed out", Fields{"key": key})
		}
	})

	go func() {
		// detached from the caller's context: the triggering request
		// must not abort the refresh by returning
		ctx := context.Background()
		var v V
		err := retry.Do(ctx, e.retryCfg, func(ctx context.Context) error {
			var ferr error
			v, ferr = fetch(ctx)
			return ferr
		})
		if err == nil {
			err = e.setInner(ctx, key, v, opts...)
		}
		if e.releaseClaim(key, token) {
			timeout.Stop()
		}
		if err != nil {
			e.log.Warn("background refresh failed", Fields{"key": key, "err": err})
			return
		}
		e.bus.Publish(Event{Kind: EventRefreshDone, Op: "refresh", Key: key})
	}()
}

// releaseClaim clears the pending-refresh marker iff it still belongs to
// token, reporting whether this call released it.
func (e *engine[V]) releaseClaim(key string, token uint64) bool {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()
	if cur, ok := e.refreshing[key]; ok && cur == token {
		delete(e.refreshing, key)
		return true
	}
	return false
}

// Wrapped is a cached view of one function, produced by Wrap.
type Wrapped[V any] struct {
	e     *engine[V]
	fn    func(ctx context.Context, arg string) (V, error)
	keyFn func(string) string
	opts  []Option
}

// Wrap builds a cached version of fn. keyFn derives the cache key from the
// argument; nil means the argument is the key.
func (e *engine[V]) Wrap(fn func(ctx context.Context, arg string) (V, error), keyFn func(string) string, opts ...Option) *Wrapped[V] {
	if keyFn == nil {
		keyFn = func(arg string) string { return arg }
	}
	return &Wrapped[V]{e: e, fn: fn, keyFn: keyFn, opts: opts}
}

// Call invokes the wrapped function through the cache.
func (w *Wrapped[V]) Call(ctx context.Context, arg string) (V, error) {
	return w.e.GetOrCompute(ctx, w.keyFn(arg), func(ctx context.Context) (V, error) {
		return w.fn(ctx, arg)
	}, w.opts...)
}

// Invalidate drops the cached result for arg from every provider.
func (w *Wrapped[V]) Invalidate(ctx context.Context, arg string) error {
	_, err := w.e.Delete(ctx, w.keyFn(arg))
	return err
}
