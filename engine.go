package tiercache

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tiercache/tiercache/breaker"
	"github.com/tiercache/tiercache/codec"
	"github.com/tiercache/tiercache/index"
	pr "github.com/tiercache/tiercache/provider"
	"github.com/tiercache/tiercache/ratelimit"
	"github.com/tiercache/tiercache/registry"
	"github.com/tiercache/tiercache/retry"
)

const (
	defaultMaxKeyLength = 250
	defaultMaxBatchSize = 100
	defaultSweep        = time.Hour
	defaultRefreshFrac  = 0.75
	defaultRefreshLimit = 60 * time.Second
)

type engine[V any] struct {
	codec    codec.Codec[V]
	log      Logger
	bus      *Bus
	reg      *registry.Registry
	breakers *breaker.Manager
	limiter  *ratelimit.Limiter // nil => unlimited
	idx      *index.Index

	defaultTTL   time.Duration
	maxKeyLen    int
	maxBatch     int
	refreshFrac  float64
	refreshLimit time.Duration
	retryCfg     retry.Config

	flight singleflight.Group

	refreshMu  sync.Mutex
	refreshing map[string]uint64 // key -> claim token
	claimSeq   uint64
}

func newEngine[V any](opts Options[V]) (*engine[V], error) {
	if opts.Codec == nil {
		return nil, fmt.Errorf("tiercache: codec is required")
	}

	e := &engine[V]{
		codec:      opts.Codec,
		defaultTTL: opts.DefaultTTL,
		retryCfg:   opts.Retry,
		refreshing: make(map[string]uint64),
	}
	e.log = coalesce[Logger](opts.Logger, NopLogger{})
	e.bus = coalesce[*Bus](opts.Events, NewBus())
	e.maxKeyLen = coalesce[int](opts.MaxKeyLength, defaultMaxKeyLength)
	e.maxBatch = coalesce[int](opts.MaxBatchSize, defaultMaxBatchSize)
	e.refreshFrac = coalesce[float64](opts.RefreshThreshold, defaultRefreshFrac)
	e.refreshLimit = coalesce[time.Duration](opts.RefreshTimeout, defaultRefreshLimit)

	e.idx = index.New(coalesce[time.Duration](opts.SweepInterval, defaultSweep))

	regOpts := []registry.Option{
		registry.WithDemoteCallback(func(name string, newPriority int) {
			e.log.Warn("provider demoted", Fields{"provider": name, "priority": newPriority})
			e.bus.Publish(Event{Kind: EventProviderDemoted, Provider: name})
		}),
	}
	if opts.DemoteThreshold > 0 {
		regOpts = append(regOpts, registry.WithDemoteThreshold(opts.DemoteThreshold))
	}
	e.reg = registry.New(regOpts...)

	bcfg := opts.Breaker
	userTransition := bcfg.OnStateChange
	bcfg.OnStateChange = func(name string, from, to breaker.State) {
		switch to {
		case breaker.StateOpen:
			e.log.Warn("circuit opened", Fields{"provider": name, "from": from.String()})
			e.bus.Publish(Event{Kind: EventCircuitOpened, Provider: name})
		case breaker.StateClosed:
			e.bus.Publish(Event{Kind: EventCircuitClosed, Provider: name})
		}
		if userTransition != nil {
			userTransition(name, from, to)
		}
	}
	e.breakers = breaker.NewManager(bcfg)

	if opts.RateLimit != nil {
		e.limiter = ratelimit.New(*opts.RateLimit)
	}
	return e, nil
}

func (e *engine[V]) Events() *Bus { return e.bus }

func (e *engine[V]) Register(name string, p pr.Provider, priority int) error {
	if err := e.reg.Register(name, p, priority); err != nil {
		if errors.Is(err, registry.ErrDuplicateProvider) {
			return newErr(CodeDuplicateProvider, "register", name, false, err)
		}
		return err
	}
	e.log.Info("provider registered", Fields{"provider": name, "priority": priority})
	return nil
}

func (e *engine[V]) Deregister(name string) bool {
	ok := e.reg.Deregister(name)
	if ok {
		e.breakers.Remove(name)
		e.log.Info("provider deregistered", Fields{"provider": name})
	}
	return ok
}

func (e *engine[V]) ResetHealth(name string) {
	e.reg.ResetHealth(name)
	e.breakers.Get(name).Reset()
}

func (e *engine[V]) Close(ctx context.Context) error {
	e.idx.Close()
	var errs []error
	for _, ent := range e.reg.Ordered() {
		if err := ent.Provider.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", ent.Name, err))
		}
		e.reg.Deregister(ent.Name)
	}
	return errors.Join(errs...)
}

// admit runs the rate-limit check for one operation class.
func (e *engine[V]) admit(ctx context.Context, op string, weight int) error {
	if e.limiter == nil {
		return nil
	}
	err := e.limiter.Acquire(ctx, op, weight)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ratelimit.ErrQueueTimeout):
		e.bus.Publish(Event{Kind: EventRateLimited, Op: op})
		return newErr(CodeQueueTimeout, op, "", true, err)
	case errors.Is(err, ratelimit.ErrLimited):
		e.bus.Publish(Event{Kind: EventRateLimited, Op: op})
		return newErr(CodeRateLimited, op, "", true, err)
	default:
		return newErr(CodeTimeout, op, "", true, err)
	}
}

func (e *engine[V]) validateKey(op, key string) error {
	if key == "" {
		return newErr(CodeInvalidKey, op, key, false, nil)
	}
	if len(key) > e.maxKeyLen {
		return newErr(CodeKeyTooLong, op, key, false,
			fmt.Errorf("key length %d exceeds %d", len(key), e.maxKeyLen))
	}
	return nil
}

// isNilValue rejects nil pointers/maps/slices/interfaces as cache values,
// the engine's "undefined" sentinel.
func isNilValue(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// providersFor resolves the ordered provider snapshot for one call,
// honoring a forced provider.
func (e *engine[V]) providersFor(op string, co callOpts) ([]registry.Entry, error) {
	if co.provider != "" {
		p, ok := e.reg.Get(co.provider)
		if !ok {
			return nil, newErr(CodeNoProvider, op, "", false,
				fmt.Errorf("provider %q not registered", co.provider))
		}
		return []registry.Entry{{Name: co.provider, Provider: p}}, nil
	}
	snapshot := e.reg.Ordered()
	if len(snapshot) == 0 {
		return nil, newErr(CodeNoProvider, op, "", false, nil)
	}
	return snapshot, nil
}

// Get tries providers in priority order, skipping any with an open circuit.
// The first hit wins. Errors from non-final providers are absorbed so a sick
// primary never masks a healthy secondary; the error is surfaced only when
// the failing provider is the sole one registered.
func (e *engine[V]) Get(ctx context.Context, key string, opts ...Option) (V, bool, error) {
	if err := e.admit(ctx, "get", 1); err != nil {
		var zero V
		return zero, false, err
	}
	return e.getInner(ctx, key, opts...)
}

// getInner is Get after admission; callers that metered a whole batch enter
// here directly.
func (e *engine[V]) getInner(ctx context.Context, key string, opts ...Option) (V, bool, error) {
	var zero V
	co := applyOpts(opts)

	if err := e.validateKey("get", key); err != nil {
		return zero, false, err
	}

	// An expired entry is a miss everywhere, regardless of which tiers
	// still physically hold bytes.
	if e.idx.IsExpired(key) {
		e.dropEverywhere(ctx, key)
		e.bus.Publish(Event{Kind: EventMiss, Op: "get", Key: key})
		return zero, false, nil
	}

	snapshot, err := e.providersFor("get", co)
	if err != nil {
		return zero, false, err
	}
	// A forced provider is treated like a sole provider: the caller asked
	// for that tier specifically, so its failure must not be absorbed.
	sole := e.reg.Len() == 1 || co.provider != ""

	var lastErr error
	var lastProvider string
	for _, ent := range snapshot {
		b := e.breakers.Get(ent.Name)
		if !b.Allow() && !sole {
			continue // open circuit: next tier
		}

		var (
			raw []byte
			hit bool
		)
		callErr := b.Execute(func() error {
			var perr error
			raw, hit, perr = ent.Provider.Get(ctx, key)
			return perr
		}, nil)
		// an open circuit never reached the store; only real calls count
		// against provider health
		if !errors.Is(callErr, breaker.ErrOpen) {
			e.reg.RecordOutcome(ent.Name, callErr == nil, callErr)
		}

		if callErr != nil {
			lastErr = callErr
			lastProvider = ent.Name
			e.bus.Publish(Event{Kind: EventProviderError, Op: "get", Key: key, Provider: ent.Name, Err: callErr})
			e.log.Debug("provider get failed", Fields{"provider": ent.Name, "key": key, "err": callErr})
			continue
		}
		if !hit {
			continue
		}

		v, decErr := e.codec.Decode(raw)
		if decErr != nil {
			// self-heal corrupt bytes in this tier and keep looking
			_, _ = ent.Provider.Delete(ctx, key)
			e.log.Warn("corrupt entry dropped", Fields{"provider": ent.Name, "key": key, "err": decErr})
			continue
		}

		e.idx.RecordAccess(key)
		e.bus.Publish(Event{Kind: EventHit, Op: "get", Key: key, Provider: ent.Name})
		return v, true, nil
	}

	if lastErr != nil && sole {
		if errors.Is(lastErr, breaker.ErrOpen) {
			return e.fallbackOr(ctx, co, zero, newErr(CodeCircuitOpen, "get", key, true, lastErr))
		}
		e.log.Debug("sole provider failed", Fields{"provider": lastProvider, "key": key})
		return e.fallbackOr(ctx, co, zero, newErr(CodeProvider, "get", key, true, lastErr))
	}

	e.bus.Publish(Event{Kind: EventMiss, Op: "get", Key: key})
	return zero, false, nil
}

// fallbackOr invokes the caller-supplied fallback instead of raising, when
// one was provided. The fallback result is not written back to the cache.
func (e *engine[V]) fallbackOr(ctx context.Context, co callOpts, zero V, failure error) (V, bool, error) {
	if co.fallback == nil {
		return zero, false, failure
	}
	res, err := co.fallback(ctx)
	if err != nil {
		return zero, false, failure
	}
	v, ok := res.(V)
	if !ok {
		return zero, false, failure
	}
	return v, true, nil
}

// Set fans out to every provider concurrently. The primary (first-sorted)
// provider's failure propagates; secondary failures only mark health. The
// metadata index is updated as soon as any provider accepted the write.
func (e *engine[V]) Set(ctx context.Context, key string, value V, opts ...Option) error {
	if err := e.admit(ctx, "set", 1); err != nil {
		return err
	}
	return e.setInner(ctx, key, value, opts...)
}

func (e *engine[V]) setInner(ctx context.Context, key string, value V, opts ...Option) error {
	co := applyOpts(opts)

	if err := e.validateKey("set", key); err != nil {
		return err
	}
	if isNilValue(any(value)) {
		return newErr(CodeInvalidValue, "set", key, false, nil)
	}

	payload, err := e.codec.Encode(value)
	if err != nil {
		return newErr(CodeSerialization, "set", key, false, err)
	}

	snapshot, err := e.providersFor("set", co)
	if err != nil {
		return err
	}

	ttl := co.ttl
	if ttl == 0 {
		ttl = e.defaultTTL
	}
	setOpts := pr.SetOptions{TTL: ttl, Tags: co.tags, Cost: int64(len(payload))}

	errs := make([]error, len(snapshot))
	var wg sync.WaitGroup
	for i, ent := range snapshot {
		wg.Add(1)
		go func(i int, ent registry.Entry) {
			defer wg.Done()
			b := e.breakers.Get(ent.Name)
			errs[i] = b.Execute(func() error {
				return ent.Provider.Set(ctx, key, payload, setOpts)
			}, nil)
			if !errors.Is(errs[i], breaker.ErrOpen) {
				e.reg.RecordOutcome(ent.Name, errs[i] == nil, errs[i])
			}
		}(i, ent)
	}
	wg.Wait()

	anyOK := false
	for i, ent := range snapshot {
		if errs[i] == nil {
			anyOK = true
			continue
		}
		if i > 0 {
			// secondary failure: health only, never the caller
			e.bus.Publish(Event{Kind: EventSetError, Op: "set", Key: key, Provider: ent.Name, Err: errs[i]})
			e.log.Debug("secondary set failed", Fields{"provider": ent.Name, "key": key, "err": errs[i]})
		}
	}

	if anyOK {
		e.idx.Upsert(key, co.tags, ttl, uint64(len(payload)))
	}

	if primaryErr := errs[0]; primaryErr != nil {
		e.bus.Publish(Event{Kind: EventSetError, Op: "set", Key: key, Provider: snapshot[0].Name, Err: primaryErr})
		if errors.Is(primaryErr, breaker.ErrOpen) {
			return newErr(CodeCircuitOpen, "set", key, true, primaryErr)
		}
		return newErr(CodeProvider, "set", key, true, primaryErr)
	}

	e.bus.Publish(Event{Kind: EventSet, Op: "set", Key: key})
	return nil
}

func (e *engine[V]) Delete(ctx context.Context, key string) (bool, error) {
	if err := e.admit(ctx, "delete", 1); err != nil {
		return false, err
	}
	if err := e.validateKey("delete", key); err != nil {
		return false, err
	}
	deleted := e.dropEverywhere(ctx, key)
	e.bus.Publish(Event{Kind: EventDelete, Op: "delete", Key: key})
	return deleted, nil
}

// dropEverywhere deletes key from all providers best-effort (one provider's
// failure never aborts the others) and always removes the metadata entry.
func (e *engine[V]) dropEverywhere(ctx context.Context, key string) bool {
	snapshot := e.reg.Ordered()
	results := make([]bool, len(snapshot))
	var wg sync.WaitGroup
	for i, ent := range snapshot {
		wg.Add(1)
		go func(i int, ent registry.Entry) {
			defer wg.Done()
			ok, err := ent.Provider.Delete(ctx, key)
			e.reg.RecordOutcome(ent.Name, err == nil, err)
			if err != nil {
				e.log.Debug("provider delete failed", Fields{"provider": ent.Name, "key": key, "err": err})
				return
			}
			results[i] = ok
		}(i, ent)
	}
	wg.Wait()

	e.idx.Delete(key)

	for _, ok := range results {
		if ok {
			return true
		}
	}
	return false
}

func (e *engine[V]) Clear(ctx context.Context) error {
	if err := e.admit(ctx, "clear", 1); err != nil {
		return err
	}
	snapshot := e.reg.Ordered()
	var wg sync.WaitGroup
	for _, ent := range snapshot {
		wg.Add(1)
		go func(ent registry.Entry) {
			defer wg.Done()
			if err := ent.Provider.Clear(ctx); err != nil {
				e.reg.RecordOutcome(ent.Name, false, err)
				e.log.Warn("provider clear failed", Fields{"provider": ent.Name, "err": err})
			}
		}(ent)
	}
	wg.Wait()
	e.idx.Clear()
	e.bus.Publish(Event{Kind: EventClear, Op: "clear"})
	return nil
}

// Keys merges provider key listings with the metadata index, so tiers that
// cannot enumerate (e.g. Ristretto) are still covered for tracked keys.
func (e *engine[V]) Keys(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, ent := range e.reg.Ordered() {
		keys, err := ent.Provider.Keys(ctx, pattern)
		if err != nil {
			e.log.Debug("provider keys failed", Fields{"provider": ent.Name, "err": err})
			continue
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}
	for _, k := range e.idx.Keys() {
		if pr.MatchPattern(k, pattern) {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out, nil
}

// Metadata returns the tracked entry metadata. The index is authoritative;
// on an index miss, providers that reported the MetadataReader capability at
// registration are consulted as a fallback (e.g. keys written by another
// process straight into a shared Redis tier).
func (e *engine[V]) Metadata(ctx context.Context, key string) (index.Metadata, bool) {
	if md, ok := e.idx.Get(key); ok {
		return md, true
	}
	for _, ent := range e.reg.Ordered() {
		if ent.Meta == nil {
			continue
		}
		pm, ok, err := ent.Meta.Metadata(ctx, key)
		if err != nil || !ok {
			continue
		}
		return index.Metadata{
			Key:       key,
			CreatedAt: pm.StoredAt,
			SizeBytes: pm.Size,
			TTL:       pm.TTL,
			ExpiresAt: pm.ExpiresAt,
		}, true
	}
	return index.Metadata{}, false
}

// Health probes every provider that reported the HealthCheck capability at
// registration. Providers without it are reported as "unsupported" and
// healthy - a missing optional capability is never an error.
func (e *engine[V]) Health(ctx context.Context) map[string]pr.Health {
	out := make(map[string]pr.Health)
	for _, ent := range e.reg.Ordered() {
		if ent.Health == nil {
			out[ent.Name] = pr.Health{Healthy: true, Status: "unsupported", LastCheck: time.Now()}
			continue
		}
		h, err := ent.Health.HealthCheck(ctx)
		if err != nil {
			out[ent.Name] = pr.Health{Healthy: false, Status: err.Error(), LastCheck: time.Now()}
			continue
		}
		out[ent.Name] = h
	}
	return out
}

func (e *engine[V]) Stats(ctx context.Context) map[string]pr.Stats {
	out := make(map[string]pr.Stats)
	for _, ent := range e.reg.Ordered() {
		s, err := ent.Provider.Stats(ctx)
		if err != nil {
			e.log.Debug("provider stats failed", Fields{"provider": ent.Name, "err": err})
			continue
		}
		out[ent.Name] = s
	}
	return out
}
