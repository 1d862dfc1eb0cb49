package tiercache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tiercache/tiercache/retry"
)

// TestComputeDedup pins the core dedup invariant: N concurrent callers for a
// cold key trigger exactly one fetch and all observe the same value.
func TestComputeDedup(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, nil)
	if err := cc.Register("mem", newFakeProvider(), 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var fetches atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (user, error) {
		fetches.Add(1)
		<-release
		return user{ID: "42", Name: "Deduped"}, nil
	}

	const n = 16
	var wg sync.WaitGroup
	results := make([]user, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cc.GetOrCompute(ctx, "hot", fetch)
		}(i)
	}

	// let every goroutine reach the flight before the fetch completes
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := fetches.Load(); got != 1 {
		t.Fatalf("fetch should run exactly once, ran %d times", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].ID != "42" {
			t.Fatalf("caller %d got %+v", i, results[i])
		}
	}
}

// TestComputeSharedError verifies concurrent callers observe the same error
// when the single fetch fails.
func TestComputeSharedError(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, func(o *Options[user]) {
		o.Retry = retry.Config{MaxAttempts: 1}
	})
	if err := cc.Register("mem", newFakeProvider(), 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var fetches atomic.Int32
	release := make(chan struct{})
	boom := errors.New("upstream down")
	fetch := func(ctx context.Context) (user, error) {
		fetches.Add(1)
		<-release
		return user{}, boom
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cc.GetOrCompute(ctx, "cold", fetch)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := fetches.Load(); got != 1 {
		t.Fatalf("fetch should run exactly once, ran %d times", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] == nil || !errors.Is(errs[i], boom) {
			t.Fatalf("caller %d: expected shared upstream error, got %v", i, errs[i])
		}
	}
}

func TestComputeHitSkipsFetch(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, nil)
	if err := cc.Register("mem", newFakeProvider(), 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := cc.Set(ctx, "k", user{ID: "1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, err := cc.GetOrCompute(ctx, "k", func(ctx context.Context) (user, error) {
		t.Fatal("fetch must not run on a hit")
		return user{}, nil
	})
	if err != nil || v.ID != "1" {
		t.Fatalf("unexpected result: v=%+v err=%v", v, err)
	}
}

func TestComputeRetries(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, func(o *Options[user]) {
		o.Retry = retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			NoJitter:     true,
		}
	})
	if err := cc.Register("mem", newFakeProvider(), 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var attempts atomic.Int32
	fetch := func(ctx context.Context) (user, error) {
		if attempts.Add(1) < 3 {
			return user{}, errors.New("transient")
		}
		return user{ID: "ok"}, nil
	}
	v, err := cc.GetOrCompute(ctx, "flaky", fetch)
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if v.ID != "ok" || attempts.Load() != 3 {
		t.Fatalf("expected success on third attempt, v=%+v attempts=%d", v, attempts.Load())
	}
}

func TestComputeStoresResult(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, nil)
	p := newFakeProvider()
	if err := cc.Register("mem", p, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := cc.GetOrCompute(ctx, "k", func(ctx context.Context) (user, error) {
		return user{ID: "computed"}, nil
	}); err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if !p.has("k") {
		t.Fatalf("computed value should be stored")
	}
	// second call is a pure hit
	v, err := cc.GetOrCompute(ctx, "k", func(ctx context.Context) (user, error) {
		t.Fatal("fetch must not run again")
		return user{}, nil
	})
	if err != nil || v.ID != "computed" {
		t.Fatalf("unexpected: v=%+v err=%v", v, err)
	}
}

// TestBackgroundRefresh verifies a stale-but-unexpired value is served
// immediately while a refresh recomputes it behind the scenes.
func TestBackgroundRefresh(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, nil)
	if err := cc.Register("mem", newFakeProvider(), 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ttl := 200 * time.Millisecond
	if err := cc.Set(ctx, "k", user{ID: "old"}, WithTTL(ttl)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// move into the staleness window: past ttl*0.5, before ttl
	time.Sleep(120 * time.Millisecond)

	var refreshed atomic.Bool
	v, err := cc.GetOrCompute(ctx, "k", func(ctx context.Context) (user, error) {
		refreshed.Store(true)
		return user{ID: "new"}, nil
	}, WithBackgroundRefresh(), WithRefreshThreshold(0.5), WithTTL(ttl))
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if v.ID != "old" {
		t.Fatalf("stale value should be served immediately, got %+v", v)
	}

	waitFor(t, time.Second, func() bool { return refreshed.Load() })
	waitFor(t, time.Second, func() bool {
		got, ok, _ := cc.Get(ctx, "k")
		return ok && got.ID == "new"
	})
}

// TestRefreshClaimDedup verifies only one refresh is pending per key.
func TestRefreshClaimDedup(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, nil)
	if err := cc.Register("mem", newFakeProvider(), 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ttl := 300 * time.Millisecond
	if err := cc.Set(ctx, "k", user{ID: "old"}, WithTTL(ttl)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(160 * time.Millisecond)

	var fetches atomic.Int32
	block := make(chan struct{})
	fetch := func(ctx context.Context) (user, error) {
		fetches.Add(1)
		<-block
		return user{ID: "new"}, nil
	}
	opts := []Option{WithBackgroundRefresh(), WithRefreshThreshold(0.5), WithTTL(ttl)}
	for i := 0; i < 5; i++ {
		if _, err := cc.GetOrCompute(ctx, "k", fetch, opts...); err != nil {
			t.Fatalf("GetOrCompute: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(block)

	waitFor(t, time.Second, func() bool { return fetches.Load() > 0 })
	if got := fetches.Load(); got != 1 {
		t.Fatalf("expected a single pending refresh, got %d", got)
	}
}

func TestWrap(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, nil)
	if err := cc.Register("mem", newFakeProvider(), 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var calls atomic.Int32
	loadUser := func(ctx context.Context, id string) (user, error) {
		calls.Add(1)
		return user{ID: id}, nil
	}
	cached := cc.Wrap(loadUser, func(id string) string { return "user:" + id })

	for i := 0; i < 3; i++ {
		v, err := cached.Call(ctx, "9")
		if err != nil || v.ID != "9" {
			t.Fatalf("Call: v=%+v err=%v", v, err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("wrapped fn should run once, ran %d times", calls.Load())
	}

	if err := cached.Invalidate(ctx, "9"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := cached.Call(ctx, "9"); err != nil {
		t.Fatalf("Call after invalidate: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("invalidate should force a recompute, calls=%d", calls.Load())
	}
}

func waitFor(t *testing.T, limit time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", limit)
}
