package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestWindowLimit(t *testing.T) {
	l := New(Config{MaxRequests: 3, Window: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx, "get", 1); err != nil {
			t.Fatalf("call %d should be admitted: %v", i, err)
		}
	}
	if err := l.Acquire(ctx, "get", 1); !errors.Is(err, ErrLimited) {
		t.Fatalf("call over the limit should fail with ErrLimited, got %v", err)
	}
}

func TestPerOperationIsolation(t *testing.T) {
	l := New(Config{MaxRequests: 1, Window: time.Hour})
	ctx := context.Background()

	if err := l.Acquire(ctx, "get", 1); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := l.Acquire(ctx, "set", 1); err != nil {
		t.Fatalf("windows must be per-operation: %v", err)
	}
	if err := l.Acquire(ctx, "get", 1); !errors.Is(err, ErrLimited) {
		t.Fatalf("expected ErrLimited for get, got %v", err)
	}
}

func TestWindowReset(t *testing.T) {
	l := New(Config{MaxRequests: 1, Window: 30 * time.Millisecond})
	ctx := context.Background()

	if err := l.Acquire(ctx, "get", 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Acquire(ctx, "get", 1); !errors.Is(err, ErrLimited) {
		t.Fatalf("expected ErrLimited, got %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if err := l.Acquire(ctx, "get", 1); err != nil {
		t.Fatalf("window should have reset lazily: %v", err)
	}
}

func TestBurstAllowance(t *testing.T) {
	l := New(Config{MaxRequests: 2, Window: time.Hour, Burstable: true})
	ctx := context.Background()

	for i := 0; i < 4; i++ { // up to 2*max with burst
		if err := l.Acquire(ctx, "get", 1); err != nil {
			t.Fatalf("burst call %d should be admitted: %v", i, err)
		}
	}
	if err := l.Acquire(ctx, "get", 1); !errors.Is(err, ErrLimited) {
		t.Fatalf("beyond burst should fail, got %v", err)
	}
}

func TestWeight(t *testing.T) {
	l := New(Config{MaxRequests: 10, Window: time.Hour})
	ctx := context.Background()

	if err := l.Acquire(ctx, "batch", 8); err != nil {
		t.Fatalf("Acquire weight 8: %v", err)
	}
	if err := l.Acquire(ctx, "batch", 3); !errors.Is(err, ErrLimited) {
		t.Fatalf("8+3 > 10 should fail, got %v", err)
	}
	if err := l.Acquire(ctx, "batch", 2); err != nil {
		t.Fatalf("8+2 <= 10 should pass: %v", err)
	}
}

func TestQueueReleasesInOrder(t *testing.T) {
	l := New(Config{
		MaxRequests: 1,
		Window:      40 * time.Millisecond,
		QueueSize:   4,
		MaxWait:     time.Second,
	})
	ctx := context.Background()

	if err := l.Acquire(ctx, "get", 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.Acquire(ctx, "get", 1); err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
		// stagger enqueue so FIFO order is deterministic
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	if len(order) != 2 {
		t.Fatalf("both waiters should be released, got %v", order)
	}
	// capacity is 1 per window: waiter 0 must come out strictly first
	if order[0] != 0 {
		t.Fatalf("FIFO violated: %v", order)
	}
}

func TestQueueFullRejects(t *testing.T) {
	l := New(Config{
		MaxRequests: 1,
		Window:      time.Hour,
		QueueSize:   1,
		MaxWait:     time.Hour,
	})
	ctx := context.Background()

	if err := l.Acquire(ctx, "get", 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	go func() { _ = l.Acquire(ctx, "get", 1) }() // occupies the queue
	time.Sleep(10 * time.Millisecond)

	if err := l.Acquire(ctx, "get", 1); !errors.Is(err, ErrLimited) {
		t.Fatalf("full queue should reject, got %v", err)
	}
}

func TestQueueTimeout(t *testing.T) {
	l := New(Config{
		MaxRequests: 1,
		Window:      time.Hour, // never resets during the test
		QueueSize:   2,
		MaxWait:     30 * time.Millisecond,
	})
	ctx := context.Background()

	if err := l.Acquire(ctx, "get", 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	start := time.Now()
	err := l.Acquire(ctx, "get", 1)
	if !errors.Is(err, ErrQueueTimeout) {
		t.Fatalf("expected ErrQueueTimeout, got %v", err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatalf("waiter returned before MaxWait elapsed")
	}
}

func TestQueueContextCancel(t *testing.T) {
	l := New(Config{
		MaxRequests: 1,
		Window:      time.Hour,
		QueueSize:   2,
		MaxWait:     time.Hour,
	})
	if err := l.Acquire(context.Background(), "get", 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx, "get", 1) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("cancelled waiter did not return")
	}
}

func TestNoQueueRejectsImmediately(t *testing.T) {
	l := New(Config{MaxRequests: 1, Window: time.Hour})
	ctx := context.Background()

	if err := l.Acquire(ctx, "get", 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	start := time.Now()
	if err := l.Acquire(ctx, "get", 1); !errors.Is(err, ErrLimited) {
		t.Fatalf("expected ErrLimited, got %v", err)
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Fatalf("rejection should not block")
	}
}
