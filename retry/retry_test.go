package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		NoJitter:     true,
	}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestExhaustion(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		NoJitter:     true,
	}, func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("final error should wrap the last failure: %v", err)
	}
	if !strings.Contains(err.Error(), "3 attempts") {
		t.Fatalf("error should report attempt count: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestShouldRetryShortCircuits(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		ShouldRetry:  func(err error) bool { return !errors.Is(err, fatal) },
	}, func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error unwrapped, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("non-retryable error must not be retried, calls = %d", calls)
	}
}

func TestContextCancelStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Config{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
		NoJitter:     true,
	}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestOnRetryCallback(t *testing.T) {
	var attempts []int
	var delays []time.Duration
	_ = Do(context.Background(), Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		NoJitter:     true,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			attempts = append(attempts, attempt)
			delays = append(delays, delay)
		},
	}, func(context.Context) error {
		return errors.New("transient")
	})

	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("attempts = %v", attempts)
	}
	// exponential growth: 1ms then 2ms
	if delays[0] != time.Millisecond || delays[1] != 2*time.Millisecond {
		t.Fatalf("delays = %v", delays)
	}
}

func TestMaxDelayCap(t *testing.T) {
	cfg := Config{
		InitialDelay: time.Second,
		MaxDelay:     2 * time.Second,
		Multiplier:   10,
		NoJitter:     true,
	}.withDefaults()
	if d := backoff(cfg, 5); d != 2*time.Second {
		t.Fatalf("backoff = %v, want capped at 2s", d)
	}
}

func TestFirstAttemptImmediate(t *testing.T) {
	start := time.Now()
	err := Do(context.Background(), Config{}, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("successful first attempt must not sleep")
	}
}
