// Package ratelimit provides per-operation sliding-window admission control
// with an optional burst allowance and bounded FIFO fair queueing.
//
// Windows reset lazily on the next admission check; queued waiters are
// additionally drained by a timer armed only while the queue is non-empty,
// released in order as capacity frees up.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrLimited is returned when a call is rejected outright.
	ErrLimited = errors.New("ratelimit: limit exceeded")
	// ErrQueueTimeout is returned when a queued waiter was not released
	// within MaxWait.
	ErrQueueTimeout = errors.New("ratelimit: queue wait timed out")
)

const (
	DefaultMaxRequests = 100
	DefaultWindow      = time.Second
	DefaultMaxWait     = 5 * time.Second
)

// Config tunes one Limiter. All operations share the same limits; state is
// tracked per operation name.
type Config struct {
	MaxRequests int           // admitted calls per window; default 100
	Window      time.Duration // window length; default 1s
	Burstable   bool          // allow up to 2*MaxRequests per window
	QueueSize   int           // fair-queue capacity; 0 disables queueing
	MaxWait     time.Duration // max time a waiter may block; default 5s
}

func (c Config) withDefaults() Config {
	if c.MaxRequests <= 0 {
		c.MaxRequests = DefaultMaxRequests
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	return c
}

type waiter struct {
	ch        chan struct{} // closed on release
	weight    int
	cancelled bool
}

type window struct {
	start   time.Time
	count   int
	waiters []*waiter
	timer   *time.Timer
}

// Limiter admits calls per operation name. Safe for concurrent use.
type Limiter struct {
	cfg Config

	mu  sync.Mutex
	ops map[string]*window
}

func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg.withDefaults(), ops: make(map[string]*window)}
}

// Acquire admits one call of the given weight for op, possibly blocking in
// the fair queue. It returns nil on admission, ErrLimited on rejection,
// ErrQueueTimeout if a queued call waited longer than MaxWait, or ctx.Err()
// if the context ended first.
func (l *Limiter) Acquire(ctx context.Context, op string, weight int) error {
	if weight <= 0 {
		weight = 1
	}

	l.mu.Lock()
	w := l.window(op)
	l.reset(op, w, time.Now())

	// 1. plain admission
	if w.count+weight <= l.cfg.MaxRequests {
		w.count += weight
		l.mu.Unlock()
		return nil
	}

	// 2. burst allowance
	if l.cfg.Burstable {
		if w.count+weight <= 2*l.cfg.MaxRequests {
			w.count += weight
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
		return ErrLimited
	}

	// 3. fair queue
	if l.cfg.QueueSize > 0 {
		if l.pending(w) >= l.cfg.QueueSize {
			l.mu.Unlock()
			return ErrLimited
		}
		if weight > l.cfg.MaxRequests {
			// can never fit in one window
			l.mu.Unlock()
			return ErrLimited
		}
		wt := &waiter{ch: make(chan struct{}), weight: weight}
		w.waiters = append(w.waiters, wt)
		l.armTimer(op, w, time.Now())
		l.mu.Unlock()

		timeout := time.NewTimer(l.cfg.MaxWait)
		defer timeout.Stop()
		select {
		case <-wt.ch:
			return nil
		case <-timeout.C:
			if l.cancel(wt) {
				return nil // release raced the timeout; admission stands
			}
			return ErrQueueTimeout
		case <-ctx.Done():
			if l.cancel(wt) {
				return nil
			}
			return ctx.Err()
		}
	}

	// 4. reject
	l.mu.Unlock()
	return ErrLimited
}

// Allow is a non-blocking Acquire with weight 1 and no queueing; it reports
// admission as a bool.
func (l *Limiter) Allow(op string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.window(op)
	l.reset(op, w, time.Now())
	if w.count+1 <= l.cfg.MaxRequests {
		w.count++
		return true
	}
	return false
}

// window returns (creating if needed) the state for op. Caller holds l.mu.
func (l *Limiter) window(op string) *window {
	w, ok := l.ops[op]
	if !ok {
		w = &window{start: time.Now()}
		l.ops[op] = w
	}
	return w
}

// reset advances the window when it has elapsed and drains queued waiters
// into the fresh capacity, FIFO. Caller holds l.mu.
func (l *Limiter) reset(op string, w *window, now time.Time) {
	if now.Sub(w.start) < l.cfg.Window {
		return
	}
	w.start = now
	w.count = 0
	l.drain(w)
	if l.pending(w) > 0 {
		l.armTimer(op, w, now)
	}
}

// drain releases waiters in order while capacity remains. Caller holds l.mu.
func (l *Limiter) drain(w *window) {
	for len(w.waiters) > 0 {
		wt := w.waiters[0]
		if wt.cancelled {
			w.waiters = w.waiters[1:]
			continue
		}
		if w.count+wt.weight > l.cfg.MaxRequests {
			return
		}
		w.count += wt.weight
		close(wt.ch)
		w.waiters = w.waiters[1:]
	}
}

// pending counts live (non-cancelled) waiters. Caller holds l.mu.
func (l *Limiter) pending(w *window) int {
	n := 0
	for _, wt := range w.waiters {
		if !wt.cancelled {
			n++
		}
	}
	return n
}

// armTimer schedules a drain at the end of the current window. Caller holds
// l.mu.
func (l *Limiter) armTimer(op string, w *window, now time.Time) {
	if w.timer != nil {
		return
	}
	delay := w.start.Add(l.cfg.Window).Sub(now)
	if delay < 0 {
		delay = 0
	}
	w.timer = time.AfterFunc(delay, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		ww, ok := l.ops[op]
		if !ok {
			return
		}
		ww.timer = nil
		l.reset(op, ww, time.Now())
	})
}

// cancel marks a timed-out or context-cancelled waiter for removal and
// reports whether the waiter had already been released (in which case the
// admission stands and the caller should treat the call as admitted).
func (l *Limiter) cancel(wt *waiter) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-wt.ch:
		return true
	default:
		wt.cancelled = true
		return false
	}
}
