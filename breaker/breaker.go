// Package breaker implements a per-key circuit breaker.
//
// The state machine is CLOSED -> OPEN -> HALF_OPEN -> CLOSED. Transitions
// are lazy: an open breaker moves to half-open at call time once the reset
// timeout has elapsed, never from a background timer.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed - calls pass through.
	StateClosed State = iota
	// StateOpen - calls are short-circuited with ErrOpen.
	StateOpen
	// StateHalfOpen - a bounded number of trial calls pass through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned when the breaker is open and no fallback was supplied.
var ErrOpen = errors.New("breaker: circuit open")

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 60 * time.Second
	DefaultHalfOpenLimit    = 1
)

// Config tunes one breaker. Zero values take the defaults above.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker from closed.
	FailureThreshold uint32

	// ResetTimeout is how long an open breaker waits before admitting a
	// trial call (half-open).
	ResetTimeout time.Duration

	// HalfOpenLimit is the number of consecutive trial successes required
	// to close a half-open breaker.
	HalfOpenLimit uint32

	// OnStateChange, if set, is called after every transition. It must be
	// cheap; it runs outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.HalfOpenLimit == 0 {
		c.HalfOpenLimit = DefaultHalfOpenLimit
	}
	return c
}

// Breaker guards calls to one dependency. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu             sync.Mutex
	state          State
	failures       uint32 // consecutive failures while closed
	trialSuccesses uint32 // consecutive successes while half-open
	trialInFlight  uint32 // admitted trial calls while half-open
	openedAt       time.Time
}

func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults(), state: StateClosed}
}

// Execute is the only public entry point: it checks state, runs fn if
// admitted, and applies the resulting transition. When the circuit is open
// and fallback is non-nil, fallback runs instead of returning ErrOpen; its
// outcome never affects breaker state.
func (b *Breaker) Execute(fn func() error, fallback func() error) error {
	if err := b.before(); err != nil {
		if fallback != nil {
			return fallback()
		}
		return err
	}
	err := fn()
	b.after(err)
	return err
}

// Allow reports whether a call would currently be admitted, without counting
// it. Used by callers that want to skip a provider without burning a trial
// slot.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.current(time.Now()) {
	case StateOpen:
		return false
	case StateHalfOpen:
		return b.trialInFlight < b.cfg.HalfOpenLimit
	default:
		return true
	}
}

// State returns the current state, applying the lazy open->half-open check.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current(time.Now())
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.trialSuccesses = 0
	b.trialInFlight = 0
	b.openedAt = time.Time{}
	b.mu.Unlock()
	b.notify(from, StateClosed)
}

func (b *Breaker) before() error {
	b.mu.Lock()
	now := time.Now()
	from := b.state
	state := b.current(now)

	var admitErr error
	switch state {
	case StateOpen:
		admitErr = ErrOpen
	case StateHalfOpen:
		if b.trialInFlight >= b.cfg.HalfOpenLimit {
			admitErr = ErrOpen
		} else {
			b.trialInFlight++
		}
	}
	b.mu.Unlock()

	if from != state {
		b.notify(from, state)
	}
	return admitErr
}

func (b *Breaker) after(callErr error) {
	b.mu.Lock()
	now := time.Now()
	from := b.state
	state := b.current(now)
	to := state

	if callErr == nil {
		switch state {
		case StateHalfOpen:
			b.trialSuccesses++
			if b.trialSuccesses >= b.cfg.HalfOpenLimit {
				b.state = StateClosed
				b.failures = 0
				b.trialSuccesses = 0
				b.trialInFlight = 0
				to = StateClosed
			}
		case StateClosed:
			b.failures = 0
		}
	} else {
		switch state {
		case StateClosed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.state = StateOpen
				b.openedAt = now
				to = StateOpen
			}
		case StateHalfOpen:
			// any trial failure reopens immediately
			b.state = StateOpen
			b.openedAt = now
			b.trialSuccesses = 0
			b.trialInFlight = 0
			to = StateOpen
		}
	}
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// current applies the lazy open->half-open transition. Caller holds b.mu.
func (b *Breaker) current(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.state = StateHalfOpen
		b.trialSuccesses = 0
		b.trialInFlight = 0
	}
	return b.state
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// Manager lazily creates one breaker per guarded key (provider name or
// operation class), all sharing one Config.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
}

func NewManager(cfg Config) *Manager {
	return &Manager{breakers: make(map[string]*Breaker), cfg: cfg}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b = New(name, m.cfg)
	m.breakers[name] = b
	return b
}

// Remove drops the breaker for name, if any.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	delete(m.breakers, name)
	m.mu.Unlock()
}

// States returns a snapshot of every breaker's current state.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	bs := make(map[string]*Breaker, len(m.breakers))
	for name, b := range m.breakers {
		bs[name] = b
	}
	m.mu.RUnlock()

	out := make(map[string]State, len(bs))
	for name, b := range bs {
		out[name] = b.State()
	}
	return out
}
