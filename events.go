package tiercache

import (
	"sync"
	"time"
)

// EventKind enumerates the engine's observable events. Subscribers register
// per kind or on the wildcard channel.
type EventKind int

const (
	EventHit EventKind = iota
	EventMiss
	EventSet
	EventSetError
	EventDelete
	EventClear
	EventProviderError
	EventProviderDemoted
	EventCircuitOpened
	EventCircuitClosed
	EventRateLimited
	EventRefreshStarted
	EventRefreshDone
	EventRefreshTimeout
	EventInvalidated
)

func (k EventKind) String() string {
	switch k {
	case EventHit:
		return "hit"
	case EventMiss:
		return "miss"
	case EventSet:
		return "set"
	case EventSetError:
		return "set_error"
	case EventDelete:
		return "delete"
	case EventClear:
		return "clear"
	case EventProviderError:
		return "provider_error"
	case EventProviderDemoted:
		return "provider_demoted"
	case EventCircuitOpened:
		return "circuit_opened"
	case EventCircuitClosed:
		return "circuit_closed"
	case EventRateLimited:
		return "rate_limited"
	case EventRefreshStarted:
		return "refresh_started"
	case EventRefreshDone:
		return "refresh_done"
	case EventRefreshTimeout:
		return "refresh_timeout"
	case EventInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Event is a single engine observation. Provider and Key are empty when not
// applicable.
type Event struct {
	Kind     EventKind
	Op       string
	Key      string
	Provider string
	Err      error
	At       time.Time
}

// Subscriber receives events. Implementations MUST be cheap and non-blocking;
// the engine calls them synchronously on hot paths. Wrap with events/async if
// a subscriber does real work.
type Subscriber func(Event)

// Bus is a typed subscriber registry with a wildcard channel. Delivery is
// synchronous fan-out; a panicking subscriber is isolated so it cannot break
// emission to others.
type Bus struct {
	mu       sync.RWMutex
	byKind   map[EventKind][]Subscriber
	wildcard []Subscriber
}

func NewBus() *Bus {
	return &Bus{byKind: make(map[EventKind][]Subscriber)}
}

// Subscribe registers fn for one event kind.
func (b *Bus) Subscribe(kind EventKind, fn Subscriber) {
	b.mu.Lock()
	b.byKind[kind] = append(b.byKind[kind], fn)
	b.mu.Unlock()
}

// SubscribeAll registers fn for every event kind.
func (b *Bus) SubscribeAll(fn Subscriber) {
	b.mu.Lock()
	b.wildcard = append(b.wildcard, fn)
	b.mu.Unlock()
}

// Publish delivers ev to kind subscribers then wildcard subscribers.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	kindSubs := b.byKind[ev.Kind]
	wild := b.wildcard
	b.mu.RUnlock()

	for _, fn := range kindSubs {
		safeDeliver(fn, ev)
	}
	for _, fn := range wild {
		safeDeliver(fn, ev)
	}
}

func safeDeliver(fn Subscriber, ev Event) {
	defer func() { _ = recover() }()
	fn(ev)
}
