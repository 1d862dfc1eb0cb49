// Package registry tracks named storage providers with priorities and health.
//
// The sorted provider view is copy-on-read: Ordered returns a snapshot, so
// in-flight operations keep iterating the list they captured even if a
// provider is deregistered concurrently. The registration map is the one
// true mutable structure, guarded by a single mutex.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	pr "github.com/tiercache/tiercache/provider"
)

// DefaultPriority is used when Register is called with priority <= 0.
// Lower value means higher precedence.
const DefaultPriority = 100

// DefaultDemoteThreshold is the error count above which a provider is pushed
// to the back of the priority order.
const DefaultDemoteThreshold = 5

var ErrDuplicateProvider = errors.New("registry: provider already registered")

// Entry is a snapshot view of one registered provider. Health and Meta are
// the optional capabilities detected at registration; nil means the provider
// does not support them.
type Entry struct {
	Name       string
	Provider   pr.Provider
	Health     pr.HealthReporter
	Meta       pr.MetadataReader
	Priority   int
	ErrorCount uint32
	LastError  error

	seq int // registration order, breaks priority ties
}

type record struct {
	name       string
	provider   pr.Provider
	health     pr.HealthReporter // nil when unsupported
	meta       pr.MetadataReader // nil when unsupported
	priority   int
	seq        int // registration order, breaks priority ties
	errorCount uint32
	lastError  error
}

// Registry holds named providers. Safe for concurrent use.
type Registry struct {
	mu              sync.RWMutex
	records         map[string]*record
	nextSeq         int
	demoteThreshold uint32

	// onDemote, if set, is called (outside the lock) after a provider is
	// demoted for exceeding the error threshold.
	onDemote func(name string, newPriority int)
}

// Option configures a Registry.
type Option func(*Registry)

// WithDemoteThreshold overrides the error count that triggers demotion.
func WithDemoteThreshold(n uint32) Option {
	return func(r *Registry) { r.demoteThreshold = n }
}

// WithDemoteCallback installs a callback fired when a provider is demoted.
func WithDemoteCallback(fn func(name string, newPriority int)) Option {
	return func(r *Registry) { r.onDemote = fn }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		records:         make(map[string]*record),
		demoteThreshold: DefaultDemoteThreshold,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register inserts a named provider. priority <= 0 means DefaultPriority.
// Optional capabilities (HealthReporter, MetadataReader) are detected here,
// once, by type assertion - never per call.
func (r *Registry) Register(name string, p pr.Provider, priority int) error {
	if name == "" {
		return fmt.Errorf("registry: empty provider name")
	}
	if p == nil {
		return fmt.Errorf("registry: nil provider %q", name)
	}
	if priority <= 0 {
		priority = DefaultPriority
	}
	rec := &record{name: name, provider: p, priority: priority}
	if h, ok := p.(pr.HealthReporter); ok {
		rec.health = h
	}
	if m, ok := p.(pr.MetadataReader); ok {
		rec.meta = m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateProvider, name)
	}
	rec.seq = r.nextSeq
	r.records[name] = rec
	r.nextSeq++
	return nil
}

// Deregister removes a provider, reporting whether it existed. In-flight
// operations that already hold an Ordered snapshot are unaffected.
func (r *Registry) Deregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[name]
	delete(r.records, name)
	return ok
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (pr.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return nil, false
	}
	return rec.provider, true
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Ordered returns a snapshot of entries sorted by priority ascending,
// ties broken by registration order. Every field is copied while the lock is
// held; RecordOutcome mutates records concurrently, so the sort must only
// ever touch the copies.
func (r *Registry) Ordered() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, Entry{
			Name:       rec.name,
			Provider:   rec.provider,
			Health:     rec.health,
			Meta:       rec.meta,
			Priority:   rec.priority,
			ErrorCount: rec.errorCount,
			LastError:  rec.lastError,
			seq:        rec.seq,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// RecordOutcome updates health for one provider after a call. A failure
// increments the error count; once the count exceeds the demote threshold the
// provider's priority moves to max(existing)+1, pushing it to the back
// without removing it. Success does NOT reset the count - after instability
// an explicit ResetHealth is required.
func (r *Registry) RecordOutcome(name string, success bool, callErr error) {
	var demotedTo int
	demoted := false

	r.mu.Lock()
	rec, ok := r.records[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	if success {
		r.mu.Unlock()
		return
	}
	rec.errorCount++
	rec.lastError = callErr
	if rec.errorCount > r.demoteThreshold {
		maxPrio := 0
		for _, other := range r.records {
			if other.priority > maxPrio {
				maxPrio = other.priority
			}
		}
		if rec.priority <= maxPrio {
			rec.priority = maxPrio + 1
			demoted = true
			demotedTo = rec.priority
		}
	}
	r.mu.Unlock()

	if demoted && r.onDemote != nil {
		r.onDemote(name, demotedTo)
	}
}

// ResetHealth zeroes the error count and last error for name.
func (r *Registry) ResetHealth(name string) {
	r.mu.Lock()
	if rec, ok := r.records[name]; ok {
		rec.errorCount = 0
		rec.lastError = nil
	}
	r.mu.Unlock()
}
