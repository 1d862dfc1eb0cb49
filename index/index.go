// Package index tracks per-key entry metadata: tags, timestamps, access
// counters and TTL. It backs tag/prefix/pattern invalidation and statistics.
//
// The index never evicts provider-held bytes; it only tracks knowledge.
// Physical deletion is the orchestration engine's job, which calls providers
// first and the index second.
package index

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// Metadata describes one logical cache key, independent of how many
// providers physically hold the value.
type Metadata struct {
	Key          string
	Tags         []string
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  uint64
	SizeBytes    uint64
	TTL          time.Duration // zero => no expiry
	ExpiresAt    time.Time     // CreatedAt + TTL when TTL is set; zero otherwise
}

// Expired reports whether the entry's TTL has elapsed at now.
func (m Metadata) Expired(now time.Time) bool {
	return m.TTL > 0 && now.After(m.ExpiresAt)
}

type entry struct {
	tags         map[string]struct{}
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  uint64
	sizeBytes    uint64
	ttl          time.Duration
	expiresAt    time.Time
}

// Index is an in-memory metadata map with tag/prefix/pattern lookup.
// Safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	entries map[string]*entry
	byTag   map[string]map[string]struct{} // tag -> key set

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New creates an Index. If sweepInterval > 0, a janitor goroutine drops
// expired entries periodically; call Close to stop it.
func New(sweepInterval time.Duration) *Index {
	idx := &Index{
		entries: make(map[string]*entry),
		byTag:   make(map[string]map[string]struct{}),
		stop:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		idx.wg.Add(1)
		go func() {
			defer idx.wg.Done()
			t := time.NewTicker(sweepInterval)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					idx.Sweep(time.Now())
				case <-idx.stop:
					return
				}
			}
		}()
	}
	return idx
}

// Upsert creates or refreshes the entry for key. CreatedAt and the expiry
// are reset on every call since a set writes a fresh value.
func (x *Index) Upsert(key string, tags []string, ttl time.Duration, sizeBytes uint64) {
	now := time.Now()
	x.mu.Lock()
	defer x.mu.Unlock()

	e, ok := x.entries[key]
	if !ok {
		e = &entry{}
		x.entries[key] = e
	} else {
		x.dropTagsLocked(key, e)
	}
	e.createdAt = now
	e.lastAccessed = now
	e.sizeBytes = sizeBytes
	e.ttl = ttl
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	e.tags = make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		e.tags[tag] = struct{}{}
		set, ok := x.byTag[tag]
		if !ok {
			set = make(map[string]struct{})
			x.byTag[tag] = set
		}
		set[key] = struct{}{}
	}
}

// Get returns a snapshot of the metadata for key.
func (x *Index) Get(key string) (Metadata, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.entries[key]
	if !ok {
		return Metadata{}, false
	}
	return x.snapshotLocked(key, e), true
}

// Delete removes key from the index, reporting whether it existed.
func (x *Index) Delete(key string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.entries[key]
	if !ok {
		return false
	}
	x.dropTagsLocked(key, e)
	delete(x.entries, key)
	return true
}

// Clear drops every entry.
func (x *Index) Clear() {
	x.mu.Lock()
	x.entries = make(map[string]*entry)
	x.byTag = make(map[string]map[string]struct{})
	x.mu.Unlock()
}

// RecordAccess bumps the access counter and freshness for key (a read hit).
func (x *Index) RecordAccess(key string) {
	x.mu.Lock()
	if e, ok := x.entries[key]; ok {
		e.accessCount++
		e.lastAccessed = time.Now()
	}
	x.mu.Unlock()
}

// IsExpired reports whether key is tracked and its TTL has elapsed.
func (x *Index) IsExpired(key string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.entries[key]
	return ok && e.ttl > 0 && time.Now().After(e.expiresAt)
}

// FindByTag returns the keys carrying tag.
func (x *Index) FindByTag(tag string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	set := x.byTag[tag]
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// FindByPrefix returns the keys starting with prefix.
func (x *Index) FindByPrefix(prefix string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []string
	for k := range x.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

// FindByPattern returns the keys matching pattern as a regular expression.
// If pattern does not compile, it degrades to literal-prefix matching
// instead of failing.
func (x *Index) FindByPattern(pattern string) []string {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return x.FindByPrefix(pattern)
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []string
	for k := range x.entries {
		if re.MatchString(k) {
			out = append(out, k)
		}
	}
	return out
}

// Keys returns every tracked key.
func (x *Index) Keys() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, 0, len(x.entries))
	for k := range x.entries {
		out = append(out, k)
	}
	return out
}

// Len returns the number of tracked keys.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Sweep drops entries whose TTL elapsed before now and returns how many were
// removed. Providers are not touched.
func (x *Index) Sweep(now time.Time) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for k, e := range x.entries {
		if e.ttl > 0 && now.After(e.expiresAt) {
			x.dropTagsLocked(k, e)
			delete(x.entries, k)
			n++
		}
	}
	return n
}

// Close stops the janitor, if one is running.
func (x *Index) Close() {
	x.once.Do(func() {
		close(x.stop)
		x.wg.Wait()
	})
}

func (x *Index) dropTagsLocked(key string, e *entry) {
	for tag := range e.tags {
		if set, ok := x.byTag[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(x.byTag, tag)
			}
		}
	}
}

func (x *Index) snapshotLocked(key string, e *entry) Metadata {
	tags := make([]string, 0, len(e.tags))
	for tag := range e.tags {
		tags = append(tags, tag)
	}
	return Metadata{
		Key:          key,
		Tags:         tags,
		CreatedAt:    e.createdAt,
		LastAccessed: e.lastAccessed,
		AccessCount:  e.accessCount,
		SizeBytes:    e.sizeBytes,
		TTL:          e.ttl,
		ExpiresAt:    e.expiresAt,
	}
}
