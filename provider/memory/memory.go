// Package memory implements an in-process map-backed provider. It is the
// default first tier and the reference implementation of the provider
// contract, including per-entry TTL and stats.
package memory

import (
	"context"
	"sync"
	"time"

	pr "github.com/tiercache/tiercache/provider"
)

type entry struct {
	value    []byte
	storedAt time.Time
	ttl      time.Duration
	exp      time.Time // zero => no expiry
}

type Provider struct {
	mu sync.RWMutex
	m  map[string]entry

	hits   uint64
	misses uint64
	bytes  uint64
}

var (
	_ pr.Provider       = (*Provider)(nil)
	_ pr.MetadataReader = (*Provider)(nil)
	_ pr.HealthReporter = (*Provider)(nil)
)

func New() *Provider {
	return &Provider{m: make(map[string]entry)}
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if ok && !e.exp.IsZero() && time.Now().After(e.exp) {
		p.bytes -= uint64(len(e.value))
		delete(p.m, key)
		ok = false
	}
	if !ok {
		p.misses++
		return nil, false, nil
	}
	p.hits++
	return e.value, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, opts pr.SetOptions) error {
	now := time.Now()
	e := entry{value: value, storedAt: now, ttl: opts.TTL}
	if opts.TTL > 0 {
		e.exp = now.Add(opts.TTL)
	}
	p.mu.Lock()
	if old, ok := p.m[key]; ok {
		p.bytes -= uint64(len(old.value))
	}
	p.m[key] = e
	p.bytes += uint64(len(value))
	p.mu.Unlock()
	return nil
}

func (p *Provider) Delete(_ context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return false, nil
	}
	p.bytes -= uint64(len(e.value))
	delete(p.m, key)
	return true, nil
}

func (p *Provider) Clear(_ context.Context) error {
	p.mu.Lock()
	p.m = make(map[string]entry)
	p.bytes = 0
	p.mu.Unlock()
	return nil
}

func (p *Provider) Keys(_ context.Context, pattern string) ([]string, error) {
	now := time.Now()
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.m))
	for k, e := range p.m {
		if !e.exp.IsZero() && now.After(e.exp) {
			continue
		}
		if pr.MatchPattern(k, pattern) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (p *Provider) Stats(_ context.Context) (pr.Stats, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return pr.Stats{
		Hits:        p.hits,
		Misses:      p.misses,
		Size:        p.bytes,
		KeyCount:    uint64(len(p.m)),
		MemoryUsage: p.bytes,
		LastUpdated: time.Now(),
	}, nil
}

func (p *Provider) Metadata(_ context.Context, key string) (pr.Metadata, bool, error) {
	p.mu.RLock()
	e, ok := p.m[key]
	p.mu.RUnlock()
	if !ok {
		return pr.Metadata{}, false, nil
	}
	return pr.Metadata{
		Key:       key,
		Size:      uint64(len(e.value)),
		TTL:       e.ttl,
		StoredAt:  e.storedAt,
		ExpiresAt: e.exp,
	}, true, nil
}

func (p *Provider) HealthCheck(_ context.Context) (pr.Health, error) {
	return pr.Health{Healthy: true, Status: "ok", LastCheck: time.Now()}, nil
}

func (p *Provider) Close(_ context.Context) error { return nil }
