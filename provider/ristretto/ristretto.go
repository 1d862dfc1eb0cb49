// Package ristretto adapts dgraph-io/ristretto to the tiercache provider
// contract. Ristretto is admission-based: a Set may be silently dropped under
// pressure, which is acceptable for a cache tier. It cannot enumerate keys,
// so Keys always returns an empty result.
package ristretto

import (
	"context"
	"errors"
	"time"

	rc "github.com/dgraph-io/ristretto"

	pr "github.com/tiercache/tiercache/provider"
)

type Provider struct {
	c *rc.Cache
}

var _ pr.Provider = (*Provider)(nil)

type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

func New(cfg Config) (*Provider, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto: invalid config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	return &Provider{c: c}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		// self-heal: drop unexpected entry shape
		p.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, opts pr.SetOptions) error {
	cost := opts.Cost
	if cost <= 0 {
		cost = int64(len(value))
	}
	// Rejection under pressure is not an error for an eviction-based tier.
	if opts.TTL > 0 {
		p.c.SetWithTTL(key, value, cost, opts.TTL)
	} else {
		p.c.Set(key, value, cost)
	}
	return nil
}

func (p *Provider) Delete(_ context.Context, key string) (bool, error) {
	_, existed := p.c.Get(key)
	p.c.Del(key)
	return existed, nil
}

func (p *Provider) Clear(_ context.Context) error {
	p.c.Clear()
	return nil
}

// Keys is unsupported: Ristretto does not expose iteration.
func (p *Provider) Keys(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

func (p *Provider) Stats(_ context.Context) (pr.Stats, error) {
	m := p.c.Metrics
	return pr.Stats{
		Hits:        m.Hits(),
		Misses:      m.Misses(),
		Size:        m.CostAdded() - m.CostEvicted(),
		KeyCount:    m.KeysAdded() - m.KeysEvicted(),
		MemoryUsage: m.CostAdded() - m.CostEvicted(),
		LastUpdated: time.Now(),
	}, nil
}

func (p *Provider) Close(_ context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}
