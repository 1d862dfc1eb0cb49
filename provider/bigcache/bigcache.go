// Package bigcache adapts allegro/bigcache to the tiercache provider
// contract. BigCache has no per-entry TTL; entries age out with the global
// LifeWindow, so the engine's metadata index is authoritative for expiry.
package bigcache

import (
	"context"
	"errors"
	"time"

	bc "github.com/allegro/bigcache/v3"

	pr "github.com/tiercache/tiercache/provider"
)

type Provider struct {
	c *bc.BigCache
}

var _ pr.Provider = (*Provider)(nil)

type Config struct {
	LifeWindow         time.Duration
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // ~ memory limit; 0 = unlimited
}

func New(cfg Config) (*Provider, error) {
	conf := bc.DefaultConfig(cfg.LifeWindow)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.NewBigCache(conf)
	if err != nil {
		return nil, err
	}
	return &Provider{c: c}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := p.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	return b, err == nil, err
}

func (p *Provider) Set(_ context.Context, key string, value []byte, _ pr.SetOptions) error {
	return p.c.Set(key, value)
}

func (p *Provider) Delete(_ context.Context, key string) (bool, error) {
	err := p.c.Delete(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (p *Provider) Clear(_ context.Context) error {
	return p.c.Reset()
}

func (p *Provider) Keys(_ context.Context, pattern string) ([]string, error) {
	var out []string
	it := p.c.Iterator()
	for it.SetNext() {
		e, err := it.Value()
		if err != nil {
			continue
		}
		if pr.MatchPattern(e.Key(), pattern) {
			out = append(out, e.Key())
		}
	}
	return out, nil
}

func (p *Provider) Stats(_ context.Context) (pr.Stats, error) {
	s := p.c.Stats()
	return pr.Stats{
		Hits:        uint64(s.Hits),
		Misses:      uint64(s.Misses),
		Size:        uint64(p.c.Capacity()),
		KeyCount:    uint64(p.c.Len()),
		MemoryUsage: uint64(p.c.Capacity()),
		LastUpdated: time.Now(),
	}, nil
}

func (p *Provider) Close(_ context.Context) error {
	return p.c.Close()
}
