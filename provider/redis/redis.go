// Package redis adapts redis/go-redis to the tiercache provider contract.
// It is the canonical remote tier: per-entry TTL, key scans and a health
// probe are all supported natively.
package redis

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pr "github.com/tiercache/tiercache/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

type Redis struct {
	rdb         goredis.UniversalClient
	closeClient bool

	hits   atomic.Uint64
	misses atomic.Uint64
}

var (
	_ pr.Provider       = (*Redis)(nil)
	_ pr.HealthReporter = (*Redis)(nil)
	_ pr.MetadataReader = (*Redis)(nil)
)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this provider exclusively owns the client
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: cfg.Client, closeClient: cfg.CloseClient}, nil
}

func (p *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := p.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		p.misses.Add(1)
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, err // transport/server error
	}
	p.hits.Add(1)
	return b, true, nil
}

func (p *Redis) Set(ctx context.Context, key string, value []byte, opts pr.SetOptions) error {
	ttl := opts.TTL
	if ttl < 0 {
		ttl = 0 // non-positive TTL => no expiry per provider contract
	}
	return p.rdb.Set(ctx, key, value, ttl).Err()
}

func (p *Redis) Delete(ctx context.Context, key string) (bool, error) {
	n, err := p.rdb.Del(ctx, key).Result()
	return n > 0, err
}

func (p *Redis) Clear(ctx context.Context) error {
	return p.rdb.FlushDB(ctx).Err()
}

func (p *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := p.rdb.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (p *Redis) Stats(ctx context.Context) (pr.Stats, error) {
	n, err := p.rdb.DBSize(ctx).Result()
	if err != nil {
		return pr.Stats{}, err
	}
	return pr.Stats{
		Hits:        p.hits.Load(),
		Misses:      p.misses.Load(),
		KeyCount:    uint64(n),
		LastUpdated: time.Now(),
	}, nil
}

func (p *Redis) Metadata(ctx context.Context, key string) (pr.Metadata, bool, error) {
	ttl, err := p.rdb.TTL(ctx, key).Result()
	if err != nil {
		return pr.Metadata{}, false, err
	}
	if ttl == -2*time.Second { // go-redis maps Redis's -2 (missing key) onto a duration
		return pr.Metadata{}, false, nil
	}
	m := pr.Metadata{Key: key}
	if ttl > 0 {
		m.TTL = ttl
		m.ExpiresAt = time.Now().Add(ttl)
	}
	return m, true, nil
}

func (p *Redis) HealthCheck(ctx context.Context) (pr.Health, error) {
	err := p.rdb.Ping(ctx).Err()
	h := pr.Health{Healthy: err == nil, Status: "ok", LastCheck: time.Now()}
	if err != nil {
		h.Status = err.Error()
	}
	return h, err
}

// Close releases the underlying redis client only when this provider owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (p *Redis) Close(context.Context) error {
	if p.closeClient {
		if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
