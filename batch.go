package tiercache

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// GetMany returns the found subset of keys. Lookups run concurrently in
// chunks; misses and absorbed provider errors simply leave a key out.
func (e *engine[V]) GetMany(ctx context.Context, keys []string) (map[string]V, error) {
	if err := e.admit(ctx, "get", len(keys)); err != nil {
		return nil, err
	}
	out := make(map[string]V, len(keys))
	var mu sync.Mutex

	for _, chunk := range chunks(keys, e.maxBatch) {
		var wg sync.WaitGroup
		for _, key := range chunk {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				v, ok, err := e.getInner(ctx, key)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				out[key] = v
				mu.Unlock()
			}(key)
		}
		wg.Wait()
	}
	return out, nil
}

// SetMany stores every entry; failures are joined so one bad entry never
// hides the others.
func (e *engine[V]) SetMany(ctx context.Context, entries map[string]V, opts ...Option) error {
	if err := e.admit(ctx, "set", len(entries)); err != nil {
		return err
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	for _, chunk := range chunks(keys, e.maxBatch) {
		var wg sync.WaitGroup
		for _, key := range chunk {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				if err := e.setInner(ctx, key, entries[key], opts...); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("set %q: %w", key, err))
					mu.Unlock()
				}
			}(key)
		}
		wg.Wait()
	}
	return errors.Join(errs...)
}

// Batch executes operations chunk-by-chunk: chunks run sequentially,
// operations within a chunk run concurrently, and every outcome is captured
// independently.
func (e *engine[V]) Batch(ctx context.Context, ops []BatchOp[V], opts ...Option) []BatchResult[V] {
	co := applyOpts(opts)
	size := co.maxBatchSize
	if size <= 0 {
		size = e.maxBatch
	}

	results := make([]BatchResult[V], len(ops))
	if err := e.admit(ctx, "batch", len(ops)); err != nil {
		for i, op := range ops {
			results[i] = BatchResult[V]{Kind: op.Kind, Key: op.Key, Err: err}
		}
		return results
	}

	for start := 0; start < len(ops); start += size {
		end := start + size
		if end > len(ops) {
			end = len(ops)
		}
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = e.runBatchOp(ctx, ops[i], opts)
			}(i)
		}
		wg.Wait()
	}
	return results
}

func (e *engine[V]) runBatchOp(ctx context.Context, op BatchOp[V], opts []Option) BatchResult[V] {
	res := BatchResult[V]{Kind: op.Kind, Key: op.Key}
	switch op.Kind {
	case BatchGet:
		v, ok, err := e.getInner(ctx, op.Key)
		res.Value, res.Found, res.Err = v, ok, err
	case BatchSet:
		res.Err = e.setInner(ctx, op.Key, op.Value, opts...)
	case BatchDelete:
		ok := e.dropEverywhere(ctx, op.Key)
		res.Found = ok
	default:
		res.Err = fmt.Errorf("tiercache: unknown batch op %d", op.Kind)
	}
	return res
}

func chunks(keys []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var out [][]string
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		out = append(out, keys[start:end])
	}
	return out
}
