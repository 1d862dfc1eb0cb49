package tiercache

import (
	"context"
)

// InvalidateByTag deletes every key carrying tag. Provider deletes are
// best-effort fan-out; the metadata entries are removed regardless.
func (e *engine[V]) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	if err := e.admit(ctx, "invalidate", 1); err != nil {
		return 0, err
	}
	return e.invalidateKeys(ctx, "tag", tag, e.idx.FindByTag(tag)), nil
}

// InvalidateByPrefix deletes every key starting with prefix.
func (e *engine[V]) InvalidateByPrefix(ctx context.Context, prefix string) (int, error) {
	if err := e.admit(ctx, "invalidate", 1); err != nil {
		return 0, err
	}
	return e.invalidateKeys(ctx, "prefix", prefix, e.idx.FindByPrefix(prefix)), nil
}

// DeleteByPattern deletes keys matching a regular expression. An invalid
// pattern degrades to literal-prefix matching; it never fails the call.
func (e *engine[V]) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	if err := e.admit(ctx, "invalidate", 1); err != nil {
		return 0, err
	}
	return e.invalidateKeys(ctx, "pattern", pattern, e.idx.FindByPattern(pattern)), nil
}

func (e *engine[V]) invalidateKeys(ctx context.Context, by, selector string, keys []string) int {
	for _, key := range keys {
		e.dropEverywhere(ctx, key)
	}
	if len(keys) > 0 {
		e.log.Debug("invalidated keys", Fields{"by": by, "selector": selector, "count": len(keys)})
		e.bus.Publish(Event{Kind: EventInvalidated, Op: "invalidate_" + by})
	}
	return len(keys)
}
