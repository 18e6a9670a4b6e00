package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PerpIndexer/internal/core"
	"PerpIndexer/internal/state"
	"PerpIndexer/internal/store"
)

const entityPrefix = "perp:entity:"

func entityKey(kind state.Kind, id string) string {
	return entityPrefix + string(kind) + ":" + id
}

// EntityCache mirrors committed entities into Redis as JSON under
// perp:entity:{kind}:{id}. It is fed by the projection worker after each
// commit, so it never holds uncommitted state. The store stays the source
// of truth: a lost update only costs a cache miss once the ttl expires.
type EntityCache struct {
	kv  KV
	ttl time.Duration
}

func NewEntityCache(kv KV, ttl time.Duration) *EntityCache {
	return &EntityCache{kv: kv, ttl: ttl}
}

func (c *EntityCache) Name() string { return "redis_entities" }

// Project writes every entity of an applied event.
func (c *EntityCache) Project(ctx context.Context, res core.Result) error {
	var errs []error
	for _, e := range res.Entities {
		// Event logs and applied pages are engine bookkeeping read back
		// from the store only.
		if k := e.EntityKind(); k == state.KindEventLog || k == state.KindAppliedPage {
			continue
		}
		if err := c.put(ctx, e.EntityKind(), e.EntityID(), e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *EntityCache) put(ctx context.Context, kind state.Kind, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", kind, id, err)
	}
	return c.kv.Set(ctx, entityKey(kind, id), data, c.ttl)
}

// Get decodes a cached entity into dst. It returns ErrMiss when absent.
func (c *EntityCache) Get(ctx context.Context, kind state.Kind, id string, dst any) error {
	data, err := c.kv.Get(ctx, entityKey(kind, id))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal %s/%s: %w", kind, id, err)
	}
	return nil
}

// Invalidate drops cached entities, e.g. after a rebuild.
func (c *EntityCache) Invalidate(ctx context.Context, kind state.Kind, ids ...string) error {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = entityKey(kind, id)
	}
	return c.kv.Del(ctx, keys...)
}

// fill caches a value read from the store only if the key is still absent,
// so a read that raced a newer projected write cannot overwrite it.
func (c *EntityCache) fill(ctx context.Context, kind state.Kind, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", kind, id, err)
	}
	_, err = c.kv.SetNX(ctx, entityKey(kind, id), data, c.ttl)
	return err
}

// CachedReader is a read-through store.Reader: point reads check the cache
// first and fall back to the primary store, populating the cache on a hit.
// Range reads (List) always go to the primary.
type CachedReader struct {
	primary store.Reader
	cache   *EntityCache
}

func NewCachedReader(primary store.Reader, cache *EntityCache) *CachedReader {
	return &CachedReader{primary: primary, cache: cache}
}

func (r *CachedReader) Get(ctx context.Context, kind state.Kind, id string, dst any) (bool, error) {
	if err := r.cache.Get(ctx, kind, id, dst); err == nil {
		return true, nil
	}

	found, err := r.primary.Get(ctx, kind, id, dst)
	if err != nil || !found {
		return found, err
	}
	// Best effort: a failed fill is just another miss next time.
	_ = r.cache.fill(ctx, kind, id, dst)
	return true, nil
}

func (r *CachedReader) List(ctx context.Context, kind state.Kind, prefix string) ([]store.Record, error) {
	return r.primary.List(ctx, kind, prefix)
}

var _ store.Reader = (*CachedReader)(nil)
