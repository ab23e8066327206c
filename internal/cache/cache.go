// Package cache is a read-through cache keyed by record id. Values are
// handed out as copies so callers can never mutate what another reader sees.
package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultSize = 1024

type LoadFunc[V any] func(ctx context.Context, key string) (V, error)

type Cache[V any] struct {
	lru   *lru.Cache[string, V]
	load  LoadFunc[V]
	clone func(V) V
}

// New builds a cache of at most size entries. size <= 0 uses DefaultSize.
func New[V any](size int, load LoadFunc[V], clone func(V) V) *Cache[V] {
	if size <= 0 {
		size = DefaultSize
	}
	l, err := lru.New[string, V](size)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &Cache[V]{lru: l, load: load, clone: clone}
}

// Get returns the cached value for key, loading it on a miss. Load errors
// are not cached.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		return c.clone(v), nil
	}
	v, err := c.load(ctx, key)
	if err != nil {
		var zero V
		return zero, err
	}
	c.lru.Add(key, c.clone(v))
	return v, nil
}

// Put replaces the cached value after a successful write.
func (c *Cache[V]) Put(key string, v V) {
	c.lru.Add(key, c.clone(v))
}

func (c *Cache[V]) Invalidate(key string) {
	c.lru.Remove(key)
}

func (c *Cache[V]) Purge() {
	c.lru.Purge()
}

func (c *Cache[V]) Len() int {
	return c.lru.Len()
}
