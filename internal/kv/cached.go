package kv

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedStore is a write-through LRU in front of a slower backend. Only hits are
// cached; absent keys always go to the backend.
type CachedStore struct {
	backend Store
	cache   *lru.Cache[string, []byte]
}

func NewCachedStore(backend Store, maxKeys int) (*CachedStore, error) {
	if maxKeys <= 0 {
		maxKeys = 4096
	}
	c, err := lru.New[string, []byte](maxKeys)
	if err != nil {
		return nil, err
	}
	return &CachedStore{backend: backend, cache: c}, nil
}

func (c *CachedStore) Get(ctx context.Context, key string) ([]byte, error) {
	if v, ok := c.cache.Get(key); ok {
		return clone(v), nil
	}
	v, err := c.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, clone(v))
	return v, nil
}

func (c *CachedStore) Set(ctx context.Context, key string, value []byte) error {
	if err := c.backend.Set(ctx, key, value); err != nil {
		c.cache.Remove(key)
		return err
	}
	c.cache.Add(key, clone(value))
	return nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
