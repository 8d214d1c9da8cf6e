// ABOUTME: Generic memoizing factory keyed by one or two comparable parameters
// ABOUTME: Caches credentials, clients, and codecs; construction errors are never cached

package paramcache

import (
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Cache memoizes values produced by a construction function, one per key.
// Keys are compared with ==, so they must be value types.
//
// A value is constructed at most once per key after the first successful
// call. Concurrent first access for the same key is collapsed into one
// construction; callers must still not depend on exactly-once side effects
// during construction.
type Cache[K comparable, V any] struct {
	build func(K) (V, error)

	values sync.Map // K -> V
	group  singleflight.Group

	// flights maps each key to its singleflight key. Keys equal under ==
	// share a flight and unequal keys never do.
	flights  sync.Map // K -> string
	nextSlot atomic.Uint64
}

// New creates a single-key cache around build.
func New[K comparable, V any](build func(K) (V, error)) *Cache[K, V] {
	return &Cache[K, V]{build: build}
}

// Get returns the cached value for key, constructing it if absent.
// Construction errors propagate and are not cached.
func (c *Cache[K, V]) Get(key K) (V, error) {
	if v, ok := c.values.Load(key); ok {
		return v.(V), nil
	}

	v, err, _ := c.group.Do(c.flightKey(key), func() (any, error) {
		if v, ok := c.values.Load(key); ok {
			return v, nil
		}
		built, err := c.build(key)
		if err != nil {
			return nil, err
		}
		actual, _ := c.values.LoadOrStore(key, built)
		return actual, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

func (c *Cache[K, V]) flightKey(key K) string {
	if fk, ok := c.flights.Load(key); ok {
		return fk.(string)
	}
	fk, _ := c.flights.LoadOrStore(key, strconv.FormatUint(c.nextSlot.Add(1), 10))
	return fk.(string)
}

// Invalidate drops the cached value for key. The next Get rebuilds it.
func (c *Cache[K, V]) Invalidate(key K) {
	c.values.Delete(key)
}

// Len returns the number of cached values.
func (c *Cache[K, V]) Len() int {
	n := 0
	c.values.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// pair is the composite key of a two-parameter cache.
type pair[K1, K2 comparable] struct {
	k1 K1
	k2 K2
}

// Cache2 memoizes values keyed by two parameters.
type Cache2[K1, K2 comparable, V any] struct {
	inner *Cache[pair[K1, K2], V]
}

// New2 creates a two-key cache around build.
func New2[K1, K2 comparable, V any](build func(K1, K2) (V, error)) *Cache2[K1, K2, V] {
	return &Cache2[K1, K2, V]{
		inner: New(func(p pair[K1, K2]) (V, error) {
			return build(p.k1, p.k2)
		}),
	}
}

// Get returns the cached value for (k1, k2), constructing it if absent.
func (c *Cache2[K1, K2, V]) Get(k1 K1, k2 K2) (V, error) {
	return c.inner.Get(pair[K1, K2]{k1: k1, k2: k2})
}

// Invalidate drops the cached value for (k1, k2).
func (c *Cache2[K1, K2, V]) Invalidate(k1 K1, k2 K2) {
	c.inner.Invalidate(pair[K1, K2]{k1: k1, k2: k2})
}

// Len returns the number of cached values.
func (c *Cache2[K1, K2, V]) Len() int {
	return c.inner.Len()
}
