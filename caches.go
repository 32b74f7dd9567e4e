package dbusrpc

import (
	"errors"
	"sync"
)

// errNotFound is returned by cache.Get for keys that have never been
// stored.
var errNotFound = errors.New("cache entry not found")

type cacheEntry[V any] struct {
	val V
	err error
}

// cache is a concurrency-safe memo of computed values, including
// failed computations.
//
// Concurrent computations of the same key may race to store their
// result. Results are pure functions of the key, so the race is
// benign.
type cache[K comparable, V any] struct {
	m sync.Map
}

// Get returns the value or error stored for k, or errNotFound if k
// has not been computed.
func (c *cache[K, V]) Get(k K) (V, error) {
	ent, ok := c.m.Load(k)
	if !ok {
		var zero V
		return zero, errNotFound
	}
	e := ent.(cacheEntry[V])
	return e.val, e.err
}

// Set stores a computed value for k.
func (c *cache[K, V]) Set(k K, v V) {
	c.m.Store(k, cacheEntry[V]{val: v})
}

// SetErr records that computing the value for k failed with err.
func (c *cache[K, V]) SetErr(k K, err error) {
	c.m.Store(k, cacheEntry[V]{err: err})
}
