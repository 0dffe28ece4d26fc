package gvariant

import (
	"errors"
	"fmt"
	"sync"
)

var errNotFound = errors.New("cache entry not found")

// cache is a concurrency-safe memo of computed results, including
// failed computations.
type cache[K comparable, V any] struct {
	m sync.Map
}

type cacheEntry[V any] struct {
	val V
	err error
}

// Get returns the cached value or error for k. If k is not cached,
// Get returns errNotFound.
func (c *cache[K, V]) Get(k K) (V, error) {
	ent, ok := c.m.Load(k)
	if !ok {
		var zero V
		return zero, errNotFound
	}
	e, ok := ent.(cacheEntry[V])
	if !ok {
		panic(fmt.Sprintf("mystery value %v (%T) in cache", ent, ent))
	}
	return e.val, e.err
}

// Set records a successful result for k.
func (c *cache[K, V]) Set(k K, v V) {
	c.m.Store(k, cacheEntry[V]{val: v})
}

// SetErr records a failed result for k.
func (c *cache[K, V]) SetErr(k K, err error) {
	c.m.Store(k, cacheEntry[V]{err: err})
}
