// Package decodecache memoizes instruction decoding by address (spec C2):
// one decode per unique map_base+offs across the whole run, destroyed once
// in teardown.
package decodecache

import "sync"

// Cache maps a decode address to a retained decoded-instruction handle of
// type V. It grows monotonically for the life of a run and never evicts:
// spec §3's lifecycle requires "the decode cache grows monotonically
// across the whole run," and §8's testable invariant — exactly one decode
// per unique map_base+offs for the whole run — does not hold under any
// bounded, evicting store. Destroy is invoked on every entry exactly once,
// at teardown.
type Cache[V any] struct {
	mu      sync.Mutex
	m       map[uint64]V
	destroy func(V)
}

// New builds a decode cache with the given payload destructor, called once
// per entry in Close.
func New[V any](destroy func(V)) *Cache[V] {
	return &Cache[V]{m: make(map[uint64]V), destroy: destroy}
}

// Get returns the cached value for decodePC, if present.
func (c *Cache[V]) Get(decodePC uint64) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[decodePC]
	return v, ok
}

// Put inserts or replaces the cached value for decodePC. Callers must only
// call this after a Get miss, preserving the one-decode-per-pc invariant.
func (c *Cache[V]) Put(decodePC uint64, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[decodePC] = v
}

// Len returns the number of cached entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

// Close destroys every cached payload via the configured destructor and
// empties the cache. Safe to call once at converter teardown.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroy != nil {
		for _, v := range c.m {
			c.destroy(v)
		}
	}
	c.m = make(map[uint64]V)
}
