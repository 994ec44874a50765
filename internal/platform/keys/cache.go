package keys

import "sync"

// cache is a lock-protected map. Last writer wins.
type cache[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

func newCache[V any]() *cache[V] {
	return &cache[V]{items: make(map[string]V)}
}

func (c *cache[V]) Get(id string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[id]
	return v, ok
}

func (c *cache[V]) Set(id string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[id] = v
}

func (c *cache[V]) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
}
