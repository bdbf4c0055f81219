package maps

import (
	"sync/atomic"

	"github.com/cornelk/hashmap"
)

// CornelkMap implements ConcurrentMap on top of cornelk/hashmap, a lock-free
// map tuned for read-heavy access.
type CornelkMap[K Integer, V any] struct {
	m atomic.Pointer[hashmap.Map[K, V]]
}

// NewCornelkMap creates a new CornelkMap.
func NewCornelkMap[K Integer, V any]() ConcurrentMap[K, V] {
	c := &CornelkMap[K, V]{}
	c.m.Store(hashmap.New[K, V]())
	return c
}

func (c *CornelkMap[K, V]) Load(key K) (V, bool) { return c.m.Load().Get(key) }
func (c *CornelkMap[K, V]) Store(key K, value V) { c.m.Load().Set(key, value) }
func (c *CornelkMap[K, V]) Delete(key K)         { c.m.Load().Del(key) }
func (c *CornelkMap[K, V]) Len() int             { return c.m.Load().Len() }

// Clear swaps in an empty map; readers holding the old one finish on it.
func (c *CornelkMap[K, V]) Clear() { c.m.Store(hashmap.New[K, V]()) }

// LoadAndDelete is not atomic: a concurrent Store between Get and Del is lost.
func (c *CornelkMap[K, V]) LoadAndDelete(key K) (V, bool) {
	m := c.m.Load()
	val, ok := m.Get(key)
	if ok {
		m.Del(key)
	}
	return val, ok
}

// LoadOrStore may build a value that loses the insert race and is discarded.
func (c *CornelkMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool) {
	m := c.m.Load()
	if val, ok := m.Get(key); ok {
		return val, true
	}
	return m.GetOrInsert(key, valueFactory())
}

// Update is not atomic; callers needing atomic read-modify-write use xsync.
func (c *CornelkMap[K, V]) Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool)) {
	m := c.m.Load()
	val, exists := m.Get(key)
	newVal, keep := updateFunc(val, exists)
	if keep {
		m.Set(key, newVal)
	} else if exists {
		m.Del(key)
	}
}

func (c *CornelkMap[K, V]) Range(f func(key K, value V) bool) { c.m.Load().Range(f) }
