package syncmap

import "sync"

// Map is a mutex-guarded generic map for small shared tables where the
// sync.Map trade-offs (interface boxing, no len) aren't worth it.
type Map[K comparable, V any] struct {
	mut  sync.RWMutex
	data map[K]V
}

func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{data: make(map[K]V)}
}

func (m *Map[K, V]) Put(key K, val V) {
	m.mut.Lock()
	m.data[key] = val
	m.mut.Unlock()
}

func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mut.RLock()
	val, exists := m.data[key]
	m.mut.RUnlock()

	return val, exists
}

// Pop removes key and returns the value it held, if any.
func (m *Map[K, V]) Pop(key K) (V, bool) {
	m.mut.Lock()
	val, exists := m.data[key]
	if exists {
		delete(m.data, key)
	}
	m.mut.Unlock()

	return val, exists
}

func (m *Map[K, V]) Delete(keys ...K) {
	m.mut.Lock()
	for _, key := range keys {
		delete(m.data, key)
	}
	m.mut.Unlock()
}

func (m *Map[K, V]) Len() int {
	m.mut.RLock()
	defer m.mut.RUnlock()

	return len(m.data)
}

func (m *Map[K, V]) Keys() []K {
	m.mut.RLock()
	defer m.mut.RUnlock()

	keys := make([]K, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}

	return keys
}

// Range calls fn for each entry under the read lock. fn must not call back
// into the map.
func (m *Map[K, V]) Range(fn func(key K, val V) bool) {
	m.mut.RLock()
	defer m.mut.RUnlock()

	for key, val := range m.data {
		if !fn(key, val) {
			return
		}
	}
}
