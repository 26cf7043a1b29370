// Package orderedmap provides a map datastructure that can be iterated in
// insertion order.
package orderedmap

import "container/list"

type Map[K comparable, V any] struct {
	order   *list.List
	m       map[K]*list.Element
	zeroval V
}

type entry[K comparable, V any] struct {
	key K
	val V
}

func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		order: list.New(),
		m:     map[K]*list.Element{},
	}
}

// Set adds val to the map if key does not exist yet.
// If the key already exists, its value is replaced, keeping the original
// position.
func (m *Map[K, V]) Set(key K, val V) {
	if elem, exist := m.m[key]; exist {
		elem.Value = entry[K, V]{key: key, val: val}
		return
	}

	m.m[key] = m.order.PushBack(entry[K, V]{key: key, val: val})
}

// Get returns the value for the given key.
// If the key does not exist, the zero value is returned.
func (m *Map[K, V]) Get(key K) (V, bool) {
	v, exist := m.m[key]
	if !exist {
		return m.zeroval, false
	}

	return v.Value.(entry[K, V]).val, true
}

func (m *Map[K, V]) Contains(key K) bool {
	_, exist := m.m[key]
	return exist
}

func (m *Map[K, V]) Len() int {
	return m.order.Len()
}

// Foreach iterates through the map in insertion order.
// When fn returns false the iteration is aborted.
func (m *Map[K, V]) Foreach(fn func(K, V) bool) {
	for e := m.order.Front(); e != nil; e = e.Next() {
		ent := e.Value.(entry[K, V])
		if !fn(ent.key, ent.val) {
			return
		}
	}
}

// Keys returns a new slice containing the keys of the map in insertion
// order.
func (m *Map[K, V]) Keys() []K {
	result := make([]K, 0, m.order.Len())

	for e := m.order.Front(); e != nil; e = e.Next() {
		result = append(result, e.Value.(entry[K, V]).key)
	}

	return result
}

// Clone returns a shallow copy preserving the insertion order.
func (m *Map[K, V]) Clone() *Map[K, V] {
	result := New[K, V]()

	m.Foreach(func(k K, v V) bool {
		result.Set(k, v)
		return true
	})

	return result
}
