// Package set provides a minimal set datastructure.
package set

type Set[T comparable] map[T]struct{}

func From[T comparable](sl []T) Set[T] {
	result := make(Set[T], len(sl))

	for _, elem := range sl {
		result[elem] = struct{}{}
	}

	return result
}

func (s Set[T]) Contains(v T) bool {
	_, exist := s[v]
	return exist
}

func (s Set[T]) Add(v T) {
	s[v] = struct{}{}
}

func (s Set[T]) Remove(v T) {
	delete(s, v)
}

func (s Set[T]) Clone() Set[T] {
	result := make(Set[T], len(s))

	for k := range s {
		result[k] = struct{}{}
	}

	return result
}

func (s Set[T]) AsSlice() []T {
	result := make([]T, 0, len(s))

	for k := range s {
		result = append(result, k)
	}

	return result
}
