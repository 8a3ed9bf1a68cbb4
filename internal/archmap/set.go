package archmap

import (
	"cmp"
	"slices"
)

// The sets in a Map are sorted, duplicate-free slices. Insertion keeps
// them sorted so the serialized form never depends on observation order.

func insert[T cmp.Ordered](s []T, v T) []T {
	i, ok := slices.BinarySearch(s, v)
	if ok {
		return s
	}
	return slices.Insert(s, i, v)
}

func insertFunc[T any](s []T, v T, cmpFn func(T, T) int) []T {
	i, ok := slices.BinarySearchFunc(s, v, cmpFn)
	if ok {
		return s
	}
	return slices.Insert(s, i, v)
}

// union merges two sorted sets. The result is nil when both are empty.
func union[T cmp.Ordered](a, b []T) []T {
	return unionFunc(a, b, cmp.Compare[T])
}

func unionFunc[T any](a, b []T, cmpFn func(T, T) int) []T {
	var out []T
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch c := cmpFn(a[i], b[j]); {
		case c < 0:
			out = append(out, a[i])
			i++
		case c > 0:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

func contains[T cmp.Ordered](s []T, v T) bool {
	_, ok := slices.BinarySearch(s, v)
	return ok
}
