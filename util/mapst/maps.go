// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package mapst holds small generic helpers for maps keyed by ordered types.
package mapst

import (
	"cmp"
	"slices"
)

// Keys returns the keys of m in unspecified order.
func Keys[K comparable, V any, M ~map[K]V](m M) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[K cmp.Ordered, V any, M ~map[K]V](m M) []K {
	out := Keys(m)
	slices.Sort(out)
	return out
}

// Missing returns the keys of a that b lacks, in ascending order.
func Missing[K cmp.Ordered, V, W any, A ~map[K]V, B ~map[K]W](a A, b B) []K {
	var out []K
	for k := range a {
		if _, ok := b[k]; !ok {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}
