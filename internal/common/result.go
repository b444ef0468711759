package common

import "sort"

// IndexedResult is the outcome of one unit of parallel work. Index preserves
// the input position, since workers finish in any order.
type IndexedResult[T any] struct {
	Value T
	Err   error
	Index int
}

// SortByIndex restores input order in place.
func SortByIndex[T any](results []IndexedResult[T]) {
	sort.Slice(results, func(i, j int) bool {
		return results[i].Index < results[j].Index
	})
}

// FirstError returns the error of the lowest-indexed failed result, so the
// reported failure does not depend on scheduling.
func FirstError[T any](results []IndexedResult[T]) error {
	var (
		first error
		at    = -1
	)
	for _, r := range results {
		if r.Err != nil && (at < 0 || r.Index < at) {
			first, at = r.Err, r.Index
		}
	}
	return first
}
