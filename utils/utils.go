package utils

// Map2 converts a slice element by element.
func Map2[T any, T2 any](items []T, convertFn func(T) T2) []T2 {
	result := make([]T2, len(items))
	for i, item := range items {
		result[i] = convertFn(item)
	}
	return result
}

// Filter keeps the items for which keep returns true.
func Filter[T any](items []T, keep func(T) bool) []T {
	result := make([]T, 0, len(items))
	for _, item := range items {
		if keep(item) {
			result = append(result, item)
		}
	}
	return result
}
