package util

// MapSlice converts []T to []K
func MapSlice[T any, K any](items []T, fn func(T) K) []K {
	result := make([]K, len(items))
	for i := range items {
		result[i] = fn(items[i])
	}

	return result
}
