package textutil

// Truncate shortens value to at most limit characters. It never splits a multi-byte character,
// which keeps the result valid for utf8mb4 VARCHAR columns sized in characters.
func Truncate(value string, limit int) string {
	if limit <= 0 {
		return ""
	}
	count := 0
	for i := range value {
		if count == limit {
			return value[:i]
		}
		count++
	}
	return value
}
