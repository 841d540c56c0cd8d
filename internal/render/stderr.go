package render

import "unicode/utf8"

// TailStderr keeps the last n bytes of s, starting on a rune boundary.
func TailStderr(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
