package telegram

import (
	"strings"
	"unicode/utf8"
)

// Telegram rejects messages over 4096 characters.
const textLimit = 4000

// splitText cuts s into chunks of at most limit runes. A chunk ends at its
// last newline when that keeps at least a third of the limit.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	var out []string
	for utf8.RuneCountInString(s) > limit {
		cut := runeOffset(s, limit)
		if nl := strings.LastIndexByte(s[:cut], '\n'); nl > 0 && utf8.RuneCountInString(s[:nl]) >= limit/3 {
			cut = nl + 1
		}
		out = append(out, strings.TrimRight(s[:cut], "\n"))
		s = strings.TrimLeft(s[cut:], "\n")
	}
	if s != "" || len(out) == 0 {
		out = append(out, s)
	}
	return out
}

// runeOffset returns the byte offset just past the first n runes of s.
func runeOffset(s string, n int) int {
	for i := range s {
		if n == 0 {
			return i
		}
		n--
	}
	return len(s)
}
