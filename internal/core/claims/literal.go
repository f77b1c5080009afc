package claims

import "strings"

// IndexLiteral returns the byte offset of the first occurrence of literal in text that
// is not part of a larger number, or -1. "5%" does not match inside "95%" and "$1,234"
// does not match inside "$1,234,567.89".
func IndexLiteral(text, literal string) int {
	if literal == "" {
		return -1
	}
	for offset := 0; offset <= len(text)-len(literal); {
		i := strings.Index(text[offset:], literal)
		if i < 0 {
			return -1
		}
		start := offset + i
		end := start + len(literal)
		if !continuesBefore(text, start) && !continuesAfter(text, end) {
			return start
		}
		offset = start + 1
	}
	return -1
}

func continuesBefore(text string, start int) bool {
	if start == 0 {
		return false
	}
	prev := text[start-1]
	if isDigit(prev) {
		return true
	}
	return (prev == ',' || prev == '.') && start >= 2 && isDigit(text[start-2])
}

func continuesAfter(text string, end int) bool {
	if end >= len(text) {
		return false
	}
	next := text[end]
	if isDigit(next) {
		return true
	}
	return (next == ',' || next == '.') && end+1 < len(text) && isDigit(text[end+1])
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
