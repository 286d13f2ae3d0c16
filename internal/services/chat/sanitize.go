package chat

import (
	"strings"
	"unicode"
)

// SanitizeText removes control characters other than newlines and tabs,
// trims surrounding space and cuts the result to maxRunes. Markup is kept
// as literal text; views escape it when rendering.
func SanitizeText(input string, maxRunes int) string {
	if input == "" {
		return ""
	}
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, input)
	cleaned = strings.TrimSpace(cleaned)
	if maxRunes > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxRunes {
			cleaned = strings.TrimSpace(string(runes[:maxRunes]))
		}
	}
	return cleaned
}
