package util

import (
	"html"
	"strings"
	"unicode/utf8"
)

// SanitizeInput trims and escapes free-form text supplied by clients, such
// as a session termination reason, and bounds its length in runes.
func SanitizeInput(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if maxLen > 0 && utf8.RuneCountInString(s) > maxLen {
		s = string([]rune(s)[:maxLen])
	}
	return html.EscapeString(s)
}

// ContainsSuspicious reports markup or template fragments that have no
// business in an audit reason or label.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<", ">", "${", "{{", "script", "onerror", "onload"} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}
