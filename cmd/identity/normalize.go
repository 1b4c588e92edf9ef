package identity

import "strings"

// NormalizeEmail performs case-insensitive canonicalization.
// Only trim + lower-case; provider-specific rules (dots, plus tags) are not applied.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidEmail is a structural check, not deliverability.
func ValidEmail(s string) bool {
	s = NormalizeEmail(s)
	if len(s) < 3 || len(s) > 254 || strings.ContainsAny(s, " \t\r\n<>") {
		return false
	}
	at := strings.LastIndexByte(s, '@')
	return at > 0 && at < len(s)-1 && strings.Contains(s[at+1:], ".")
}
