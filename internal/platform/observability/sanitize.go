package observability

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// sanitizeString drops control characters other than whitespace and truncates to limit runes so
// request supplied values cannot forge log lines.
func sanitizeString(value string, limit int) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == utf8.RuneError || (unicode.IsControl(r) && !unicode.IsSpace(r)) {
			return -1
		}
		return r
	}, value)
	if utf8.RuneCountInString(cleaned) <= limit {
		return cleaned
	}
	runes := []rune(cleaned)
	return string(runes[:limit])
}

// SanitizeRoute cleans a route or path for logging.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod cleans an HTTP method for logging.
func SanitizeMethod(method string) string {
	return sanitizeString(strings.ToUpper(method), 10)
}

// SanitizeUserID cleans a customer or Firebase uid for logging.
func SanitizeUserID(uid string) string {
	return sanitizeString(uid, 64)
}
