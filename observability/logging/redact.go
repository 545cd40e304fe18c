package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces any attribute value the kernel will not emit in
// clear text, such as the admin HMAC secret or a raw signing key.
const RedactedValue = "[REDACTED]"

// Keys the kernel daemon emits in clear text. Everything else passed through
// MaskField is treated as secret material.
var redactionAllowlist = map[string]struct{}{
	"service":      {},
	"env":          {},
	"message":      {},
	"severity":     {},
	"timestamp":    {},
	"error":        {},
	"reason":       {},
	"component":    {},
	"operation":    {},
	"receipt_type": {},
	"window_id":    {},
	"agent_id":     {},
}

// IsAllowlisted reports whether key may be logged without masking.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// RedactionAllowlist returns a sorted copy of the clear-text log keys, so
// tests can pin the set and catch accidental widening.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue masks a non-empty value. Empty values pass through so a log line
// still shows that the field was unset.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a slog.Attr for a possibly-secret field. Allowlisted keys
// and empty values pass through; anything else is masked. The daemon uses it
// to log the presence of the admin secret without the secret itself.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
