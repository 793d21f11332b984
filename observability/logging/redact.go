package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"orderid":   {},
	"txhash":    {},
	"status":    {},
}

// IsAllowlisted reports whether key is exempt from redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns an attribute safe to log under key. Allowlisted keys pass
// through, hex account addresses are shortened and everything else is
// replaced with RedactedValue.
func MaskField(key, value string) slog.Attr {
	switch {
	case strings.TrimSpace(value) == "" || IsAllowlisted(key):
		return slog.String(key, value)
	case isHexAddress(value):
		return slog.String(key, MaskAddress(value))
	default:
		return slog.String(key, RedactedValue)
	}
}

func isHexAddress(value string) bool {
	v := strings.TrimSpace(value)
	if len(v) != 42 || !strings.HasPrefix(strings.ToLower(v), "0x") {
		return false
	}
	for _, c := range v[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// MaskEmail keeps the first character of the local part and the domain, which
// is enough to correlate support tickets without logging the address.
func MaskEmail(email string) string {
	trimmed := strings.TrimSpace(email)
	local, domain, ok := strings.Cut(trimmed, "@")
	if !ok || local == "" || domain == "" {
		if trimmed == "" {
			return trimmed
		}
		return RedactedValue
	}
	return local[:1] + "***@" + domain
}

// MaskAddress shortens a hex account address to its first and last four
// characters.
func MaskAddress(addr string) string {
	trimmed := strings.TrimSpace(addr)
	if len(trimmed) <= 12 {
		return trimmed
	}
	return trimmed[:6] + "…" + trimmed[len(trimmed)-4:]
}
