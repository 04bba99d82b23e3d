package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder written in place of sensitive fields:
// payment headers, authorization signatures and wallet key material must
// never reach the logs.
const RedactedValue = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"payment":       {},
	"x-payment":     {},
	"signature":     {},
	"authorization": {},
	"wallet_key":    {},
	"api_key":       {},
}

// IsSensitive reports whether a log key must be masked.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns a slog.Attr with the value replaced when the key is
// sensitive. Empty values pass through so absent fields stay readable.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
