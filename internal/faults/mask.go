package faults

import (
	"regexp"
)

// sensitiveKey matches field names whose values must never reach a log line
// or an error envelope.
var sensitiveKey = regexp.MustCompile(`(?i)(password|token|secret|key|authorization)`)

// sensitiveInline matches key/value shapes embedded in free-form text, e.g.
// `token=abc123` or `"password": "hunter2"`.
var sensitiveInline = regexp.MustCompile(`(?i)((?:password|token|secret|api[-_]?key|authorization)["']?\s*[:=]\s*)("[^"]*"|'[^']*'|\S+)`)

// MaskedValue replaces a sensitive value in logs and envelopes.
const MaskedValue = "***MASKED***"

// IsSensitiveKey reports whether a field name looks like a credential.
func IsSensitiveKey(key string) bool {
	return sensitiveKey.MatchString(key)
}

// MaskString redacts inline credential values in free-form text.
func MaskString(s string) string {
	return sensitiveInline.ReplaceAllString(s, "${1}"+MaskedValue)
}

// MaskMap returns a copy of m with sensitive values replaced. Nested maps are
// masked recursively; the input is not modified.
func MaskMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = MaskedValue
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			out[k] = MaskMap(val)
		case string:
			out[k] = MaskString(val)
		default:
			out[k] = v
		}
	}
	return out
}
