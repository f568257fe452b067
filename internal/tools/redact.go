package tools

import (
	"encoding/json"
	"strings"
)

// RedactionMarker replaces any value whose serialized form carries sensitive
// material. Redaction is all-or-nothing: the whole field is replaced, never
// partially scrubbed, so a marker in output can always be trusted to mean
// "nothing sensitive survived".
const RedactionMarker = "[REDACTED]"

// sensitiveKeywords is the fixed detector set, matched case-insensitively
// against serialized values.
var sensitiveKeywords = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"credential",
	"authorization",
	"private_key",
	"ssn",
}

// ContainsSensitive reports whether s contains any sensitive keyword,
// case-insensitively.
func ContainsSensitive(s string) bool {
	lower := strings.ToLower(s)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// RedactText replaces the entire text with the marker when its content
// matches the detector. Used for tool results before they leave the registry.
func RedactText(s string) string {
	if ContainsSensitive(s) {
		return RedactionMarker
	}
	return s
}

// RedactValue serializes v and, on a keyword match anywhere in the serialized
// form, returns the marker string in place of the whole value. Used for tool
// inputs before they are forwarded as activity params or log fields.
func RedactValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	serialized, err := json.Marshal(v)
	if err != nil {
		// Unserializable values are assumed sensitive.
		return RedactionMarker
	}
	if ContainsSensitive(string(serialized)) {
		return RedactionMarker
	}
	return v
}
