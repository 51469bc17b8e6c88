package audit

import (
	"encoding/json"
	"strings"

	"github.com/soledgic/soledgic/internal/shared"
)

const (
	redacted       = "[REDACTED]"
	maxStringLen   = 512
	maxRedactDepth = 6
)

// Substring matches; short identifiers are matched exactly instead.
var sensitiveFragments = []string{
	"password", "secret", "token", "api_key", "apikey", "authorization",
	"account_number", "routing_number", "iban", "card_number", "tax_id",
	"date_of_birth", "email", "phone",
}

var sensitiveExact = map[string]struct{}{
	"ssn": {}, "tin": {}, "cvv": {}, "cvc": {}, "pin": {}, "dob": {}, "card": {},
}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	if _, ok := sensitiveExact[k]; ok {
		return true
	}
	for _, s := range sensitiveFragments {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// RedactJSON decodes raw and returns a redacted copy. Non-object bodies are
// summarised rather than stored.
func RedactJSON(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return map[string]any{"_unparsed_bytes": len(raw)}
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return map[string]any{"_non_object": true}
	}
	return Redact(obj)
}

// Redact masks PII and credential fields and truncates long strings.
func Redact(body map[string]any) map[string]any {
	out, _ := redactValue(body, 0).(map[string]any)
	if out == nil {
		return map[string]any{}
	}
	return out
}

func redactValue(v any, depth int) any {
	if depth > maxRedactDepth {
		return "[TRUNCATED]"
	}
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if isSensitive(k) {
				out[k] = redacted
				continue
			}
			out[k] = redactValue(inner, depth+1)
		}
		return out
	case []any:
		out := make([]any, 0, len(val))
		for _, inner := range val {
			out = append(out, redactValue(inner, depth+1))
		}
		return out
	case string:
		if len(val) > maxStringLen {
			return shared.Truncate(val, maxStringLen) + "..."
		}
		return val
	default:
		return val
	}
}
