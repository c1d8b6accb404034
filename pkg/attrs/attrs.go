// Package attrs reads slog-style key/value lists ([k1, v1, k2, v2, ...]),
// the shape services use for both log lines and audit events.
package attrs

import "fmt"

// Lookup returns the value paired with the last occurrence of key, so a
// later pair overrides an earlier one as it would in a log line.
func Lookup(attrs []any, key string) (any, bool) {
	var (
		found any
		ok    bool
	)
	for i := 0; i+1 < len(attrs); i += 2 {
		if k, isString := attrs[i].(string); isString && k == key {
			found, ok = attrs[i+1], true
		}
	}
	return found, ok
}

// String renders the value under key. Typed identifiers are rendered
// through fmt.Stringer; anything else that is not a string yields "".
func String(attrs []any, key string) string {
	v, ok := Lookup(attrs, key)
	if !ok {
		return ""
	}
	switch v := v.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}
