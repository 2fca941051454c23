package main

import (
	"fmt"
)

// scopeKey is the reserved filter key carrying a subscriber's scope. It is
// injected by the server on both sides of a match; inbound filters and
// publish criteria that try to set it themselves are rejected so a client
// cannot spoof its way into another scope.
const scopeKey = "service"

// filter maps attribute keys to string, float64, or bool values. Every JSON
// number decodes to float64, so equality between filters is plain interface
// equality: a numeric 1 never equals the string "1".
type filter map[string]any

// validateFilter checks that f is a usable attribute map: non-nil, no empty
// keys, no reserved key, and only scalar values that support equality.
func validateFilter(f filter) error {
	if f == nil {
		return fmt.Errorf("filter must be an object")
	}
	for key, value := range f {
		if key == "" {
			return fmt.Errorf("filter keys must be non-empty strings")
		}
		if key == scopeKey {
			return fmt.Errorf("filter key %q is reserved", scopeKey)
		}
		switch value.(type) {
		case string, float64, bool:
		default:
			return fmt.Errorf("filter value for %q must be a string, number, or bool", key)
		}
	}
	return nil
}

// matches reports whether every key in criteria is present in f with an
// equal value. Extra keys in f are ignored; empty criteria matches any
// filter. Equality is type-sensitive.
func matches(f, criteria filter) bool {
	for key, want := range criteria {
		got, ok := f[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// withScope returns a copy of f with the scope folded in under the reserved
// key, so scope restriction and attribute criteria share one matching rule.
// The input is never modified.
func withScope(scope string, f filter) filter {
	complete := make(filter, len(f)+1)
	for key, value := range f {
		complete[key] = value
	}
	complete[scopeKey] = scope
	return complete
}
