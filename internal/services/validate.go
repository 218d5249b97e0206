package services

import (
	"fmt"
	"strings"
)

// fieldRule describes one field of a collection.
type fieldRule struct {
	name     string
	required bool
	check    func(v interface{}) error
}

// rules builds a Validator from field rules. On partial writes required
// fields may be absent but, when present, must still pass their check.
func rules(fields ...fieldRule) Validator {
	return func(values map[string]interface{}, partial bool) error {
		if partial && len(values) == 0 {
			return fmt.Errorf("no changes")
		}
		for _, f := range fields {
			v, ok := values[f.name]
			if !ok || v == nil {
				if f.required && !partial {
					return fmt.Errorf("%s is required", f.name)
				}
				if ok && f.required {
					return fmt.Errorf("%s cannot be cleared", f.name)
				}
				continue
			}
			if err := f.check(v); err != nil {
				return fmt.Errorf("%s: %w", f.name, err)
			}
		}
		return nil
	}
}

func nonEmptyString(v interface{}) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("must be a string")
	}
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("must not be empty")
	}
	return nil
}

func anyString(v interface{}) error {
	if _, ok := v.(string); !ok {
		return fmt.Errorf("must be a string")
	}
	return nil
}

func oneOf(values ...string) func(interface{}) error {
	return func(v interface{}) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("must be a string")
		}
		for _, allowed := range values {
			if s == allowed {
				return nil
			}
		}
		return fmt.Errorf("must be one of %s", strings.Join(values, ", "))
	}
}

// toFloat accepts the numeric types produced by encoding/json and msgpack.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	}
	return 0, false
}

func nonNegative(v interface{}) error {
	n, ok := toFloat(v)
	if !ok {
		return fmt.Errorf("must be a number")
	}
	if n < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

func positiveInt(v interface{}) error {
	n, ok := toFloat(v)
	if !ok {
		return fmt.Errorf("must be a number")
	}
	if n < 1 || n != float64(int64(n)) {
		return fmt.Errorf("must be a positive whole number")
	}
	return nil
}
