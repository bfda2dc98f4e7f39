package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strings"
)

// ValidateParameters returns an error wrapping ErrUnrepresentable for the
// first parameter (in key order) that no store backend can encode.
func ValidateParameters(p Parameters) error {
	for _, k := range p.Keys() {
		if err := validateValue(p[k]); err != nil {
			return fmt.Errorf("parameter %q: %w", k, err)
		}
	}
	return nil
}

func validateValue(v any) error {
	switch x := v.(type) {
	case nil:
		return nil
	case json.Number, *big.Int:
		return fmt.Errorf("%w: %T", ErrUnrepresentable, v)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: %v", ErrUnrepresentable, x)
		}
		return nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return nil
	case reflect.Float32, reflect.Float64:
		if f := rv.Float(); math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: %v", ErrUnrepresentable, f)
		}
		return nil
	}
	return fmt.Errorf("%w: %T", ErrUnrepresentable, v)
}

// NormalizeParameters returns a copy of p where every unrepresentable value
// that has an exact integral (or, for json.Number, numeric) equivalent is
// coerced to it. Representable values are copied untouched. Values that cannot
// be coerced are kept so that a later insert still reports them.
func NormalizeParameters(p Parameters) Parameters {
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	if validateValue(v) == nil {
		return v
	}

	switch x := v.(type) {
	case json.Number:
		if n, ok := numberValue(x); ok {
			if f, isFloat := n.(float64); !isFloat || !math.IsInf(f, 0) {
				return n
			}
		}
		return v
	case *big.Int:
		if x != nil && x.IsInt64() {
			return x.Int64()
		}
		return v
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if u := rv.Uint(); u <= math.MaxInt64 {
			return int64(u)
		}
	}
	return v
}

// numberValue reads a JSON number by its lexical form: a fraction or exponent
// means float64, otherwise int64. Integers outside int64 fall back to float64.
func numberValue(n json.Number) (any, bool) {
	if !strings.ContainsAny(string(n), ".eE") {
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	if f, err := n.Float64(); err == nil {
		return f, true
	}
	return nil, false
}

// CanonicalValue maps a decoded store value onto the canonical Go types:
// integers become int64, floats become float64, nested maps and slices are
// converted recursively. Values read back from any backend go through it so
// callers see the same types regardless of the store.
func CanonicalValue(v any) any {
	switch x := v.(type) {
	case nil, bool, string, int64, float64:
		return v
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case json.Number:
		if n, ok := numberValue(x); ok {
			return n
		}
		return x.String()
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = CanonicalValue(vv)
		}
		return out
	case Parameters:
		return map[string]any(CanonicalParameters(x))
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = CanonicalValue(vv)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if u := rv.Uint(); u <= math.MaxInt64 {
			return int64(u)
		}
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	}
	return v
}

// CanonicalParameters applies CanonicalValue to every parameter.
func CanonicalParameters(p Parameters) Parameters {
	if p == nil {
		return Parameters{}
	}
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = CanonicalValue(v)
	}
	return out
}
