package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// -------------------------------------------------------------------------
// Value Coercion
// -------------------------------------------------------------------------

// MQTT payloads are weakly typed: a state may arrive as "ON", true, or 1
// depending on the publisher. Everything is canonicalized at the edge
// into a closed sum so weak values never reach the Registry.

// ErrBadValue is returned when a payload value cannot be coerced.
var ErrBadValue = errors.New("unsupported value")

// ValueKind discriminates the Value sum.
type ValueKind uint8

const (
	// KindBool holds a boolean.
	KindBool ValueKind = iota + 1

	// KindInt holds a signed integer.
	KindInt

	// KindString holds a string.
	KindString
)

// Value is the closed sum produced by Coerce.
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	s    string
}

// BoolValue wraps a bool.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// IntValue wraps an integer.
func IntValue(i int64) Value { return Value{kind: KindInt, i: i} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{kind: KindString, s: s} }

// Kind returns the sum discriminator.
func (v Value) Kind() ValueKind { return v.kind }

// Coerce converts a decoded JSON value (bool, number, or string) into
// the closed sum. Fractional numbers, nulls, arrays, and objects are
// rejected.
func Coerce(raw any) (Value, error) {
	switch t := raw.(type) {
	case bool:
		return BoolValue(t), nil
	case string:
		return StringValue(t), nil
	case float64:
		if t != float64(int64(t)) {
			return Value{}, fmt.Errorf("%w: non-integer number %v", ErrBadValue, t)
		}
		return IntValue(int64(t)), nil
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: number %q", ErrBadValue, t.String())
		}
		return IntValue(i), nil
	case int:
		return IntValue(int64(t)), nil
	case int64:
		return IntValue(t), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrBadValue, raw)
	}
}

// Int extracts an integer, converting string digits and booleans.
func (v Value) Int() (int64, error) {
	switch v.kind {
	case KindInt:
		return v.i, nil
	case KindBool:
		if v.b {
			return 1, nil
		}
		return 0, nil
	case KindString:
		i, err := strconv.ParseInt(strings.TrimSpace(v.s), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer", ErrBadValue, v.s)
		}
		return i, nil
	default:
		return 0, ErrBadValue
	}
}

// CanonicalState canonicalizes a power-state value to {0, 1}. Accepted
// spellings: booleans; integers 0/1; the strings on/off, true/false,
// 1/0 (any case). Everything else is rejected.
func (v Value) CanonicalState() (uint8, error) {
	switch v.kind {
	case KindBool:
		if v.b {
			return 1, nil
		}
		return 0, nil
	case KindInt:
		switch v.i {
		case 0:
			return 0, nil
		case 1:
			return 1, nil
		}
		return 0, fmt.Errorf("%w: state %d outside {0,1}", ErrBadValue, v.i)
	case KindString:
		switch strings.ToLower(strings.TrimSpace(v.s)) {
		case "on", "true", "1":
			return 1, nil
		case "off", "false", "0":
			return 0, nil
		}
		return 0, fmt.Errorf("%w: state %q", ErrBadValue, v.s)
	default:
		return 0, ErrBadValue
	}
}
