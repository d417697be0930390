package point

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the value domain of a point.
type Kind int

const (
	// KindDigital values are booleans.
	KindDigital Kind = iota + 1
	// KindAnalog values are bounded numeric readings.
	KindAnalog
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindDigital:
		return "digital"
	case KindAnalog:
		return "analog"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a sealed interface over the two point value domains.
// Only Digital and Analog implement it. A nil Value is "unknown".
type Value interface {
	pointValue()
	Kind() Kind
	String() string
}

// Digital is the value of a digital input or output.
type Digital bool

func (Digital) pointValue() {}

// Kind returns KindDigital.
func (Digital) Kind() Kind { return KindDigital }

func (d Digital) String() string { return strconv.FormatBool(bool(d)) }

// Analog is the value of an analog input or output, in engineering
// units when the backend resolves them, raw scale otherwise.
type Analog float64

func (Analog) pointValue() {}

// Kind returns KindAnalog.
func (Analog) Kind() Kind { return KindAnalog }

func (a Analog) String() string { return strconv.FormatFloat(float64(a), 'g', -1, 64) }

// Equal reports whether two values are identical. Two unknown values are equal.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

// Native converts a Value to a plain Go value (bool, float64 or nil)
// for encoding.
func Native(v Value) any {
	switch val := v.(type) {
	case Digital:
		return bool(val)
	case Analog:
		return float64(val)
	default:
		return nil
	}
}

// FromNative converts a decoded document value (bool, any integer or float)
// into a Value. nil maps to an unknown (nil) Value.
func FromNative(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return Digital(val), nil
	case int:
		return Analog(float64(val)), nil
	case int64:
		return Analog(float64(val)), nil
	case uint64:
		return Analog(float64(val)), nil
	case float32:
		return checkFinite(float64(val))
	case float64:
		return checkFinite(val)
	case Digital:
		return val, nil
	case Analog:
		return checkFinite(float64(val))
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func checkFinite(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("analog value must be finite, got %v", f)
	}
	return Analog(f), nil
}

// ParseValue parses a textual value for the given kind.
// Digital accepts true/false, 1/0, on/off, high/low (case-insensitive).
func ParseValue(s string, k Kind) (Value, error) {
	s = strings.TrimSpace(s)
	switch k {
	case KindDigital:
		switch strings.ToLower(s) {
		case "true", "1", "on", "high":
			return Digital(true), nil
		case "false", "0", "off", "low":
			return Digital(false), nil
		}
		return nil, fmt.Errorf("invalid digital value %q", s)
	case KindAnalog:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid analog value %q: %w", s, err)
		}
		return checkFinite(f)
	default:
		return nil, fmt.Errorf("unknown value kind %v", k)
	}
}

// Zero returns the zero value of a kind: false or 0.
func Zero(k Kind) Value {
	if k == KindAnalog {
		return Analog(0)
	}
	return Digital(false)
}

// Format renders a possibly unknown value for humans.
func Format(v Value) string {
	if v == nil {
		return "unknown"
	}
	return v.String()
}
