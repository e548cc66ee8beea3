package domain

import (
	"fmt"
	"strconv"
)

// ValueKind discriminates the variants of an observation value.
type ValueKind string

const (
	ValueNumeric    ValueKind = "NUMERIC"
	ValueText       ValueKind = "TEXT"
	ValueBoolean    ValueKind = "BOOLEAN"
	ValueStructured ValueKind = "STRUCTURED"
)

// ObservationValue is the tagged-union value of a clinical observation.
// The variant is resolved exactly once, when the observation is ingested;
// the engine never re-inspects raw payloads. A structured value may carry a
// numeric component (for example a blood-pressure reading keeping systolic as
// its primary numeric), resolved at construction via the "numeric" key.
type ObservationValue struct {
	Kind    ValueKind      `json:"kind"`
	Number  float64        `json:"number,omitempty"`
	Text    string         `json:"text,omitempty"`
	Bool    bool           `json:"bool,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`

	hasNumber bool
}

// NumericValue builds a numeric observation value.
func NumericValue(n float64) ObservationValue {
	return ObservationValue{Kind: ValueNumeric, Number: n, hasNumber: true}
}

// TextValue builds a text observation value.
func TextValue(s string) ObservationValue {
	return ObservationValue{Kind: ValueText, Text: s}
}

// BoolValue builds a boolean observation value.
func BoolValue(b bool) ObservationValue {
	return ObservationValue{Kind: ValueBoolean, Bool: b}
}

// StructuredValue builds a structured observation value. If the payload
// carries a "numeric" entry convertible to float64, it becomes the value's
// numeric component so numeric rules can evaluate structured observations.
func StructuredValue(payload map[string]any) ObservationValue {
	v := ObservationValue{Kind: ValueStructured, Payload: payload}
	if raw, ok := payload["numeric"]; ok {
		switch n := raw.(type) {
		case float64:
			v.Number = n
			v.hasNumber = true
		case int:
			v.Number = float64(n)
			v.hasNumber = true
		case int64:
			v.Number = float64(n)
			v.hasNumber = true
		}
	}
	return v
}

// Numeric returns the numeric component of the value and whether one exists.
// Only numeric values, and structured values carrying a numeric component,
// have one; text and boolean values do not.
func (v ObservationValue) Numeric() (float64, bool) {
	if v.Kind == ValueNumeric || (v.Kind == ValueStructured && v.hasNumber) {
		return v.Number, true
	}
	return 0, false
}

// EqualsText reports whether the value matches a textual threshold. Text
// values compare directly, booleans compare against "true"/"false". Numeric
// and structured values never match a textual threshold.
func (v ObservationValue) EqualsText(threshold string) bool {
	switch v.Kind {
	case ValueText:
		return v.Text == threshold
	case ValueBoolean:
		return strconv.FormatBool(v.Bool) == threshold
	default:
		return false
	}
}

// IsValid reports whether the value kind is known.
func (v ObservationValue) IsValid() bool {
	switch v.Kind {
	case ValueNumeric, ValueText, ValueBoolean, ValueStructured:
		return true
	default:
		return false
	}
}

// String renders the value for alert messages and logs.
func (v ObservationValue) String() string {
	switch v.Kind {
	case ValueNumeric:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case ValueText:
		return v.Text
	case ValueBoolean:
		return strconv.FormatBool(v.Bool)
	case ValueStructured:
		if v.hasNumber {
			return strconv.FormatFloat(v.Number, 'f', -1, 64)
		}
		return fmt.Sprintf("%v", v.Payload)
	default:
		return ""
	}
}
