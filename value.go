package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrTypeMismatch is wrapped by every failed Value accessor. Callers that
// need to translate shape mismatches into protocol errors (the server router
// maps them to invalid-params) match it with errors.Is.
var ErrTypeMismatch = errors.New("value type mismatch")

// ValueKind enumerates the JSON shapes a Value can hold.
type ValueKind int

// Value kinds.
const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindDouble
	KindString
	KindArray
	KindObject
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a dynamically-typed JSON value. The protocol carries caller-defined
// payloads (request params, tool arguments, tool results) whose shape is not
// known to the engine; Value keeps them as an explicit sum type with fallible
// typed accessors instead of loose interface{} plumbing, so a shape mismatch
// surfaces as a typed error at the point of extraction.
//
// Values round-trip through JSON without loss: integers stay integers and are
// never silently widened to floats.
type Value struct {
	kind ValueKind

	boolVal  bool
	intVal   int64
	floatVal float64
	strVal   string
	arrVal   []Value
	objVal   map[string]Value
}

// NullValue returns the JSON null value.
func NullValue() Value { return Value{kind: KindNull} }

// BoolValue returns a boolean Value.
func BoolValue(b bool) Value { return Value{kind: KindBool, boolVal: b} }

// IntValue returns an integer Value.
func IntValue(i int64) Value { return Value{kind: KindInt, intVal: i} }

// FloatValue returns a double Value.
func FloatValue(f float64) Value { return Value{kind: KindDouble, floatVal: f} }

// StringValue returns a string Value.
func StringValue(s string) Value { return Value{kind: KindString, strVal: s} }

// ArrayValue returns an array Value holding the given elements.
func ArrayValue(elems ...Value) Value { return Value{kind: KindArray, arrVal: elems} }

// ObjectValue returns an object Value holding the given members.
func ObjectValue(members map[string]Value) Value { return Value{kind: KindObject, objVal: members} }

// Kind reports the JSON shape the value holds.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether the value is JSON null. The zero Value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) mismatch(want ValueKind) error {
	return fmt.Errorf("%w: want %s, got %s", ErrTypeMismatch, want, v.kind)
}

// AsBool extracts a boolean, failing when the value holds another shape.
func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, v.mismatch(KindBool)
	}
	return v.boolVal, nil
}

// AsInt extracts an integer, failing when the value holds another shape.
// Doubles are not silently truncated.
func (v Value) AsInt() (int64, error) {
	if v.kind != KindInt {
		return 0, v.mismatch(KindInt)
	}
	return v.intVal, nil
}

// AsFloat extracts a floating-point number. Integers widen losslessly.
func (v Value) AsFloat() (float64, error) {
	switch v.kind {
	case KindDouble:
		return v.floatVal, nil
	case KindInt:
		return float64(v.intVal), nil
	default:
		return 0, v.mismatch(KindDouble)
	}
}

// AsString extracts a string, failing when the value holds another shape.
func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", v.mismatch(KindString)
	}
	return v.strVal, nil
}

// AsArray extracts the array elements, failing when the value holds another shape.
func (v Value) AsArray() ([]Value, error) {
	if v.kind != KindArray {
		return nil, v.mismatch(KindArray)
	}
	return v.arrVal, nil
}

// AsObject extracts the object members, failing when the value holds another shape.
func (v Value) AsObject() (map[string]Value, error) {
	if v.kind != KindObject {
		return nil, v.mismatch(KindObject)
	}
	return v.objVal, nil
}

func (v Value) String() string {
	bs, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<invalid value: %v>", err)
	}
	return string(bs)
}

// MarshalJSON encodes the value as plain JSON.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.boolVal)
	case KindInt:
		return json.Marshal(v.intVal)
	case KindDouble:
		return json.Marshal(v.floatVal)
	case KindString:
		return json.Marshal(v.strVal)
	case KindArray:
		if v.arrVal == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.arrVal)
	case KindObject:
		if v.objVal == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.objVal)
	default:
		return nil, fmt.Errorf("unknown value kind: %d", v.kind)
	}
}

// UnmarshalJSON decodes arbitrary JSON into the sum type. Numbers without a
// fraction or exponent decode as integers, everything else as doubles.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	val, err := valueFromAny(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

func valueFromAny(raw any) (Value, error) {
	switch raw := raw.(type) {
	case nil:
		return NullValue(), nil
	case bool:
		return BoolValue(raw), nil
	case json.Number:
		s := raw.String()
		if !strings.ContainsAny(s, ".eE") {
			i, err := raw.Int64()
			if err == nil {
				return IntValue(i), nil
			}
			// Out of int64 range, fall through to double.
		}
		f, err := raw.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", s, err)
		}
		return FloatValue(f), nil
	case string:
		return StringValue(raw), nil
	case []any:
		elems := make([]Value, 0, len(raw))
		for _, e := range raw {
			ev, err := valueFromAny(e)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, ev)
		}
		return ArrayValue(elems...), nil
	case map[string]any:
		members := make(map[string]Value, len(raw))
		for k, e := range raw {
			ev, err := valueFromAny(e)
			if err != nil {
				return Value{}, err
			}
			members[k] = ev
		}
		return ObjectValue(members), nil
	default:
		return Value{}, fmt.Errorf("unsupported JSON type: %T", raw)
	}
}
