// Package attr holds the typed attribute values carried by principals,
// resources and query plan literals.
//
// The set of kinds is closed (string, number, bool, string list) so that
// every consumer can switch over it exhaustively.
package attr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
)

type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindBool
	KindStringList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindStringList:
		return "string_list"
	default:
		return "invalid"
	}
}

var ErrUnsupportedValue = errors.New("attr: unsupported value")

// Value is an immutable attribute value. The zero Value is invalid.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []string
}

func String(s string) Value { return Value{kind: KindString, str: s} }

func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func StringList(items ...string) Value {
	return Value{kind: KindStringList, list: slices.Clone(items)}
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsValid() bool  { return v.kind != KindInvalid }
func (v Value) Str() string    { return v.str }
func (v Value) Num() float64   { return v.num }
func (v Value) BoolVal() bool  { return v.b }
func (v Value) List() []string { return slices.Clone(v.list) }

// Len returns the number of list items, or 0 for scalars.
func (v Value) Len() int { return len(v.list) }

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindStringList:
		return slices.Equal(v.list, o.list)
	default:
		return true
	}
}

// Contains reports whether a string list holds s. Scalars never contain.
func (v Value) Contains(s string) bool {
	return v.kind == KindStringList && slices.Contains(v.list, s)
}

// Native converts the value into a plain Go value (string, float64, bool or
// []string). Invalid values map to nil.
func (v Value) Native() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindStringList:
		return slices.Clone(v.list)
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return strconv.Quote(v.str)
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindStringList:
		return fmt.Sprintf("%q", v.list)
	default:
		return "<invalid>"
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindStringList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	default:
		return nil, ErrUnsupportedValue
	}
}

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return ErrUnsupportedValue
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var x bool
		if err := json.Unmarshal(b, &x); err != nil {
			return err
		}
		*v = Bool(x)
	case '[':
		var items []any
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		list := make([]string, 0, len(items))
		for _, it := range items {
			s, ok := it.(string)
			if !ok {
				return fmt.Errorf("%w: list items must be strings", ErrUnsupportedValue)
			}
			list = append(list, s)
		}
		*v = Value{kind: KindStringList, list: list}
	case 'n':
		return fmt.Errorf("%w: null", ErrUnsupportedValue)
	case '{':
		return fmt.Errorf("%w: object", ErrUnsupportedValue)
	default:
		var n float64
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*v = Number(n)
	}
	return nil
}

// FromNative converts plain Go values into a Value. Integers are widened to
// float64; []any is accepted when every item is a string.
func FromNative(x any) (Value, error) {
	switch t := x.(type) {
	case Value:
		if !t.IsValid() {
			return Value{}, ErrUnsupportedValue
		}
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Number(n), nil
	case []string:
		return StringList(t...), nil
	case []any:
		list := make([]string, 0, len(t))
		for _, it := range t {
			s, ok := it.(string)
			if !ok {
				return Value{}, fmt.Errorf("%w: %T in list", ErrUnsupportedValue, it)
			}
			list = append(list, s)
		}
		return Value{kind: KindStringList, list: list}, nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, x)
	}
}

// Map is an attribute bag keyed by attribute name.
type Map map[string]Value

func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys returns the attribute names in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Native converts every value with Value.Native.
func (m Map) Native() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Native()
	}
	return out
}

// MapFromNative converts a plain map, failing on the first unsupported value.
func MapFromNative(in map[string]any) (Map, error) {
	out := make(Map, len(in))
	for k, x := range in {
		v, err := FromNative(x)
		if err != nil {
			return nil, fmt.Errorf("attr %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}
