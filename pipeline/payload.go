/*
payload.go - Opaque structured values for event payloads and offer rules

PURPOSE:
  Event payloads and offer validation rules are never interpreted by the
  pipeline, only stored and returned. Value is a small tagged union of
  null / bool / number / string / list / object that round-trips through
  JSON without losing numeric precision (numbers are decimals).

EXAMPLE:
  payload := pipeline.ObjectValue(map[string]pipeline.Value{
      "ip":    pipeline.StringValue("203.0.113.7"),
      "email": pipeline.OptString(""), // null
  })
*/
package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
)

// ValueKind is the tag of a Value.
type ValueKind uint8

const (
	ValueNull ValueKind = iota
	ValueBool
	ValueNumber
	ValueString
	ValueList
	ValueObject
)

func (k ValueKind) String() string {
	switch k {
	case ValueNull:
		return "null"
	case ValueBool:
		return "bool"
	case ValueNumber:
		return "number"
	case ValueString:
		return "string"
	case ValueList:
		return "list"
	case ValueObject:
		return "object"
	}
	return "unknown(" + strconv.Itoa(int(k)) + ")"
}

// Value is an immutable structured value. The zero Value is null.
type Value struct {
	kind ValueKind
	b    bool
	n    decimal.Decimal
	s    string
	list []Value
	obj  map[string]Value
}

func NullValue() Value { return Value{} }
func BoolValue(b bool) Value { return Value{kind: ValueBool, b: b} }
func NumberValue(n decimal.Decimal) Value { return Value{kind: ValueNumber, n: n} }
func StringValue(s string) Value { return Value{kind: ValueString, s: s} }

func ListValue(items ...Value) Value {
	return Value{kind: ValueList, list: append([]Value(nil), items...)}
}

func ObjectValue(fields map[string]Value) Value {
	obj := make(map[string]Value, len(fields))
	for k, v := range fields {
		obj[k] = v
	}
	return Value{kind: ValueObject, obj: obj}
}

// OptString is StringValue, or null when s is empty.
func OptString(s string) Value {
	if s == "" {
		return NullValue()
	}
	return StringValue(s)
}

// OptNumber is NumberValue, or null when n is nil.
func OptNumber(n *decimal.Decimal) Value {
	if n == nil {
		return NullValue()
	}
	return NumberValue(*n)
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool { return v.kind == ValueNull }

func (v Value) Bool() (bool, bool) { return v.b, v.kind == ValueBool }
func (v Value) Number() (decimal.Decimal, bool) { return v.n, v.kind == ValueNumber }
func (v Value) Str() (string, bool) { return v.s, v.kind == ValueString }

// Items returns a copy of a list's elements.
func (v Value) Items() []Value {
	if v.kind != ValueList {
		return nil
	}
	return append([]Value(nil), v.list...)
}

// Field returns an object's field.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != ValueObject {
		return Value{}, false
	}
	f, ok := v.obj[name]
	return f, ok
}

// Keys returns an object's keys in sorted order.
func (v Value) Keys() []string {
	if v.kind != ValueObject {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len is the number of list items or object fields.
func (v Value) Len() int {
	switch v.kind {
	case ValueList:
		return len(v.list)
	case ValueObject:
		return len(v.obj)
	}
	return 0
}

// Equal reports deep equality. Numbers compare by value.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case ValueNull:
		return true
	case ValueBool:
		return v.b == o.b
	case ValueNumber:
		return v.n.Equal(o.n)
	case ValueString:
		return v.s == o.s
	case ValueList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case ValueObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, a := range v.obj {
			b, ok := o.obj[k]
			if !ok || !a.Equal(b) {
				return false
			}
		}
		return true
	}
	return false
}

// =============================================================================
// JSON
// =============================================================================

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case ValueNull:
		return []byte("null"), nil
	case ValueBool:
		return json.Marshal(v.b)
	case ValueNumber:
		return []byte(v.n.String()), nil
	case ValueString:
		return json.Marshal(v.s)
	case ValueList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case ValueObject:
		if v.obj == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.obj)
	}
	return nil, fmt.Errorf("marshal value: unknown kind %s", v.kind)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FromAny converts a decoded JSON tree (as produced by encoding/json with
// UseNumber, or plain Go numbers) into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return NullValue(), nil
	case bool:
		return BoolValue(t), nil
	case string:
		return StringValue(t), nil
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return Value{}, fmt.Errorf("number %q: %w", t, err)
		}
		return NumberValue(d), nil
	case float64:
		return NumberValue(decimal.NewFromFloat(t)), nil
	case int:
		return NumberValue(decimal.NewFromInt(int64(t))), nil
	case int64:
		return NumberValue(decimal.NewFromInt(t)), nil
	case decimal.Decimal:
		return NumberValue(t), nil
	case Value:
		return t, nil
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			item, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			items[i] = item
		}
		return Value{kind: ValueList, list: items}, nil
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, e := range t {
			item, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			obj[k] = item
		}
		return Value{kind: ValueObject, obj: obj}, nil
	}
	return Value{}, fmt.Errorf("unsupported payload type %T", x)
}

// ParseValue decodes a JSON document into a Value. Empty input is null.
func ParseValue(data []byte) (Value, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return NullValue(), nil
	}
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return Value{}, err
	}
	return v, nil
}
