// Package attribute models the typed attribute values carried by change-stream images.
//
// A Value is a tagged union: exactly one of String, Number, List, Map, Bool or Null. Numbers stay
// in their textual form until a decoder parses them, so no precision is lost in transit.
// The JSON form follows the stream convention:
//
//	{"S": "E1"}            string
//	{"N": "1690000000000"} number
//	{"L": [{"N": "0.5"}]}  list
//	{"M": {"x": {"N": "1"}}} map
//	{"BOOL": true}         bool
//	{"NULL": true}         null
package attribute

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind identifies which variant of a Value is populated.
type Kind int

// Value kinds.
const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindList
	KindMap
	KindBool
	KindNull
)

var kindNames = map[Kind]string{
	KindInvalid: "invalid",
	KindString:  "S",
	KindNumber:  "N",
	KindList:    "L",
	KindMap:     "M",
	KindBool:    "BOOL",
	KindNull:    "NULL",
}

// String returns the wire tag of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Value is one attribute value. The zero Value is invalid.
type Value struct {
	kind Kind
	text string // S and N
	list []Value
	m    Map
	b    bool
}

// Map is a set of named attribute values, as found in a record image.
type Map map[string]Value

// String builds a string value.
func String(s string) Value { return Value{kind: KindString, text: s} }

// Number builds a number value from its textual form.
func Number(text string) Value { return Value{kind: KindNumber, text: text} }

// List builds a list value.
func List(items ...Value) Value { return Value{kind: KindList, list: items} }

// MapValue builds a map value.
func MapValue(m Map) Value { return Value{kind: KindMap, m: m} }

// Bool builds a bool value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Null builds a null value.
func Null() Value { return Value{kind: KindNull} }

// Kind returns the populated variant.
func (v Value) Kind() Kind { return v.kind }

// AsString returns the text of a string value.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.text, true
}

// AsNumber returns the text of a number value.
func (v Value) AsNumber() (string, bool) {
	if v.kind != KindNumber {
		return "", false
	}
	return v.text, true
}

// AsList returns the elements of a list value.
func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

// AsMap returns the entries of a map value.
func (v Value) AsMap() (Map, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

// AsBool returns the content of a bool value.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// Text returns the textual content of a string or number value.
func (v Value) Text() (string, bool) {
	if v.kind == KindString || v.kind == KindNumber {
		return v.text, true
	}
	return "", false
}

// Equal reports deep equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString, KindNumber:
		return v.text == o.text
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return v.m.Equal(o.m)
	default:
		return true
	}
}

// Equal reports deep equality of two maps.
func (m Map) Equal(o Map) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// GoString renders the value for test failure output.
func (v Value) GoString() string {
	switch v.kind {
	case KindString, KindNumber:
		return fmt.Sprintf("%s(%q)", v.kind, v.text)
	case KindBool:
		return fmt.Sprintf("BOOL(%t)", v.b)
	case KindNull:
		return "NULL"
	case KindList:
		var buf bytes.Buffer
		buf.WriteString("L[")
		for i, item := range v.list {
			if i > 0 {
				buf.WriteString(", ")
			}
			buf.WriteString(item.GoString())
		}
		buf.WriteString("]")
		return buf.String()
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteString("M{")
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(", ")
			}
			fmt.Fprintf(&buf, "%s: %s", k, v.m[k].GoString())
		}
		buf.WriteString("}")
		return buf.String()
	default:
		return "invalid"
	}
}

// MarshalJSON encodes the value with its single-key type tag.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(map[string]string{"S": v.text})
	case KindNumber:
		return json.Marshal(map[string]string{"N": v.text})
	case KindList:
		list := v.list
		if list == nil {
			list = []Value{}
		}
		return json.Marshal(map[string][]Value{"L": list})
	case KindMap:
		m := v.m
		if m == nil {
			m = Map{}
		}
		return json.Marshal(map[string]Map{"M": m})
	case KindBool:
		return json.Marshal(map[string]bool{"BOOL": v.b})
	case KindNull:
		return []byte(`{"NULL":true}`), nil
	default:
		return nil, fmt.Errorf("attribute: cannot marshal invalid value")
	}
}

// UnmarshalJSON decodes a single-key tagged value. Objects with zero or several tags are rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("attribute: value must be an object: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("attribute: value must carry exactly one type tag, got %d", len(raw))
	}

	for tag, body := range raw {
		switch tag {
		case "S", "N":
			var s string
			if err := json.Unmarshal(body, &s); err != nil {
				return fmt.Errorf("attribute: %s must be a string: %w", tag, err)
			}
			if tag == "S" {
				*v = String(s)
			} else {
				*v = Number(s)
			}
		case "L":
			var items []Value
			if err := json.Unmarshal(body, &items); err != nil {
				return fmt.Errorf("attribute: L: %w", err)
			}
			*v = List(items...)
		case "M":
			var m Map
			if err := json.Unmarshal(body, &m); err != nil {
				return fmt.Errorf("attribute: M: %w", err)
			}
			*v = MapValue(m)
		case "BOOL":
			var b bool
			if err := json.Unmarshal(body, &b); err != nil {
				return fmt.Errorf("attribute: BOOL: %w", err)
			}
			*v = Bool(b)
		case "NULL":
			*v = Null()
		default:
			return fmt.Errorf("attribute: unsupported type tag %q", tag)
		}
	}
	return nil
}
