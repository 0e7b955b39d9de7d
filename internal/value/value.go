// Package value is the dynamically-typed tree used for document bodies.
//
// Upstream documents have no fixed schema beyond a few fields, so bodies are
// held as a tagged variant instead of a struct. Values are immutable: every
// mutating helper returns a modified copy and leaves the receiver untouched.
package value

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// Kind is the variant tag of a Value.
type Kind uint8

const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

// String returns the JSON name of the kind.
func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a JSON-like tree node. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    json.Number
	s    string
	arr  []Value
	obj  map[string]Value
}

// Path addresses a nested object field, outermost key first.
type Path []string

// ParsePath splits a dotted path such as "metadata.scales".
func ParsePath(s string) Path {
	if s == "" {
		return nil
	}
	return Path(strings.Split(s, "."))
}

// String joins the path with dots.
func (p Path) String() string { return strings.Join(p, ".") }

// ErrNotObject is returned when a path operation meets a non-object node.
var ErrNotObject = errors.New("value: not an object")

// NullValue returns JSON null, the zero Value.
func NullValue() Value { return Value{} }

// BoolValue wraps b.
func BoolValue(b bool) Value { return Value{kind: Bool, b: b} }

// StringValue wraps s.
func StringValue(s string) Value { return Value{kind: String, s: s} }

// IntValue returns the number i.
func IntValue(i int64) Value {
	return Value{kind: Number, n: json.Number(strconv.FormatInt(i, 10))}
}

// FloatValue returns the number f in its shortest decimal form.
func FloatValue(f float64) Value {
	return Value{kind: Number, n: json.Number(strconv.FormatFloat(f, 'g', -1, 64))}
}

// NumberValue wraps a decimal literal. The literal is not validated.
func NumberValue(n json.Number) Value { return Value{kind: Number, n: n} }

// ArrayValue returns an array holding a copy of items.
func ArrayValue(items ...Value) Value {
	arr := make([]Value, len(items))
	copy(arr, items)
	return Value{kind: Array, arr: arr}
}

// ObjectValue returns an object holding a copy of fields.
func ObjectValue(fields map[string]Value) Value {
	obj := make(map[string]Value, len(fields))
	for k, v := range fields {
		obj[k] = v
	}
	return Value{kind: Object, obj: obj}
}

// Kind reports which variant v holds.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is JSON null.
func (v Value) IsNull() bool { return v.kind == Null }

// IsObject reports whether v is an object.
func (v Value) IsObject() bool { return v.kind == Object }

// AsBool returns the boolean held by v, or false when v is not a Bool.
func (v Value) AsBool() (bool, bool) {
	if v.kind != Bool {
		return false, false
	}
	return v.b, true
}

// AsString returns the string held by v, or false when v is not a String.
func (v Value) AsString() (string, bool) {
	if v.kind != String {
		return "", false
	}
	return v.s, true
}

// AsInt64 returns v as an integer when it is a Number that fits.
func (v Value) AsInt64() (int64, bool) {
	if v.kind != Number {
		return 0, false
	}
	i, err := v.n.Int64()
	if err != nil {
		return 0, false
	}
	return i, true
}

// AsFloat64 returns v as a float when it is a Number.
func (v Value) AsFloat64() (float64, bool) {
	if v.kind != Number {
		return 0, false
	}
	f, err := v.n.Float64()
	if err != nil {
		return 0, false
	}
	return f, true
}

// Len reports the number of elements of an array or fields of an object.
func (v Value) Len() int {
	switch v.kind {
	case Array:
		return len(v.arr)
	case Object:
		return len(v.obj)
	}
	return 0
}

// Index returns the i'th array element.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != Array || i < 0 || i >= len(v.arr) {
		return Value{}, false
	}
	return v.arr[i], true
}

// Field returns the named field of an object.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != Object {
		return Value{}, false
	}
	f, ok := v.obj[key]
	return f, ok
}

// Keys returns the object's field names in sorted order.
func (v Value) Keys() []string {
	if v.kind != Object {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup follows path through nested objects.
func (v Value) Lookup(path Path) (Value, bool) {
	cur := v
	for _, key := range path {
		next, ok := cur.Field(key)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// With returns a copy of the object with key set to field.
func (v Value) With(key string, field Value) (Value, error) {
	if v.kind != Object {
		return Value{}, fmt.Errorf("set %q: %w", key, ErrNotObject)
	}
	out := v.shallowCopy()
	out.obj[key] = field
	return out, nil
}

// WithPath sets a nested field, creating intermediate objects where the path
// is absent or null.
func (v Value) WithPath(path Path, field Value) (Value, error) {
	if len(path) == 0 {
		return field, nil
	}
	if v.kind == Null {
		v = ObjectValue(nil)
	}
	if v.kind != Object {
		return Value{}, fmt.Errorf("set %s: %w", path, ErrNotObject)
	}
	child, _ := v.Field(path[0])
	updated, err := child.WithPath(path[1:], field)
	if err != nil {
		return Value{}, err
	}
	return v.With(path[0], updated)
}

// Without returns a copy with the field at path removed. Missing paths and
// paths crossing non-object nodes leave the value unchanged.
func (v Value) Without(path Path) Value {
	if len(path) == 0 || v.kind != Object {
		return v
	}
	child, ok := v.obj[path[0]]
	if !ok {
		return v
	}
	out := v.shallowCopy()
	if len(path) == 1 {
		delete(out.obj, path[0])
		return out
	}
	out.obj[path[0]] = child.Without(path[1:])
	return out
}

// WithoutAll removes every path in turn.
func (v Value) WithoutAll(paths []Path) Value {
	for _, p := range paths {
		v = v.Without(p)
	}
	return v
}

func (v Value) shallowCopy() Value {
	obj := make(map[string]Value, len(v.obj)+1)
	for k, f := range v.obj {
		obj[k] = f
	}
	return Value{kind: Object, obj: obj}
}

// Equal reports deep equality. Object key order never matters and numbers
// compare by numeric value, so 1 and 1.0 are equal.
func Equal(a, b Value) bool {
	return Contains(a, b) && Contains(b, a)
}

// Contains reports whether sub is structurally contained in sup: every field
// of a sub object must be present in the sup object and contained there.
// Arrays must have the same length and be contained element by element;
// scalars must be equal.
func Contains(sup, sub Value) bool {
	if sup.kind != sub.kind {
		return false
	}
	switch sub.kind {
	case Null:
		return true
	case Bool:
		return sup.b == sub.b
	case String:
		return sup.s == sub.s
	case Number:
		return numbersEqual(sup.n, sub.n)
	case Array:
		if len(sup.arr) != len(sub.arr) {
			return false
		}
		for i := range sub.arr {
			if !Contains(sup.arr[i], sub.arr[i]) {
				return false
			}
		}
		return true
	case Object:
		for k, sf := range sub.obj {
			pf, ok := sup.obj[k]
			if !ok || !Contains(pf, sf) {
				return false
			}
		}
		return true
	}
	return false
}

func numbersEqual(a, b json.Number) bool {
	if a == b {
		return true
	}
	if ai, err := a.Int64(); err == nil {
		if bi, err := b.Int64(); err == nil {
			return ai == bi
		}
	}
	af, _, errA := big.ParseFloat(string(a), 10, 256, big.ToNearestEven)
	bf, _, errB := big.ParseFloat(string(b), 10, 256, big.ToNearestEven)
	if errA != nil || errB != nil {
		return false
	}
	return af.Cmp(bf) == 0
}

// Parse decodes a JSON document into a Value.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Value{}, fmt.Errorf("value: decode: %w", err)
	}
	if dec.More() {
		return Value{}, errors.New("value: trailing data after document")
	}
	return FromAny(raw)
}

// FromAny converts the output of encoding/json (with or without UseNumber)
// into a Value.
func FromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return NullValue(), nil
	case bool:
		return BoolValue(t), nil
	case string:
		return StringValue(t), nil
	case json.Number:
		return NumberValue(t), nil
	case float64:
		return FloatValue(t), nil
	case int:
		return IntValue(int64(t)), nil
	case int64:
		return IntValue(t), nil
	case []any:
		arr := make([]Value, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			arr[i] = v
		}
		return Value{kind: Array, arr: arr}, nil
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			obj[k] = v
		}
		return Value{kind: Object, obj: obj}, nil
	case Value:
		return t, nil
	}
	return Value{}, fmt.Errorf("value: unsupported type %T", raw)
}

// Canonical returns the canonical serialization: compact JSON with object
// keys sorted and integral numbers printed without exponent or fraction.
func (v Value) Canonical() []byte {
	var buf bytes.Buffer
	v.writeCanonical(&buf)
	return buf.Bytes()
}

func (v Value) writeCanonical(buf *bytes.Buffer) {
	switch v.kind {
	case Null:
		buf.WriteString("null")
	case Bool:
		buf.WriteString(strconv.FormatBool(v.b))
	case Number:
		buf.WriteString(canonicalNumber(v.n))
	case String:
		writeString(buf, v.s)
	case Array:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			item.writeCanonical(buf)
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		for i, k := range v.Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			v.obj[k].writeCanonical(buf)
		}
		buf.WriteByte('}')
	}
}

func canonicalNumber(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	if f, err := n.Float64(); err == nil && f == float64(int64(f)) && f < 1e15 && f > -1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	if n == "" {
		return "0"
	}
	return string(n)
}

func writeString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	// Encode appends a newline.
	buf.Truncate(buf.Len() - 1)
}

// MarshalJSON emits the canonical serialization.
func (v Value) MarshalJSON() ([]byte, error) {
	return v.Canonical(), nil
}

// UnmarshalJSON parses data with Parse.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// String returns the canonical serialization.
func (v Value) String() string { return string(v.Canonical()) }
