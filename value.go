package edgetwin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Value is the atomic unit of information exchanged with a remote twin. It
// holds one structured value (object, array, string, number, boolean, or
// null) in its canonical JSON form, decoupled from whichever Go type produced
// it.
//
// The zero Value is the null value. Values are immutable; share them freely.
//
// Two values are compared with Equal, which is structural: object key order
// and number formatting on the wire never influence the result. This property
// is what makes the reported cache safe to use for diff suppression.
type Value struct {
	raw json.RawMessage
}

// Null returns the null Value, used to signal "clear/remove this property" to
// the remote store.
func Null() Value {
	return Value{}
}

// NewValue returns a Value holding the canonical form of v.
//
// If v is already a Value it is returned unchanged.
func NewValue(v any) (Value, error) {
	if x, ok := v.(Value); ok {
		return x, nil
	}
	p, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("marshal value: %w", err)
	}
	return Value{raw: p}, nil
}

// MustValue is like NewValue but panics if v cannot be represented. Use it
// for literals in controller code and tests.
func MustValue(v any) Value {
	x, err := NewValue(v)
	if err != nil {
		panic(fmt.Sprintf("edgetwin: un-representable value (type %T): %v", v, err))
	}
	return x
}

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool {
	return len(v.raw) == 0 || bytes.Equal(v.raw, []byte("null"))
}

// Decode unmarshals the value into the given destination, which follows the
// usual encoding/json conventions.
func (v Value) Decode(into any) error {
	if len(v.raw) == 0 {
		return json.Unmarshal([]byte("null"), into)
	}
	return json.Unmarshal(v.raw, into)
}

// Equal reports whether v and o hold structurally equal values.
//
// The comparison decodes both sides and compares the resulting trees, so two
// encodings of the same object compare equal regardless of key order or
// whitespace.
func (v Value) Equal(o Value) bool {
	if v.IsNull() || o.IsNull() {
		return v.IsNull() == o.IsNull()
	}
	// Fast path: identical canonical bytes are always equal.
	if bytes.Equal(v.raw, o.raw) {
		return true
	}
	var a, b any
	if err := json.Unmarshal(v.raw, &a); err != nil {
		return false
	}
	if err := json.Unmarshal(o.raw, &b); err != nil {
		return false
	}
	// Both trees consist of map[string]any, []any, float64, string, bool and
	// nil only, for which reflect.DeepEqual implements structural equality.
	return reflect.DeepEqual(a, b)
}

// String returns the canonical JSON encoding, for logs and error messages.
func (v Value) String() string {
	if v.IsNull() {
		return "null"
	}
	return string(v.raw)
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if len(v.raw) == 0 {
		return []byte("null"), nil
	}
	return v.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(p []byte) error {
	if !json.Valid(p) {
		return fmt.Errorf("invalid value encoding: %q", p)
	}
	v.raw = append(v.raw[:0], p...)
	return nil
}

// GobEncode implements gob.GobEncoder so that values travel inside
// StateChanged notifications.
func (v Value) GobEncode() ([]byte, error) {
	return v.MarshalJSON()
}

// GobDecode implements gob.GobDecoder.
func (v *Value) GobDecode(p []byte) error {
	return v.UnmarshalJSON(p)
}
