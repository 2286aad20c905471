package edgetwin_test

import (
	"bytes"
	"encoding/gob"
	"testing"

	. "github.com/bamajeed/edgetwin"
)

func TestValueEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{
			name: "identical scalars",
			a:    MustValue(5),
			b:    MustValue(5),
			want: true,
		},
		{
			name: "different scalars",
			a:    MustValue(5),
			b:    MustValue(6),
			want: false,
		},
		{
			name: "zero value is null",
			a:    Value{},
			b:    Null(),
			want: true,
		},
		{
			name: "null never equals a value",
			a:    Null(),
			b:    MustValue(false),
			want: false,
		},
		{
			name: "object key order is irrelevant",
			a:    mustDecode(t, `{"a": 1, "b": {"c": true}}`),
			b:    mustDecode(t, `{"b": {"c": true}, "a": 1}`),
			want: true,
		},
		{
			name: "number formatting is irrelevant",
			a:    mustDecode(t, `1e2`),
			b:    mustDecode(t, `100`),
			want: true,
		},
		{
			name: "array order matters",
			a:    MustValue([]int{1, 2}),
			b:    MustValue([]int{2, 1}),
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Errorf("Equal(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
			// Equality is symmetric.
			if got := tt.b.Equal(tt.a); got != tt.want {
				t.Errorf("Equal(%v, %v) = %v, want %v", tt.b, tt.a, got, tt.want)
			}
		})
	}
}

func TestValueDecode(t *testing.T) {
	v := MustValue(map[string]any{"name": "fan-1", "speed": 1200})

	var got struct {
		Name  string `json:"name"`
		Speed int    `json:"speed"`
	}
	if err := v.Decode(&got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Name != "fan-1" || got.Speed != 1200 {
		t.Errorf("Decode() = %+v, want {fan-1 1200}", got)
	}
}

func TestValueGobRoundTrip(t *testing.T) {
	tests := []Value{
		Null(),
		MustValue(42),
		MustValue("spinning"),
		MustValue(map[string]any{"nested": []any{1, "two", true}}),
	}
	for _, v := range tests {
		var p bytes.Buffer
		if err := gob.NewEncoder(&p).Encode(v); err != nil {
			t.Errorf("Encode(%v): %v", v, err)
			continue
		}
		var reconstructed Value
		if err := gob.NewDecoder(&p).Decode(&reconstructed); err != nil {
			t.Errorf("Decode(%v): %v", v, err)
			continue
		}
		if !v.Equal(reconstructed) {
			t.Errorf("Reconstructed value differs: %v != %v", v, reconstructed)
		}
	}
}

func TestMustValuePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustValue(chan) did not panic")
		}
	}()
	MustValue(make(chan int))
}

func mustDecode(t *testing.T, encoded string) Value {
	t.Helper()
	var v Value
	if err := v.UnmarshalJSON([]byte(encoded)); err != nil {
		t.Fatalf("UnmarshalJSON(%q): %v", encoded, err)
	}
	return v
}
