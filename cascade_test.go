package edgetwin

import (
	"context"
	"errors"
	"testing"
)

// The cascading write tries every version and surfaces the failure of the
// last attempt; earlier distinct errors are discarded.
func TestCascadeLastFailureWins(t *testing.T) {
	first := errors.New("first failure")
	second := errors.New("second failure")

	failingAt := func(version uint32, err error) Controller {
		var b ControllerBuilder
		b.Versions(version)
		b.Property("mode", nil, func(ctx context.Context, v Value) error { return err })
		return b.Controller()
	}

	r := NewRouter()
	if err := r.Register(failingAt(1, first), failingAt(2, second)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	cas := r.resolve("mode")
	if cas == nil {
		t.Fatal("resolve(mode) = nil")
	}
	_, err := cas.write(context.Background(), "mode", MustValue("x"))
	if !errors.Is(err, second) {
		t.Errorf("write() error = %v, want %v", err, second)
	}
}

// A cascade holding only read-only bindings reports that it is not writable
// at all, which is distinct from an exhausted cascade.
func TestCascadeNotWritable(t *testing.T) {
	var b ControllerBuilder
	b.Property("mode", func(ctx context.Context) (Value, error) { return MustValue("idle"), nil }, nil)

	r := NewRouter()
	if err := r.Register(b.Controller()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	cas := r.resolve("mode")
	_, err := cas.write(context.Background(), "mode", MustValue("x"))
	if !errors.Is(err, errNotWritable) {
		t.Errorf("write() error = %v, want errNotWritable", err)
	}
}
