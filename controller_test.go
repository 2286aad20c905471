package edgetwin_test

import (
	"context"
	"testing"

	. "github.com/bamajeed/edgetwin"
)

func TestControllerBuilder(t *testing.T) {
	noopGet := func(ctx context.Context) (Value, error) { return Null(), nil }
	noopSet := func(ctx context.Context, v Value) error { return nil }

	t.Run("empty name panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("Property(\"\") did not panic")
			}
		}()
		var b ControllerBuilder
		b.Property("", noopGet, noopSet)
	})

	t.Run("second indexed property panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("second Indexed() did not panic")
			}
		}()
		var b ControllerBuilder
		b.Indexed(nil, func(ctx context.Context, key string, v Value) error { return nil }, nil)
		b.Indexed(nil, func(ctx context.Context, key string, v Value) error { return nil }, nil)
	})

	t.Run("copied builder panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("use of a copied builder did not panic")
			}
		}()
		var b ControllerBuilder
		b.Property("mode", noopGet, noopSet)
		copied := b
		copied.Property("other", noopGet, noopSet)
	})

	t.Run("reset allows reuse", func(t *testing.T) {
		var b ControllerBuilder
		b.Property("mode", noopGet, noopSet)
		b.Reset()
		b.Property("other", noopGet, noopSet) // must not panic
	})

	// A controller that never declares a version defaults to the catch-all
	// version; registering two such controllers for the same property name is
	// ambiguous and must fail.
	t.Run("default version collision", func(t *testing.T) {
		var b ControllerBuilder
		b.Property("mode", noopGet, noopSet)
		first := b.Controller()
		b.Reset()
		b.Property("mode", noopGet, noopSet)
		second := b.Controller()

		r := NewRouter()
		if err := r.Register(first, second); err == nil {
			t.Error("Register() with colliding default versions succeeded, want error")
		}
	})

	// The name "item" is the indexer-default convention of the remote store
	// and routes as the catch-all, so an arbitrary unclaimed key reaches it.
	t.Run("item remaps to catch-all", func(t *testing.T) {
		var wrote string
		var b ControllerBuilder
		b.Property("Item", nil, func(ctx context.Context, v Value) error {
			if err := v.Decode(&wrote); err != nil {
				t.Errorf("Decode() error = %v", err)
			}
			return nil
		})

		r := NewRouter()
		if err := r.Register(b.Controller()); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if _, err := r.ProcessIncoming(context.Background(), map[string]Value{
			"unclaimed": MustValue("hello"),
		}); err != nil {
			t.Fatalf("ProcessIncoming() error = %v", err)
		}
		if wrote != "hello" {
			t.Errorf("catch-all received %q, want %q", wrote, "hello")
		}
	})
}
