package edgetwin_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	. "github.com/bamajeed/edgetwin"
)

// sameValue lets cmp compare values structurally, since Value keeps its
// canonical encoding unexported.
var sameValue = cmp.Comparer(func(a, b Value) bool { return a.Equal(b) })

// modeController builds the canonical single-property controller used across
// the router tests: a "mode" property backed by a plain variable, with a
// commit counter.
func modeController(mode *string, commits *atomic.Int32) Controller {
	var b ControllerBuilder
	b.Property("mode",
		func(ctx context.Context) (Value, error) { return MustValue(*mode), nil },
		func(ctx context.Context, v Value) error { return v.Decode(mode) },
	)
	if commits != nil {
		b.OnCommit(func(ctx context.Context) error {
			commits.Add(1)
			return nil
		})
	}
	return b.Controller()
}

func TestProcessIncoming(t *testing.T) {
	ctx := context.Background()

	// Register a controller with writable property "mode", current value
	// "idle". An incoming batch switching it to "active" must write the
	// value, run the commit step and report the new value; a second identical
	// batch must be suppressed by the reported cache.
	t.Run("mode scenario", func(t *testing.T) {
		mode := "idle"
		var commits atomic.Int32

		r := NewRouter()
		if err := r.Register(modeController(&mode, &commits)); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		diff, err := r.ProcessIncoming(ctx, map[string]Value{"mode": MustValue("active")})
		if err != nil {
			t.Fatalf("ProcessIncoming() error = %v", err)
		}
		want := map[string]Value{"mode": MustValue("active")}
		if d := cmp.Diff(want, diff, sameValue); d != "" {
			t.Errorf("first diff mismatch (-want +got):\n%s", d)
		}
		if mode != "active" {
			t.Errorf("mode = %q, want %q", mode, "active")
		}
		if got := commits.Load(); got != 1 {
			t.Errorf("commit ran %d times, want 1", got)
		}

		diff, err = r.ProcessIncoming(ctx, map[string]Value{"mode": MustValue("active")})
		if err != nil {
			t.Fatalf("ProcessIncoming() error = %v", err)
		}
		if len(diff) != 0 {
			t.Errorf("second identical batch produced diff %v, want empty", diff)
		}
	})

	// Two controllers share the property name at versions 1 and 2. The write
	// must try version 1 first; only when it fails may version 2 be
	// attempted.
	t.Run("cascade order", func(t *testing.T) {
		var order []uint32
		controllerAt := func(version uint32, fail bool) Controller {
			var b ControllerBuilder
			b.Versions(version)
			b.Property("mode", nil, func(ctx context.Context, v Value) error {
				order = append(order, version)
				if fail {
					return errors.New("not mine")
				}
				return nil
			})
			return b.Controller()
		}

		r := NewRouter()
		if err := r.Register(controllerAt(1, true), controllerAt(2, false)); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if _, err := r.ProcessIncoming(ctx, map[string]Value{"mode": MustValue("x")}); err != nil {
			t.Fatalf("ProcessIncoming() error = %v", err)
		}
		if d := cmp.Diff([]uint32{1, 2}, order); d != "" {
			t.Errorf("write order mismatch (-want +got):\n%s", d)
		}
	})

	// Only the controller that accepted the write runs its commit step.
	t.Run("commit fan-out targets the accepting version", func(t *testing.T) {
		var rejected, accepted atomic.Int32
		controllerAt := func(version uint32, fail bool, commits *atomic.Int32) Controller {
			var b ControllerBuilder
			b.Versions(version)
			b.Property("mode", nil, func(ctx context.Context, v Value) error {
				if fail {
					return errors.New("not mine")
				}
				return nil
			})
			b.OnCommit(func(ctx context.Context) error {
				commits.Add(1)
				return nil
			})
			return b.Controller()
		}

		r := NewRouter()
		err := r.Register(controllerAt(1, true, &rejected), controllerAt(2, false, &accepted))
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if _, err := r.ProcessIncoming(ctx, map[string]Value{"mode": MustValue("x")}); err != nil {
			t.Fatalf("ProcessIncoming() error = %v", err)
		}
		if got := rejected.Load(); got != 0 {
			t.Errorf("rejecting controller committed %d times, want 0", got)
		}
		if got := accepted.Load(); got != 1 {
			t.Errorf("accepting controller committed %d times, want 1", got)
		}
	})

	// A failing commit must not abort the batch or sibling commits.
	t.Run("commit failure is not fatal", func(t *testing.T) {
		var siblingCommits atomic.Int32
		var failing ControllerBuilder
		failing.Versions(1)
		failing.Property("a", nil, func(ctx context.Context, v Value) error { return nil })
		failing.OnCommit(func(ctx context.Context) error { return errors.New("boom") })

		var sibling ControllerBuilder
		sibling.Versions(2)
		sibling.Property("b", nil, func(ctx context.Context, v Value) error { return nil })
		sibling.OnCommit(func(ctx context.Context) error {
			siblingCommits.Add(1)
			return nil
		})

		r := NewRouter()
		if err := r.Register(failing.Controller(), sibling.Controller()); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		diff, err := r.ProcessIncoming(ctx, map[string]Value{
			"a": MustValue(1),
			"b": MustValue(2),
		})
		if err != nil {
			t.Fatalf("ProcessIncoming() error = %v", err)
		}
		if got := siblingCommits.Load(); got != 1 {
			t.Errorf("sibling committed %d times, want 1", got)
		}
		// Write-only properties echo the incoming values back.
		want := map[string]Value{"a": MustValue(1), "b": MustValue(2)}
		if d := cmp.Diff(want, diff, sameValue); d != "" {
			t.Errorf("diff mismatch (-want +got):\n%s", d)
		}
	})

	// A key absent from the batch must still surface when its controller-read
	// value changed as a side effect of an unrelated setting.
	t.Run("side-effect propagation", func(t *testing.T) {
		mode := "idle"
		rpm := 0

		var b ControllerBuilder
		b.Property("mode",
			func(ctx context.Context) (Value, error) { return MustValue(mode), nil },
			func(ctx context.Context, v Value) error {
				if err := v.Decode(&mode); err != nil {
					return err
				}
				rpm = 1500 // switching the mode spins the turbine up
				return nil
			},
		)
		b.Property("rpm",
			func(ctx context.Context) (Value, error) { return MustValue(rpm), nil },
			nil,
		)

		r := NewRouter()
		if err := r.Register(b.Controller()); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		// Settle the initial state so only the side effect surfaces below.
		if _, err := r.FullState(ctx); err != nil {
			t.Fatalf("FullState() error = %v", err)
		}

		diff, err := r.ProcessIncoming(ctx, map[string]Value{"mode": MustValue("active")})
		if err != nil {
			t.Fatalf("ProcessIncoming() error = %v", err)
		}
		want := map[string]Value{
			"mode": MustValue("active"),
			"rpm":  MustValue(1500),
		}
		if d := cmp.Diff(want, diff, sameValue); d != "" {
			t.Errorf("diff mismatch (-want +got):\n%s", d)
		}
	})

	// A key claimed by no cascade is recorded as unsupported and skipped.
	t.Run("unsupported setting", func(t *testing.T) {
		mode := "idle"
		r := NewRouter()
		if err := r.Register(modeController(&mode, nil)); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		diff, err := r.ProcessIncoming(ctx, map[string]Value{"bogus": MustValue(1)})
		if err != nil {
			t.Fatalf("ProcessIncoming() error = %v", err)
		}
		if _, ok := diff["bogus"]; ok {
			t.Errorf("unsupported key appeared in diff: %v", diff)
		}
	})

	// Property names resolve case-insensitively, and the readback reports the
	// caller's spelling.
	t.Run("case-insensitive resolution", func(t *testing.T) {
		mode := "idle"
		r := NewRouter()
		if err := r.Register(modeController(&mode, nil)); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		diff, err := r.ProcessIncoming(ctx, map[string]Value{"MODE": MustValue("eco")})
		if err != nil {
			t.Fatalf("ProcessIncoming() error = %v", err)
		}
		if mode != "eco" {
			t.Errorf("mode = %q, want %q", mode, "eco")
		}
		if _, ok := diff["MODE"]; !ok {
			t.Errorf("diff lost the caller's spelling: %v", diff)
		}
	})

	// When reading back fails entirely, the router reports null to clear the
	// property upstream and retries from a clean slate on the next batch.
	t.Run("readback failure clears the property", func(t *testing.T) {
		var b ControllerBuilder
		b.Property("broken",
			func(ctx context.Context) (Value, error) { return Value{}, errors.New("sensor gone") },
			func(ctx context.Context, v Value) error { return nil },
		)
		r := NewRouter()
		if err := r.Register(b.Controller()); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		diff, err := r.ProcessIncoming(ctx, map[string]Value{"broken": MustValue(1)})
		if err != nil {
			t.Fatalf("ProcessIncoming() error = %v", err)
		}
		v, ok := diff["broken"]
		if !ok || !v.IsNull() {
			t.Errorf("diff[broken] = %v, want null", v)
		}
	})
}

func TestProcessIncomingIndexed(t *testing.T) {
	ctx := context.Background()

	// An indexed catch-all property backed by a map receives every unclaimed
	// key, and its enumerator makes the stored keys visible to sweeps.
	store := make(map[string]Value)
	var b ControllerBuilder
	b.Indexed(
		func(ctx context.Context, key string) (Value, error) { return store[key], nil },
		func(ctx context.Context, key string, v Value) error {
			store[key] = v
			return nil
		},
		func(ctx context.Context) ([]string, error) {
			keys := make([]string, 0, len(store))
			for k := range store {
				keys = append(keys, k)
			}
			return keys, nil
		},
	)

	r := NewRouter()
	if err := r.Register(b.Controller()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	diff, err := r.ProcessIncoming(ctx, map[string]Value{"custom": MustValue(7)})
	if err != nil {
		t.Fatalf("ProcessIncoming() error = %v", err)
	}
	want := map[string]Value{"custom": MustValue(7)}
	if d := cmp.Diff(want, diff, sameValue); d != "" {
		t.Errorf("diff mismatch (-want +got):\n%s", d)
	}

	// A key written behind the router's back surfaces through the enumerator
	// on the next sweep.
	store["background"] = MustValue(true)
	diff, err = r.FullState(ctx)
	if err != nil {
		t.Fatalf("FullState() error = %v", err)
	}
	want = map[string]Value{"background": MustValue(true)}
	if d := cmp.Diff(want, diff, sameValue); d != "" {
		t.Errorf("sweep mismatch (-want +got):\n%s", d)
	}
}

func TestFullState(t *testing.T) {
	ctx := context.Background()
	mode := "idle"

	r := NewRouter()
	if err := r.Register(modeController(&mode, nil)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	diff, err := r.FullState(ctx)
	if err != nil {
		t.Fatalf("FullState() error = %v", err)
	}
	want := map[string]Value{"mode": MustValue("idle")}
	if d := cmp.Diff(want, diff, sameValue); d != "" {
		t.Errorf("diff mismatch (-want +got):\n%s", d)
	}

	// Seeding the cache with the freshly fetched reported section suppresses
	// values the remote store already knows.
	r.Seed(map[string]Value{"Mode": MustValue("idle")})
	diff, err = r.FullState(ctx)
	if err != nil {
		t.Fatalf("FullState() error = %v", err)
	}
	if len(diff) != 0 {
		t.Errorf("seeded sweep produced diff %v, want empty", diff)
	}
}
