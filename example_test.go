package edgetwin_test

import (
	"context"
	"fmt"
	"sort"

	"github.com/bamajeed/edgetwin"
)

// This example walks through the life of a single setting: a controller
// declares a writable "mode" property, the cloud side pushes a desired value,
// and the router reports the value actually in effect.
func ExampleRouter() {
	// Controllers own the actual device behaviour. Here the device is a
	// single variable; real controllers talk to hardware or subsystems.
	mode := "idle"

	// Each controller declares its exposed properties explicitly through a
	// builder, instead of runtime introspection of the controller object.
	var b edgetwin.ControllerBuilder
	b.Property("mode",
		func(ctx context.Context) (edgetwin.Value, error) {
			return edgetwin.NewValue(mode)
		},
		func(ctx context.Context, v edgetwin.Value) error {
			return v.Decode(&mode)
		},
	)
	b.OnCommit(func(ctx context.Context) error {
		fmt.Println("commit: mode is now", mode)
		return nil
	})

	// Two-phase construction: the router is built empty, then populated.
	router := edgetwin.NewRouter()
	if err := router.Register(b.Controller()); err != nil {
		panic(err)
	}

	// A desired batch arrives from the cloud side. The router writes the
	// value, runs the commit step and computes the diff to report back.
	diff, err := router.ProcessIncoming(context.Background(), map[string]edgetwin.Value{
		"mode": edgetwin.MustValue("active"),
	})
	if err != nil {
		panic(err)
	}

	keys := make([]string, 0, len(diff))
	for key := range diff {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Printf("report: %s = %s\n", key, diff[key])
	}

	// A second identical batch still writes and commits, but the reported
	// cache suppresses the unchanged value from the diff.
	diff, err = router.ProcessIncoming(context.Background(), map[string]edgetwin.Value{
		"mode": edgetwin.MustValue("active"),
	})
	if err != nil {
		panic(err)
	}
	fmt.Println("second batch reports", len(diff), "changes")

	// Output:
	// commit: mode is now active
	// report: mode = "active"
	// commit: mode is now active
	// second batch reports 0 changes
}
