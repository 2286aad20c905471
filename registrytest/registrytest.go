/*
Package registrytest provides a suite of tests designed to assess twin
registries (e.g. in-memory, neo4j).

The tests operate on the specific registry via the [edgetwin.Registry] and
[edgetwin.Sweeper] interfaces to check functional correctness and compliance
with the behaviours defined by those interfaces.

Call registrytest.Run in its own test to invoke the test-suite:

	func TestRegistry(t *testing.T) {
		registry := NewRegistry(...) // Create the registry under test.
		// Call registrytest.Run, passing the registry as both
		// edgetwin.Registry and edgetwin.Sweeper implementation.
		registrytest.Run(t, registry, registry)
	}

The test cases in this suite focus on the basic registry operations:

  - Folding change notifications into the stored documents.
  - Observing changes to the stored documents over time.

So, specific registries are encouraged to perform additional tests which are
specific to the underlying storage engine.
*/
package registrytest

import (
	"context"
	"fmt"
	"runtime"
	"testing"

	"github.com/bamajeed/edgetwin"
)

type testCase struct {
	// Subtest name.
	name string
	// A path leading to the test-case's file and line in the source code.
	location string
	// The change notifications to fold into the registry, in order.
	saves []edgetwin.StateChanged
	// The changes the following sweep is expected to detect, one per changed
	// twin. An empty list means the sweep must come back empty.
	changes []edgetwin.StateChanged
	// The expected stored documents after the saves have been applied,
	// keyed by twin target. Only the listed twins are loaded and verified.
	documents map[string]map[string]edgetwin.Value
}

var cases = []testCase{
	{
		name:     "load-unknown-twin",
		location: locateSource(),
		documents: map[string]map[string]edgetwin.Value{
			"ghost": {},
		},
	},
	{
		name:     "save-new-twin",
		location: locateSource(),
		saves: []edgetwin.StateChanged{
			change("turbine-1", "", updates{"rpm": 1500, "status": "spinning"}),
		},
		changes: []edgetwin.StateChanged{
			change("turbine-1", "", updates{"rpm": 1500, "status": "spinning"}),
		},
		documents: map[string]map[string]edgetwin.Value{
			"turbine-1": {
				"rpm":    edgetwin.MustValue(1500),
				"status": edgetwin.MustValue("spinning"),
			},
		},
	},
	{
		name:     "idempotent-save",
		location: locateSource(),
		saves: []edgetwin.StateChanged{
			change("turbine-1", "", updates{"rpm": 1500, "status": "spinning"}),
		},
		changes: nil,
		documents: map[string]map[string]edgetwin.Value{
			"turbine-1": {
				"rpm":    edgetwin.MustValue(1500),
				"status": edgetwin.MustValue("spinning"),
			},
		},
	},
	{
		name:     "empty-notification",
		location: locateSource(),
		saves: []edgetwin.StateChanged{
			change("turbine-1", "", nil),
		},
		changes: nil,
		documents: map[string]map[string]edgetwin.Value{
			"turbine-1": {
				"rpm":    edgetwin.MustValue(1500),
				"status": edgetwin.MustValue("spinning"),
			},
		},
	},
	{
		name:     "update-property",
		location: locateSource(),
		saves: []edgetwin.StateChanged{
			change("turbine-1", "", updates{"rpm": 1800}),
		},
		changes: []edgetwin.StateChanged{
			change("turbine-1", "", updates{"rpm": 1800}),
		},
		documents: map[string]map[string]edgetwin.Value{
			"turbine-1": {
				"rpm":    edgetwin.MustValue(1800),
				"status": edgetwin.MustValue("spinning"),
			},
		},
	},
	{
		name:     "remove-property",
		location: locateSource(),
		saves: []edgetwin.StateChanged{
			change("turbine-1", "", nil, "status"),
		},
		changes: []edgetwin.StateChanged{
			change("turbine-1", "", nil, "status"),
		},
		documents: map[string]map[string]edgetwin.Value{
			"turbine-1": {
				"rpm": edgetwin.MustValue(1800),
			},
		},
	},
	{
		name:     "second-twin",
		location: locateSource(),
		saves: []edgetwin.StateChanged{
			change("turbine-1", "vibration", updates{"enabled": true}),
		},
		changes: []edgetwin.StateChanged{
			change("turbine-1", "vibration", updates{"enabled": true}),
		},
		documents: map[string]map[string]edgetwin.Value{
			"turbine-1":           {"rpm": edgetwin.MustValue(1800)},
			"turbine-1/vibration": {"enabled": edgetwin.MustValue(true)},
		},
	},
	{
		name:     "structured-value",
		location: locateSource(),
		saves: []edgetwin.StateChanged{
			change("turbine-1", "vibration", updates{
				"thresholds": map[string]any{"warn": 0.5, "alarm": 0.9},
			}),
		},
		changes: []edgetwin.StateChanged{
			change("turbine-1", "vibration", updates{
				"thresholds": map[string]any{"warn": 0.5, "alarm": 0.9},
			}),
		},
		documents: map[string]map[string]edgetwin.Value{
			"turbine-1/vibration": {
				"enabled":    edgetwin.MustValue(true),
				"thresholds": edgetwin.MustValue(map[string]any{"warn": 0.5, "alarm": 0.9}),
			},
		},
	},
	{
		name:     "remove-last-property",
		location: locateSource(),
		saves: []edgetwin.StateChanged{
			change("turbine-1", "", nil, "rpm"),
		},
		changes: []edgetwin.StateChanged{
			change("turbine-1", "", nil, "rpm"),
		},
		documents: map[string]map[string]edgetwin.Value{
			"turbine-1": {},
		},
	},
	{
		name:     "coalesced-saves",
		location: locateSource(),
		saves: []edgetwin.StateChanged{
			change("turbine-2", "", updates{"rpm": 900}),
			change("turbine-2", "", updates{"rpm": 950, "status": "starting"}),
		},
		changes: []edgetwin.StateChanged{
			change("turbine-2", "", updates{"rpm": 950, "status": "starting"}),
		},
		documents: map[string]map[string]edgetwin.Value{
			"turbine-2": {
				"rpm":    edgetwin.MustValue(950),
				"status": edgetwin.MustValue("starting"),
			},
		},
	},
}

// Run executes a sequence of test cases on a twin registry using the given
// edgetwin.Registry and edgetwin.Sweeper interfaces. It verifies that the
// registry correctly folds change notifications into its stored documents and
// that sweeps observe their effects.
//
// We deliberately avoid receiving a contextual argument for each test to
// ensure that the test suite runs under neutral conditions without any
// external influences or timeouts.
//
// The testing process requires all cases to execute in a strict sequence
// because the state of the registry at the end of one test is the starting
// point for the next. This sequential execution is crucial in evaluating
// whether the state progresses correctly over a series of notifications, akin
// to the real-world use of a registry over time.
func Run(t *testing.T, registry edgetwin.Registry, sweeper edgetwin.Sweeper) {
	t.Helper()

	// We deliberately use the background context because this test-suite does
	// not check performance. Also, registry implementations should not depend
	// on specific context values. When this assumption changes, this
	// test-suite will have to change accordingly as well.
	ctx := context.Background()

	for _, c := range cases {
		// We encourage developers to read the source code directly, especially
		// when failures are not clear enough.
		t.Logf("Read the source for test-case %v at %v", c.name, c.location)
		// Test cases begin by folding their notifications into the tested
		// registry.
		for _, save := range c.saves {
			if err := registry.Save(ctx, save); err != nil {
				t.Fatalf("Save(%v) failed: %v", c.name, err)
			}
		}
		// Then, the tested sweeper is consulted to detect changes to the
		// stored documents.
		changes, err := sweeper.Sweep(ctx)
		if err != nil {
			t.Fatalf("Sweep(%v) failed: %v", c.name, err)
		}
		for _, check := range sweepChecks(c.changes) {
			if problem := check(changes); problem != "" {
				t.Errorf("Check changes of %v: %v", c.name, problem)
			}
		}
		// Finally, the stored documents listed by the test-case are loaded
		// and verified.
		for target, want := range c.documents {
			deviceID, moduleID := splitTarget(target)
			doc, err := registry.Load(ctx, deviceID, moduleID)
			if err != nil {
				t.Fatalf("Load(%v, %v) failed: %v", c.name, target, err)
			}
			if problem := sameDocument(want, doc); problem != "" {
				t.Errorf("Check document of %v for %v: %v", c.name, target, problem)
			}
		}
	}
}

// updates abbreviates the Updated section of a change notification in the
// test table. Values are arbitrary JSON-representable Go values.
type updates map[string]any

// change builds a StateChanged for the test table. The Timestamp is left
// zero; sweepChecks verifies separately that swept changes carry one.
func change(deviceID, moduleID string, updated updates, removed ...string) edgetwin.StateChanged {
	c := edgetwin.StateChanged{
		DeviceID: deviceID,
		ModuleID: moduleID,
		Removed:  removed,
	}
	if len(updated) > 0 {
		c.Updated = make(map[string]edgetwin.Value, len(updated))
		for name, v := range updated {
			c.Updated[name] = edgetwin.MustValue(v)
		}
	}
	return c
}

// splitTarget undoes StateChanged.Target for the test table's document keys.
func splitTarget(target string) (deviceID, moduleID string) {
	for i := 0; i < len(target); i++ {
		if target[i] == '/' {
			return target[:i], target[i+1:]
		}
	}
	return target, ""
}

// locateSource sets the location of every test-case in the source file. The
// returned string guides developers of twin registries to the appropriate
// test-case.
func locateSource() (path string) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		panic("runtime.Caller failed")
	}
	return fmt.Sprintf("%v:%v", file, line)
}
