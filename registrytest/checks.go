package registrytest

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bamajeed/edgetwin"
)

// A check is any function that returns unexpected problems with the given
// list of swept changes.
type check func(changes []edgetwin.StateChanged) (problem string)

// sameValue lets cmp compare values structurally, since edgetwin.Value keeps
// its canonical encoding unexported.
var sameValue = cmp.Comparer(func(a, b edgetwin.Value) bool { return a.Equal(b) })

// sweepChecks returns the checks to perform on every sweep result.
func sweepChecks(want []edgetwin.StateChanged) []check {
	// We check that the swept changes are exactly the expected ones. Sweeps
	// make no ordering promise across twins, so we compare by target.
	sameChanges := func(changes []edgetwin.StateChanged) string {
		if len(changes) != len(want) {
			return fmt.Sprintf("len(changes) = %v, want %v", len(changes), len(want))
		}
		// Slices are not friendly to compare but maps are (using cmp.Diff).
		wantByTarget := make(map[string]edgetwin.StateChanged, len(want))
		gotByTarget := make(map[string]edgetwin.StateChanged, len(changes))
		for _, c := range want {
			sort.Strings(c.Removed)
			wantByTarget[c.Target()] = c
		}
		for _, c := range changes {
			c.Timestamp = time.Time{} // compared separately by hasTimestamps
			sort.Strings(c.Removed)
			gotByTarget[c.Target()] = c
		}
		if diff := cmp.Diff(wantByTarget, gotByTarget, sameValue); diff != "" {
			return fmt.Sprintf("changes mismatch (-want +got):\n%v", diff)
		}
		return ""
	}

	// Also, we check that the sweeper has set the timestamp of every change
	// to any non-zero value. We do not care about the exact timestamps, just
	// that those are present.
	hasTimestamps := func(changes []edgetwin.StateChanged) string {
		for _, c := range changes {
			if c.Timestamp.IsZero() {
				return fmt.Sprintf("change for %v has a zero Timestamp: a Sweeper should timestamp the changes", c.Target())
			}
		}
		return ""
	}

	return []check{sameChanges, hasTimestamps}
}

// sameDocument compares a loaded document against the expected one.
func sameDocument(want, got map[string]edgetwin.Value) (problem string) {
	if got == nil {
		return "Load returned a nil document: unknown twins must yield an empty document"
	}
	if diff := cmp.Diff(want, got, sameValue); diff != "" {
		return fmt.Sprintf("document mismatch (-want +got):\n%v", diff)
	}
	return ""
}
