package edgetwin_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	. "github.com/bamajeed/edgetwin"
)

func TestStateMap(t *testing.T) {
	// The tracked attribute is the reported rpm of each twin; a twin whose
	// notification removes the rpm no longer carries the attribute.
	rpmOf := func(changed StateChanged) (int, bool) {
		if v, ok := changed.Updated["rpm"]; ok {
			var rpm int
			if err := v.Decode(&rpm); err != nil {
				return 0, false
			}
			return rpm, true
		}
		for _, name := range changed.Removed {
			if name == "rpm" {
				return 0, false
			}
		}
		return 0, false
	}

	t.Run("update and find", func(t *testing.T) {
		m := NewStateMap(rpmOf, nil)

		if _, ok := m.Find("turbine-1"); ok {
			t.Error("Find(empty map) = true, expected false")
		}

		m.Update(StateChanged{
			DeviceID: "turbine-1",
			Updated:  map[string]Value{"rpm": MustValue(1500)},
		})

		got, ok := m.Find("turbine-1")
		if !ok {
			t.Fatal("Find(turbine-1) not found")
		}
		if got != 1500 {
			t.Errorf("Find(turbine-1) = %d, want 1500", got)
		}
	})

	t.Run("invalid attribute expunges the twin", func(t *testing.T) {
		m := NewStateMap(rpmOf, map[string]int{"turbine-1": 1500})

		m.Update(StateChanged{
			DeviceID: "turbine-1",
			Removed:  []string{"rpm"},
		})

		if _, ok := m.Find("turbine-1"); ok {
			t.Error("Find() found an expunged twin")
		}
	})

	t.Run("iter visits every target", func(t *testing.T) {
		seed := map[string]int{"turbine-1": 1500, "turbine-2": 900}
		m := NewStateMap(rpmOf, seed)

		visited := make(map[string]int)
		m.Iter(func(target string, rpm int) bool {
			visited[target] = rpm
			return true
		})
		if diff := cmp.Diff(seed, visited); diff != "" {
			t.Errorf("Iter mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("iter stops early", func(t *testing.T) {
		m := NewStateMap(rpmOf, map[string]int{"turbine-1": 1500, "turbine-2": 900})

		var visits int
		m.Iter(func(target string, rpm int) bool {
			visits++
			return false
		})
		if visits != 1 {
			t.Errorf("Iter visited %d targets after returning false, want 1", visits)
		}
	})
}
