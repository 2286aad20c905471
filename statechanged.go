package edgetwin

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// StateChanged notifies that the reported state of one device or module has
// moved. The message contains the bulk changeset produced by a single
// reconciliation pass: properties whose value changed (Updated) and
// properties cleared upstream (Removed).
type StateChanged struct {
	DeviceID string
	ModuleID string
	Updated  map[string]Value
	Removed  []string
	// The time, in UTC, the change was computed. The information in this
	// message is accurate up to this timestamp, not a moment afterwards.
	Timestamp time.Time
}

// NewStateChanged builds a StateChanged from a reported diff, splitting null
// values (which clear properties upstream) into the Removed list.
func NewStateChanged(deviceID, moduleID string, diff map[string]Value) StateChanged {
	c := StateChanged{
		DeviceID:  deviceID,
		ModuleID:  moduleID,
		Timestamp: time.Now().UTC(),
	}
	for key, v := range diff {
		if v.IsNull() {
			c.Removed = append(c.Removed, key)
			continue
		}
		if c.Updated == nil {
			c.Updated = make(map[string]Value)
		}
		c.Updated[key] = v
	}
	sort.Strings(c.Removed)
	return c
}

// IsEmpty returns true if the notification contains no changes.
func (c StateChanged) IsEmpty() bool {
	return len(c.Updated) == 0 && len(c.Removed) == 0
}

// Target returns the identity of the twin this change belongs to, suitable as
// a partition key for ordered message delivery.
func (c StateChanged) Target() string {
	if c.ModuleID == "" {
		return c.DeviceID
	}
	return c.DeviceID + "/" + c.ModuleID
}

// FormatState returns a human-readable representation of the changeset. The
// indent string is prepended to each line.
func FormatState(c StateChanged, indent string) string {
	var b strings.Builder
	fmt.Fprintf(&b, indent+"target: %v\n", c.Target())
	keys := make([]string, 0, len(c.Updated))
	for key := range c.Updated {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, indent+"* %v = %v\n", key, c.Updated[key])
	}
	for _, key := range c.Removed {
		fmt.Fprintf(&b, indent+"- %v\n", key)
	}
	return b.String()
}
