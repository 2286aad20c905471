package edgetwin

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"maps"
	"sync"

	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"
)

// An AttributeFunc is a function that derives a specific attribute from
// reported-state change notifications. For a given StateChanged, it returns
// the attribute's value and a bool indicating whether that attribute is valid
// for that twin.
//
// It usually inspects the Updated and Removed sets to extract the appropriate
// value, but any value of type V is appropriate.
type AttributeFunc[V any] func(changed StateChanged) (V, bool)

// StateMap correlates between the twins of a fleet and a derived attribute
// value. The generic parameter V denotes the type of the attribute's value,
// and keys are twin targets (see StateChanged.Target).
//
// Use the map's Update and Find methods to modify and access the stored
// attribute values.
//
// StateMap is designed to be concurrently safe and can be accessed by
// multiple goroutines simultaneously.
type StateMap[V any] struct {
	m           map[string]V
	mu          sync.Mutex
	attributeOf AttributeFunc[V]
}

// NewStateMap returns a mapping/view of a single derived attribute over a
// fleet of twins. The provided attr function defines the desired attribute to
// store for every observed twin.
//
// If an existing map 'm' is provided to NewStateMap, it will be used;
// otherwise, a new empty map is initialized. Note that the type of 'm' should
// correspond to the type expected by the attr function.
func NewStateMap[V any](attr AttributeFunc[V], m map[string]V) StateMap[V] {
	newMap := make(map[string]V)
	if m != nil {
		maps.Copy(newMap, m)
	}

	return StateMap[V]{
		m:           newMap,
		attributeOf: attr,
	}
}

// Find looks up the given twin target and returns its last known attribute
// value. If the given target cannot be found, Find indicates that by
// returning ok == false.
//
// Find is safe for concurrent use.
func (a *StateMap[V]) Find(target string) (v V, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok = a.m[target]
	return v, ok
}

// Update determines the effective value of the mapped attribute based on the
// given change notification.
//
// If the attribute value is deemed invalid, Update expunges the twin from the
// StateMap. We cannot keep the previous value (if any) because of the
// definition of an "invalid" attribute for a specific twin (see the comment
// on AttributeFunc).
//
// Update is safe for concurrent use.
func (a *StateMap[V]) Update(changed StateChanged) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.attributeOf(changed)
	if ok {
		a.m[changed.Target()] = v
	} else {
		delete(a.m, changed.Target())
	}
}

// Iter applies the provided function 'fn' to each twin target and its
// associated attribute. Iteration continues until 'fn' returns false, or once
// all targets have been visited.
func (a *StateMap[V]) Iter(fn func(target string, v V) bool) {
	for k, v := range a.m {
		if !fn(k, v) {
			break
		}
	}
}

// TrackState returns a component.Proc that consumes StateChanged
// notifications from the given subscription and maintains an up-to-date view
// of attribute values for the observed twins. The tracked attribute is
// defined by the provided StateMap.
//
// This procedure runs sequentially over StateChanged messages and updates the
// given StateMap one twin at a time. Use the Find method of StateMap to read
// the attribute of a specific twin.
func TrackState[V any](m *StateMap[V], source *pubsub.Subscription) component.Proc {
	return func(l *component.L) {
		for l.Continue() {
			msg, err := source.Receive(l.GraceContext())
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				l.Errorf("receive: %v", err)
				continue
			}
			var changed StateChanged
			dec := gob.NewDecoder(bytes.NewReader(msg.Body))
			if err := dec.Decode(&changed); err != nil {
				l.Fatalf("Failed to unmarshal state changes; stopping attribute tracking: %v\n", err)
			}

			m.Update(changed)
			msg.Ack()
		}
	}
}
