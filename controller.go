package edgetwin

import (
	"context"
	"strings"
)

// DefaultVersion is the version assigned to controllers registered without an
// explicit version. It is the maximum representable version, so such
// controllers act as catch-alls and are tried last during cascading
// resolution.
const DefaultVersion = ^uint32(0)

// DefaultName is the synthetic routing key of the indexed wildcard property.
// A cascade registered under this name receives every incoming key that no
// named cascade claims.
const DefaultName = "@default"

// A Getter reads the current authoritative value of a plain property.
type Getter func(ctx context.Context) (Value, error)

// A Setter writes a desired value to a plain property. Returning a non-nil
// error passes the value on to the next version in the cascade.
type Setter func(ctx context.Context, v Value) error

// An IndexedGetter reads the value of an indexed property addressed by a
// secondary string key.
type IndexedGetter func(ctx context.Context, key string) (Value, error)

// An IndexedSetter writes a desired value to an indexed property addressed by
// a secondary string key.
type IndexedSetter func(ctx context.Context, key string, v Value) error

// A KeyLister enumerates all currently valid keys of an indexed property, so
// the router can sweep them during diff collection.
type KeyLister func(ctx context.Context) ([]string, error)

// A CommitFunc is a controller's commit step, invoked once per batch after
// all property writes that affected the controller have been applied. Absence
// means "no commit step, only property writes".
type CommitFunc func(ctx context.Context) error

// A Controller is the registration-time description of one settings handler:
// the versions it participates at, its property bindings, and an optional
// commit step. Build controllers with a ControllerBuilder and hand them to
// Router.Register.
type Controller struct {
	versions []uint32
	commit   CommitFunc
	props    []property
}

// A property is the closed descriptor record produced at registration time.
// Exactly one of the plain (get/set) or indexed (getIndexed/setIndexed/keys)
// binding sets is populated.
type property struct {
	name       string
	get        Getter
	set        Setter
	indexed    bool
	getIndexed IndexedGetter
	setIndexed IndexedSetter
	keys       KeyLister
}

func (p property) readable() bool {
	if p.indexed {
		return p.getIndexed != nil
	}
	return p.get != nil
}

func (p property) writable() bool {
	if p.indexed {
		return p.setIndexed != nil
	}
	return p.set != nil
}

// A ControllerBuilder is used to safely and elegantly declare a Controller's
// exposed properties using explicit calls, instead of runtime introspection
// of the controller object.
// The zero value is ready to use.
// Do not copy a non-zero ControllerBuilder.
type ControllerBuilder struct {
	versions []uint32
	commit   CommitFunc
	props    []property
	// address of receiver - to detect copies by value.
	// see copyCheck below for details.
	addr *ControllerBuilder
}

// Versions declares the version tags this controller participates at. Calling
// it replaces any previously declared versions. A controller that never
// declares a version defaults to DefaultVersion (lowest priority).
func (b *ControllerBuilder) Versions(version ...uint32) {
	b.copyCheck()
	b.versions = append(b.versions[:0], version...)
}

// OnCommit declares the controller's commit step.
func (b *ControllerBuilder) OnCommit(fn CommitFunc) {
	b.copyCheck()
	b.commit = fn
}

// Property declares a named property binding. A nil get makes the property
// write-only (the router echoes the incoming value back when reporting); a
// nil set makes it read-only (surfaced during diff sweeps, never written).
//
// The name "item" is remapped to the synthetic catch-all name, matching the
// indexer-default convention of the remote store.
func (b *ControllerBuilder) Property(name string, get Getter, set Setter) {
	b.copyCheck()
	if name == "" {
		panic("edgetwin: property name must not be empty")
	}
	if strings.EqualFold(name, "item") {
		name = DefaultName
	}
	b.props = append(b.props, property{name: name, get: get, set: set})
}

// Indexed declares the controller's indexed wildcard property, addressed by a
// secondary string key. It receives every incoming key that no named cascade
// claims. The keys enumerator may be nil, in which case the property is
// excluded from diff sweeps and only touched keys are reported.
//
// A controller declares at most one indexed property; Indexed panics on the
// second call.
func (b *ControllerBuilder) Indexed(get IndexedGetter, set IndexedSetter, keys KeyLister) {
	b.copyCheck()
	for _, p := range b.props {
		if p.indexed {
			panic("edgetwin: controller already declares an indexed property")
		}
	}
	b.props = append(b.props, property{
		name:       DefaultName,
		indexed:    true,
		getIndexed: get,
		setIndexed: set,
		keys:       keys,
	})
}

// Controller returns the accumulated Controller.
func (b *ControllerBuilder) Controller() Controller {
	c := Controller{commit: b.commit}

	// copy the version set to allow further modifications to the builder
	if len(b.versions) != 0 {
		c.versions = make([]uint32, len(b.versions))
		copy(c.versions, b.versions)
	} else {
		c.versions = []uint32{DefaultVersion}
	}

	// copy the property list to allow further modifications to the builder
	if len(b.props) != 0 {
		c.props = make([]property, len(b.props))
		copy(c.props, b.props)
	}

	return c
}

// Reset resets the builder to be empty.
func (b *ControllerBuilder) Reset() {
	b.versions = nil
	b.commit = nil
	b.props = nil
	b.addr = nil
}

func (b *ControllerBuilder) copyCheck() {
	if b.addr == nil {
		b.addr = b
	} else if b.addr != b {
		panic("edgetwin: illegal use of non-zero ControllerBuilder copied by value")
	}
}
