package edgetwin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danielorbach/go-component"
	"golang.org/x/sync/errgroup"
)

// A Router maintains a name-indexed table of versioned property handlers and
// reconciles incoming desired values against them.
//
// Each logical property name owns a cascade: a version-ordered list of
// bindings contributed by one or more controllers. Writes and reads try the
// lowest version first and fall through to the next on failure, stopping at
// the first success. Property names are case-insensitive.
//
// The router also owns the reported cache used for diff suppression. The
// cache is guarded by an internal mutex, independent of any gate its callers
// hold, so a single router can in principle serve multiple hosts.
type Router struct {
	mu       sync.Mutex          // guards cache during read/compare/update
	cascades map[string]*cascade // lower-cased property name -> cascade
	cache    map[string]Value    // lower-cased reported key -> last reported value
}

// NewRouter returns an empty, ready-to-use Router. Populate it with Register
// before processing any batches; two-phase construction avoids circular
// ownership between controllers and the router.
func NewRouter() *Router {
	return &Router{
		cascades: make(map[string]*cascade),
		cache:    make(map[string]Value),
	}
}

// controllerRecord is one registered controller at one version. Controllers
// registered at several versions produce one record per version, sharing the
// commit step.
type controllerRecord struct {
	version uint32
	commit  CommitFunc
}

// An invoker binds one controllerRecord to one property descriptor.
type invoker struct {
	prop    property
	owner   *controllerRecord
	version uint32
}

// A cascade is the version-ordered list of invokers sharing one logical
// property name. Invokers are kept strictly ascending by version.
type cascade struct {
	// The reported name of the cascade is the name of its first invoker with
	// a non-wildcard name; the wildcard cascade reports no name.
	display  string
	invokers []*invoker
}

func (c *cascade) insert(inv *invoker) error {
	idx := sort.Search(len(c.invokers), func(i int) bool {
		return c.invokers[i].version >= inv.version
	})
	if idx < len(c.invokers) && c.invokers[idx].version == inv.version {
		return fmt.Errorf("duplicate version %d", inv.version)
	}
	c.invokers = append(c.invokers, nil)
	copy(c.invokers[idx+1:], c.invokers[idx:])
	c.invokers[idx] = inv
	return nil
}

// errNotWritable is surfaced when a cascade holds no writable binding at all.
var errNotWritable = errors.New("property is not writable")

// write cascades the value through the invokers, lowest version first, and
// returns the owning controller record of the first successful write.
//
// If every version fails, the most recent failure is returned; earlier
// distinct errors are discarded (last-failure-wins).
func (c *cascade) write(ctx context.Context, key string, v Value) (*controllerRecord, error) {
	err := errNotWritable
	for _, inv := range c.invokers {
		if !inv.prop.writable() {
			continue
		}
		var werr error
		if inv.prop.indexed {
			werr = inv.prop.setIndexed(ctx, key, v)
		} else {
			werr = inv.prop.set(ctx, v)
		}
		if werr != nil {
			err = werr
			continue
		}
		return inv.owner, nil
	}
	return nil, err
}

// read cascades through the readable invokers, lowest version first. The
// returned bool reports whether any readable binding exists at all; when it
// is false the caller should echo the originally supplied value instead.
func (c *cascade) read(ctx context.Context, key string) (Value, bool, error) {
	var lastErr error
	readable := false
	for _, inv := range c.invokers {
		if !inv.prop.readable() {
			continue
		}
		readable = true
		var v Value
		var err error
		if inv.prop.indexed {
			v, err = inv.prop.getIndexed(ctx, key)
		} else {
			v, err = inv.prop.get(ctx)
		}
		if err != nil {
			lastErr = err
			continue
		}
		return v, true, nil
	}
	return Value{}, readable, lastErr
}

// Register expands the given controllers into per-version invoker records and
// appends them to the router's cascades.
//
// Registering two bindings for the same property name at the same version is
// an error, as resolution between them would be ambiguous.
func (r *Router) Register(controllers ...Controller) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, c := range controllers {
		for _, version := range c.versions {
			rec := &controllerRecord{version: version, commit: c.commit}
			for _, p := range c.props {
				if !p.writable() && !p.readable() {
					continue
				}
				lower := strings.ToLower(p.name)
				cas := r.cascades[lower]
				if cas == nil {
					cas = &cascade{}
					r.cascades[lower] = cas
				}
				if cas.display == "" && p.name != DefaultName {
					cas.display = p.name
				}
				if err := cas.insert(&invoker{prop: p, owner: rec, version: version}); err != nil {
					return fmt.Errorf("controller %d: property %q: %w", i, p.name, err)
				}
			}
		}
	}
	return nil
}

// resolve returns the cascade claiming the given key, falling back to the
// wildcard cascade when no named cascade matches. A nil result means the
// setting is unsupported.
func (r *Router) resolve(key string) *cascade {
	if cas, ok := r.cascades[strings.ToLower(key)]; ok {
		return cas
	}
	return r.cascades[DefaultName]
}

// ProcessIncoming applies a batch of incoming desired values and returns the
// diff of values that must be reported back to the remote store.
//
// Keys that resolve to no cascade are recorded as unsupported and skipped.
// Keys whose writes exhaust every version are logged and read back anyway, so
// the remote store learns the value that is actually in effect. After all
// writes, the commit steps of the affected controllers run concurrently; a
// failing commit is logged and never aborts its siblings or the batch.
//
// Cascades untouched by the batch are swept as well, so controllers whose
// state changed as a side effect of an unrelated setting still surface their
// new value. Values structurally equal to the reported cache are suppressed.
func (r *Router) ProcessIncoming(ctx context.Context, incoming map[string]Value) (map[string]Value, error) {
	logger := component.Logger(ctx)
	defer func(start time.Time) {
		measureProcessing(ctx, len(incoming), time.Since(start))
	}(time.Now())

	type touched struct {
		key string // original-case incoming key
		cas *cascade
	}
	var batch []touched
	affected := make(map[*controllerRecord]struct{})

	for key, value := range incoming {
		cas := r.resolve(key)
		if cas == nil {
			logger.Warn("Unsupported setting", "setting", key)
			countUnsupportedSetting(ctx)
			continue
		}
		owner, err := cas.write(ctx, key, value)
		if err != nil {
			// The key stays in the batch: the readback below reports the
			// value actually in effect, or null when nothing is readable.
			logger.Error("Failed to apply setting", "setting", key, "error", err)
		} else if owner.commit != nil {
			affected[owner] = struct{}{}
		}
		batch = append(batch, touched{key: key, cas: cas})
	}

	// Fan out the commit steps of all distinct affected controllers. We use a
	// bare errgroup (no shared cancellation) because a failing commit must
	// not cancel its siblings; failures are logged inside each goroutine.
	var g errgroup.Group
	for rec := range affected {
		g.Go(func() error {
			if err := rec.commit(ctx); err != nil {
				logger.Error("Controller commit failed", "version", rec.version, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait() // the goroutines always return nil

	r.mu.Lock()
	defer r.mu.Unlock()

	diff := make(map[string]Value)
	handled := make(map[string]struct{}, len(batch))

	for _, t := range batch {
		lower := strings.ToLower(t.key)
		handled[lower] = struct{}{}
		v, readable, err := t.cas.read(ctx, t.key)
		switch {
		case err != nil:
			// Reading back failed entirely: report null to clear the
			// property upstream and forget it locally, so the next batch
			// retries from a clean slate.
			logger.Error("Failed to read back setting", "setting", t.key, "error", err)
			diff[t.key] = Null()
			delete(r.cache, lower)
			continue
		case !readable:
			v = incoming[t.key] // echo the originally supplied value
		}
		if cached, ok := r.cache[lower]; !ok || !cached.Equal(v) {
			diff[t.key] = v
		}
		r.cache[lower] = v
	}

	r.collectChanges(ctx, diff, handled)
	return diff, nil
}

// FullState collects the current reportable state of the entire cascade
// table, suppressing values structurally equal to the reported cache. It is
// used to snapshot state, for example at reconnect.
func (r *Router) FullState(ctx context.Context) (map[string]Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	diff := make(map[string]Value)
	r.collectChanges(ctx, diff, nil)
	return diff, nil
}

// Seed replaces the reported cache with the given values, typically the
// reported section of a freshly fetched twin. Keys are case-insensitive.
func (r *Router) Seed(values map[string]Value) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache = make(map[string]Value, len(values))
	for key, v := range values {
		r.cache[strings.ToLower(key)] = v
	}
}

// collectChanges visits every cascade whose keys do not appear in handled and
// appends values that differ from the reported cache to diff. Callers must
// hold r.mu.
func (r *Router) collectChanges(ctx context.Context, diff map[string]Value, handled map[string]struct{}) {
	logger := component.Logger(ctx)
	for lower, cas := range r.cascades {
		if lower == DefaultName {
			r.collectIndexed(ctx, cas, diff, handled)
			continue
		}
		if _, ok := handled[lower]; ok {
			continue
		}
		v, readable, err := cas.read(ctx, cas.display)
		if err != nil || !readable {
			if err != nil {
				logger.Debug("Skipping unreadable setting during sweep", "setting", cas.display, "error", err)
			}
			continue
		}
		if cached, ok := r.cache[lower]; !ok || !cached.Equal(v) {
			diff[cas.display] = v
			r.cache[lower] = v
		}
	}
}

// collectIndexed sweeps the wildcard cascade by enumerating the currently
// valid keys of its indexed bindings. Bindings without a key enumerator are
// excluded from sweeps; their touched keys are still reported through
// ProcessIncoming. Callers must hold r.mu.
func (r *Router) collectIndexed(ctx context.Context, cas *cascade, diff map[string]Value, handled map[string]struct{}) {
	logger := component.Logger(ctx)
	seen := make(map[string]struct{})
	for _, inv := range cas.invokers {
		if inv.prop.keys == nil {
			continue
		}
		keys, err := inv.prop.keys(ctx)
		if err != nil {
			logger.Debug("Failed to enumerate indexed keys during sweep", "error", err)
			continue
		}
		for _, key := range keys {
			lower := strings.ToLower(key)
			if _, ok := handled[lower]; ok {
				continue
			}
			if _, ok := seen[lower]; ok {
				continue
			}
			seen[lower] = struct{}{}
			v, readable, err := cas.read(ctx, key)
			if err != nil || !readable {
				continue
			}
			if cached, ok := r.cache[lower]; !ok || !cached.Equal(v) {
				diff[key] = v
				r.cache[lower] = v
			}
		}
	}
}
