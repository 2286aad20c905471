// Package neo4jregistry stores the reported documents of a fleet of twins in
// a Neo4j graph database.
//
// Each twin is a (:TwinDevice) node connected through [:REPORTS] relationships
// to one (:TwinProperty) node per reported property. Property values are
// stored in their canonical JSON encoding, so arbitrary structured values
// round-trip without a schema.
package neo4jregistry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bamajeed/edgetwin"
	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Registry persists reported-state change notifications to a Neo4j graph and
// implements [edgetwin.Registry].
//
// It also implements [edgetwin.Sweeper]: Sweep reviews the entire graph and
// returns the changes since the previous sweep. To facilitate that behaviour,
// the Registry keeps a snapshot of all reported documents it had observed up
// to the last call to Sweep. New configures the initial value of that
// internal snapshot.
type Registry struct {
	driver   neo4j.DriverWithContext // Connection to the neo4j server/cluster.
	database string                  // Target database name that identifies the specific underlying neo4j graph.
	snapshot snapshot

	// Ensures multiple concurrent Save transactions can safely modify the
	// graph, while Sweep gets an exclusive lock to observe a consistent
	// state.
	txMutex graphWRMutex
}

// New returns a ready-to-use Registry using the given database as the
// underlying neo4j graph.
//
// The function initialises the Registry with a snapshot of the reported
// documents currently stored in the given graph, so the first Sweep reports
// only changes made after this call.
func New(ctx context.Context, driver neo4j.DriverWithContext, database string) (*Registry, error) {
	s, err := captureSnapshot(ctx, driver, database)
	if err != nil {
		return nil, fmt.Errorf("capture initial snapshot: %w", err)
	}
	return &Registry{
		driver:   driver,
		database: database,
		snapshot: s,
	}, nil
}

// Save folds the given change notification into the stored document of the
// respective twin: updated properties are upserted and removed properties are
// deleted. The changes apply in a single transaction, which is rolled back
// should any statement fail, so a notification applies atomically.
//
// An empty notification has no effect and returns nil.
func (r *Registry) Save(ctx context.Context, changed edgetwin.StateChanged) (err error) {
	if changed.IsEmpty() {
		return nil
	}

	ctx, span := tracer.Start(ctx, "Save", trace.WithAttributes(
		attribute.String("neo4j.database", r.database),
		attribute.String("twin.target", changed.Target()),
	))
	defer span.End()
	logger := component.Logger(ctx).With("neo4j.database", r.database)

	// We open a new session for every query cycle to ensure transactional
	// isolation and to prevent any state carryover between different query
	// executions. This practice enhances robustness because any
	// session-specific errors or resources are contained and do not affect
	// subsequent operations.
	s := r.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: r.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer func() {
		if err := s.Close(ctx); err != nil {
			logger.Error("Failed to close session", "error", err, "mode", "write")
		}
	}()

	// We use a special mutex to exclusively either write or read.
	//
	// Here we lock for concurrent write-operations before initiating the
	// write-transaction to prevent a concurrent Sweep from observing a
	// half-applied notification.
	r.txMutex.WLock()
	defer r.txMutex.WUnlock()

	// We use write transactions because the neo4j SDK can provide transaction
	// management features such as retries, error handling, and deadlock
	// resolution.
	_, err = s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		return nil, applyChange(ctx, tx, changed)
	})
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	} else if err != nil {
		return fmt.Errorf("neo4j execute: %w", err)
	}
	return nil
}

// applyChange executes the Cypher statements that fold a single change
// notification into the graph within the given transaction.
func applyChange(ctx context.Context, tx neo4j.ManagedTransaction, changed edgetwin.StateChanged) error {
	target := changed.Target()

	_, err := tx.Run(ctx, `
		MERGE (d:TwinDevice {target: $target})
		ON CREATE SET d.deviceId = $deviceId, d.moduleId = $moduleId
	`, map[string]interface{}{
		"target":   target,
		"deviceId": changed.DeviceID,
		"moduleId": changed.ModuleID,
	})
	if err != nil {
		return fmt.Errorf("merge device: %w", err)
	}

	for name, v := range changed.Updated {
		_, err := tx.Run(ctx, `
			MATCH (d:TwinDevice {target: $target})
			MERGE (d)-[:REPORTS]->(p:TwinProperty {target: $target, name: $name})
			SET p.value = $value
		`, map[string]interface{}{
			"target": target,
			"name":   name,
			"value":  v.String(),
		})
		if err != nil {
			return fmt.Errorf("upsert property %q: %w", name, err)
		}
	}

	for _, name := range changed.Removed {
		_, err := tx.Run(ctx, `
			MATCH (:TwinDevice {target: $target})-[:REPORTS]->(p:TwinProperty {name: $name})
			DETACH DELETE p
		`, map[string]interface{}{
			"target": target,
			"name":   name,
		})
		if err != nil {
			return fmt.Errorf("remove property %q: %w", name, err)
		}
	}
	return nil
}

// Load returns the stored reported document of the given twin. A twin that
// was never saved yields an empty (non-nil) document and a nil error.
func (r *Registry) Load(ctx context.Context, deviceID, moduleID string) (map[string]edgetwin.Value, error) {
	ctx, span := tracer.Start(ctx, "Load", trace.WithAttributes(
		attribute.String("neo4j.database", r.database),
	))
	defer span.End()
	logger := component.Logger(ctx).With("neo4j.database", r.database)

	s := r.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: r.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer func() {
		if err := s.Close(ctx); err != nil {
			logger.Error("Failed to close session", "error", err, "mode", "read")
		}
	}()

	target := edgetwin.StateChanged{DeviceID: deviceID, ModuleID: moduleID}.Target()
	doc, err := neo4j.ExecuteRead(ctx, s, func(tx neo4j.ManagedTransaction) (map[string]edgetwin.Value, error) {
		result, err := tx.Run(ctx, `
			MATCH (:TwinDevice {target: $target})-[:REPORTS]->(p:TwinProperty)
			RETURN p.name AS name, p.value AS value
		`, map[string]interface{}{"target": target})
		if err != nil {
			return nil, err
		}
		doc := make(map[string]edgetwin.Value)
		for result.Next(ctx) {
			name, value, err := parseProperty(result.Record())
			if err != nil {
				return nil, err
			}
			doc[name] = value
		}
		return doc, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j execute: %w", err)
	}
	return doc, nil
}

// Sweep reviews the entire graph to create a map of its reported documents.
// This allows detecting any new twins that have appeared, any existing ones
// whose properties changed, and any that are no longer there.
//
// Once it has finished its detailed sweep, Sweep returns the changes it has
// detected, one StateChanged notification per changed twin.
//
// Before returning, the function updates its internal records to keep a
// snapshot of the reported documents that is up to date with this review. If
// an error occurs during the sweep, the function does not update its internal
// records so that the next call runs as if the failed execution had never
// been called.
func (r *Registry) Sweep(ctx context.Context) (changes []edgetwin.StateChanged, err error) {
	ctx, span := tracer.Start(ctx, "Sweep", trace.WithAttributes(
		attribute.String("neo4j.database", r.database),
	))
	defer span.End()
	logger := component.Logger(ctx).With("neo4j.database", r.database)
	ctx = component.InjectLogger(ctx, logger) // Inject for further logs down the call-stack.

	next, err := r.fetchDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch documents: %w", err)
	}

	now := time.Now().UTC()
	changes = r.snapshot.Diff(next, now)
	countSweptChanges(ctx, r.database, len(changes))

	// Before returning, we don't forget to update the previously stored
	// snapshot for the next time this function is called.
	r.snapshot = next
	return changes, nil
}

// Sweep calls fetchDocuments to exclusively read the graph, without side
// effects from concurrent write-transactions (calls to Save).
func (r *Registry) fetchDocuments(ctx context.Context) (snapshot, error) {
	// We open a new session for every query cycle to ensure transactional
	// isolation and to prevent any state carryover between different query
	// executions.
	s := r.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: r.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer func() {
		if err := s.Close(ctx); err != nil {
			component.Logger(ctx).Error("Failed to close session", "error", err, "mode", "read")
		}
	}()

	// Acquire an exclusive lock before starting the graph read operation to
	// ensure that the observed documents remain consistent and are not being
	// modified by concurrent write transactions. See graphWRMutex
	// documentation for more information.
	r.txMutex.Lock()
	// Release the exclusive lock to allow write transactions to proceed now
	// that the graph read operation is complete.
	defer r.txMutex.Unlock()

	return fetchSnapshot(ctx, s)
}
