package neo4jregistry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bamajeed/edgetwin"
	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
)

// A snapshot stores the reported documents of the entire fleet, keyed by twin
// target. It is mostly used to compute the difference between two snapshots
// using the Diff method.
type snapshot map[string]document

// A document is one twin's reported property bag as stored in the graph,
// together with the identities needed to address change notifications.
type document struct {
	deviceID string
	moduleID string
	props    map[string]edgetwin.Value
}

// captureSnapshot uses the given neo4j connection to iterate over the entire
// graph (specified by the given database name) while collecting the reported
// document of every twin.
func captureSnapshot(ctx context.Context, d neo4j.DriverWithContext, database string) (snapshot, error) {
	logger := component.Logger(ctx).With("neo4j.database", database)

	s := d.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer func() {
		if err := s.Close(ctx); err != nil {
			logger.Error("Failed to close registry's read session", "error", err)
		}
	}()

	return fetchSnapshot(ctx, s)
}

// fetchSnapshot queries all twin devices and their reported properties
// through the given session.
func fetchSnapshot(ctx context.Context, s neo4j.SessionWithContext) (snapshot, error) {
	return neo4j.ExecuteRead(ctx, s, func(tx neo4j.ManagedTransaction) (snapshot, error) {
		result, err := tx.Run(ctx, `
			MATCH (d:TwinDevice)
			OPTIONAL MATCH (d)-[:REPORTS]->(p:TwinProperty)
			RETURN d.target AS target, d.deviceId AS deviceId, d.moduleId AS moduleId,
			       p.name AS name, p.value AS value
		`, nil)
		if err != nil {
			return nil, fmt.Errorf("fetch documents: %w", err)
		}

		ss := make(snapshot)
		for result.Next(ctx) {
			record := result.Record()
			target, err := stringProperty(record, "target")
			if err != nil {
				return nil, err
			}
			doc, ok := ss[target]
			if !ok {
				doc.deviceID, err = stringProperty(record, "deviceId")
				if err != nil {
					return nil, err
				}
				doc.moduleID, err = stringProperty(record, "moduleId")
				if err != nil {
					return nil, err
				}
				doc.props = make(map[string]edgetwin.Value)
				ss[target] = doc
			}

			// The OPTIONAL MATCH yields a nil name for a device without any
			// reported properties; such a device still occupies the snapshot
			// with an empty document.
			if name, _ := record.Get("name"); name == nil {
				continue
			}
			name, value, err := parseProperty(record)
			if err != nil {
				return nil, err
			}
			doc.props[name] = value
		}
		// Neo4j's result cursor is exhausted by now. We check its Err method
		// to get the error that caused the iteration to stop, if any.
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("iterate documents: %w", err)
		}
		return ss, nil
	})
}

// Diff compares the snapshot against a newer one and returns one StateChanged
// notification per twin whose document changed: appeared properties and
// changed values populate Updated, disappeared properties populate Removed. A
// twin present only in the older snapshot yields a notification removing all
// of its properties.
//
// The given timestamp is stamped on every produced notification.
func (s snapshot) Diff(next snapshot, at time.Time) []edgetwin.StateChanged {
	var changes []edgetwin.StateChanged

	for target, doc := range next {
		prev, existed := s[target]
		changed := edgetwin.StateChanged{
			DeviceID:  doc.deviceID,
			ModuleID:  doc.moduleID,
			Timestamp: at,
		}
		for name, v := range doc.props {
			if existed {
				if old, ok := prev.props[name]; ok && old.Equal(v) {
					continue
				}
			}
			if changed.Updated == nil {
				changed.Updated = make(map[string]edgetwin.Value)
			}
			changed.Updated[name] = v
		}
		if existed {
			for name := range prev.props {
				if _, ok := doc.props[name]; !ok {
					changed.Removed = append(changed.Removed, name)
				}
			}
		}
		if !changed.IsEmpty() {
			sortRemoved(&changed)
			changes = append(changes, changed)
		}
	}

	for target, prev := range s {
		if _, ok := next[target]; ok {
			continue
		}
		changed := edgetwin.StateChanged{
			DeviceID:  prev.deviceID,
			ModuleID:  prev.moduleID,
			Timestamp: at,
		}
		for name := range prev.props {
			changed.Removed = append(changed.Removed, name)
		}
		if !changed.IsEmpty() {
			sortRemoved(&changed)
			changes = append(changes, changed)
		}
	}

	return changes
}

// sortRemoved keeps the Removed list deterministic, so equal sweeps produce
// byte-identical notifications.
func sortRemoved(c *edgetwin.StateChanged) {
	sort.Strings(c.Removed)
}

// parseProperty extracts the name and value of a TwinProperty from a query
// record. Values are stored in their canonical JSON encoding.
func parseProperty(record *db.Record) (string, edgetwin.Value, error) {
	name, err := stringProperty(record, "name")
	if err != nil {
		return "", edgetwin.Value{}, err
	}
	encoded, err := stringProperty(record, "value")
	if err != nil {
		return "", edgetwin.Value{}, err
	}
	var v edgetwin.Value
	if err := v.UnmarshalJSON([]byte(encoded)); err != nil {
		return "", edgetwin.Value{}, fmt.Errorf("property %q: %w", name, err)
	}
	return name, v, nil
}

// stringProperty extracts a string-typed column from a query record,
// reporting missing columns and type mismatches explicitly so a modified
// Cypher query fails loudly instead of silently yielding zero values.
func stringProperty(record *db.Record, key string) (string, error) {
	raw, ok := record.Get(key)
	if !ok {
		return "", fmt.Errorf("column %q not found", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("column %q: unexpected type %T", key, raw)
	}
	return s, nil
}
