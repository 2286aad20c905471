package neo4jregistry

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// BootstrapDatabase creates the necessary constraints for the database to be
// suitable for use by a twin registry.
//
// A TwinDevice is keyed by its target, and a TwinProperty by its (target,
// name) pair, preventing duplicate nodes caused by concurrent MERGEs.
//
// To execute queries against the created database, open a session with the
// database name as the default database. For example:
//
//	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name})
//	defer func() { _ = s.Close(ctx) }()
//	... use s ...
//
// This function is idempotent.
func BootstrapDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if err := createDatabase(ctx, d, name); err != nil {
		return fmt.Errorf("create database: %w", err)
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name})
	defer func() { _ = s.Close(ctx) }()

	_, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		// we use key constraints instead of uniqueness constraints because we
		// can (it is only available in the enterprise edition).
		_, err := s.Run(ctx, `
			CREATE CONSTRAINT IF NOT EXISTS
			FOR (n:TwinDevice)
			REQUIRE n.target IS NODE KEY
		`, nil)
		if err != nil {
			return nil, fmt.Errorf("key constraint: label TwinDevice: %w", err)
		}
		_, err = s.Run(ctx, `
			CREATE CONSTRAINT IF NOT EXISTS
			FOR (n:TwinProperty)
			REQUIRE (n.target, n.name) IS NODE KEY
		`, nil)
		if err != nil {
			return nil, fmt.Errorf("key constraint: label TwinProperty: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("create constraints: %w", err)
	}
	return s.Close(ctx)
}

func createDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if name == "" {
		panic("neo4jregistry: database name must not be empty")
	}
	if name == "neo4j" {
		panic("neo4jregistry: database name must not be neo4j: reserved for system database")
	}
	if strings.HasPrefix(name, "system") || strings.HasPrefix(name, "_") {
		panic("neo4jregistry: Names that begin with an underscore and with the prefix system are reserved for internal use")
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = s.Close(ctx) }()

	// create a new database if it does not exist
	_, err := s.Run(ctx, `
			CREATE DATABASE $name IF NOT EXISTS
		`, map[string]interface{}{
		"name": name,
	})
	return err
}
