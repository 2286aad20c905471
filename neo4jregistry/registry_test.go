package neo4jregistry

import (
	"context"
	"testing"

	"github.com/bamajeed/edgetwin/internal/dbtest"
	"github.com/bamajeed/edgetwin/registrytest"
)

func TestRegistry(t *testing.T) {
	driver := dbtest.SetupNeo4j(t)
	registry, err := New(context.Background(), driver, "neo4j")
	if err != nil {
		t.Fatal(err)
	}
	registrytest.Run(t, registry, registry)
}
