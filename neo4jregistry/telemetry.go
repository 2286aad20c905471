package neo4jregistry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/bamajeed/edgetwin/neo4jregistry")
var meter = otel.Meter("github.com/bamajeed/edgetwin/neo4jregistry")

var (
	// sweptChangesCounter counts the changed twins detected by each sweep of
	// the graph. This counter helps us monitor the churn of the fleet's
	// reported state over time.
	sweptChangesCounter metric.Int64Counter
)

func init() {
	// We're initiating the metric instruments on the otel meter. Encountering
	// an error during an instrument's initialisation triggers a panic. This
	// scenario should not occur; if it does, it is likely related to the
	// attributes applied on the instrument.
	var err error
	sweptChangesCounter, err = meter.Int64Counter(
		"registry_sweep_changed_twins_counter",
		metric.WithDescription("how many changed twins a registry sweep has detected"),
	)
	if err != nil {
		s := fmt.Sprintf("sweep: failed to init 'registry_sweep_changed_twins_counter' instrument: %v", err)
		panic(s)
	}
}

// countSweptChanges records the number of changed twins detected by a single
// sweep, labelled with the target database name.
func countSweptChanges(ctx context.Context, database string, n int) {
	sweptChangesCounter.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("neo4j.database", database),
	))
}
