package edgetwin

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/bamajeed/edgetwin")
var meter = otel.Meter("github.com/bamajeed/edgetwin")

// ---- router.go ----

var (
	// processingDuration measures the duration of reconciling a single batch of
	// incoming desired values, including cascade writes, the concurrent commit
	// steps, readback and the full sweep of untouched cascades.
	processingDuration metric.Float64Histogram
	// processingBatchSize measures the number of desired values carried by each
	// reconciled batch.
	processingBatchSize metric.Int64Histogram
	// unsupportedSettings measures the number of incoming desired values that
	// resolved to no registered property and were skipped.
	unsupportedSettings metric.Int64Counter
)

// ---- fanout.go ----

const (
	// fleetNameKey is the attribute key used to associate each fanout record
	// with the corresponding fleet name. This enables detailed analysis of
	// metrics, such as fanoutDuration and fanoutFailures, allowing both
	// collective examination across all fleets and individual analysis per
	// fleet.
	fleetNameKey = "fleet"
)

var (
	// fanoutDuration measures the duration of a single StateChanged fanout,
	// including the duration it took to produce (to pubsub service) the entire
	// set of PropertyChanged messages.
	//
	// Each record is associated with the fleetNameKey.
	fanoutDuration metric.Float64Histogram
	// fanoutFailures measures the number of failed fanout processes.
	//
	// Each record is associated with the fleetNameKey.
	fanoutFailures metric.Int64Counter
)

func init() {
	var err error
	processingDuration, err = meter.Float64Histogram(
		"stateChanged.processing.duration",
		metric.WithDescription("The duration of reconciling a single batch of incoming desired values, including cascade writes, commits, readback and the sweep of untouched cascades."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("edgetwin: failed to init 'stateChanged.processing.duration' instrument")
	}

	processingBatchSize, err = meter.Int64Histogram(
		"stateChanged.processing.batchSize",
		metric.WithDescription("The number of desired values carried by each reconciled batch."),
	)
	if err != nil {
		panic("edgetwin: failed to init 'stateChanged.processing.batchSize' instrument")
	}

	unsupportedSettings, err = meter.Int64Counter(
		"stateChanged.processing.unsupported",
		metric.WithDescription("The number of incoming desired values that resolved to no registered property."),
	)
	if err != nil {
		panic("edgetwin: failed to init 'stateChanged.processing.unsupported' instrument")
	}

	fanoutDuration, err = meter.Float64Histogram(
		"stateChanged.fanout.duration",
		metric.WithDescription("The duration of a single StateChanged fanout, including the duration it took to produce (to pubsub service) the entire set of PropertyChanged messages."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("edgetwin: failed to init 'stateChanged.fanout.duration' instrument")
	}

	fanoutFailures, err = meter.Int64Counter(
		"stateChanged.fanout.failures",
		metric.WithDescription("The number of fanout processes that have failed."),
	)
	if err != nil {
		panic("edgetwin: failed to init 'stateChanged.fanout.failures' instrument")
	}
}

// measureProcessing records the duration of a single reconciliation pass and
// the size of the batch it reconciled.
func measureProcessing(ctx context.Context, batchSize int, d time.Duration) {
	// We use floating-point division here for higher precision (instead of the
	// Millisecond method).
	duration := float64(d) / float64(time.Millisecond)
	processingDuration.Record(ctx, duration)
	processingBatchSize.Record(ctx, int64(batchSize))
}

// countUnsupportedSetting counts a single incoming desired value that resolved
// to no registered property.
func countUnsupportedSetting(ctx context.Context) {
	unsupportedSettings.Add(ctx, 1)
}

// measureFanout measures the fanout process using the measurements
// fanoutDuration and fanoutFailures. If the fanout process succeeded, we
// record its duration. If it failed, we increment the failure counter.
//
// Each record, whether it's for fanout duration or failures, is labeled with
// the relevant fleet name. This labeling allows for collective analysis of all
// fanout processes, as well as detailed individual analysis for each fleet.
//
// According to [metric] documentation, [metric.WithAttributeSet] should be
// used instead of [metric.WithAttributes] for performance optimization.
func measureFanout(ctx context.Context, fleetName string, succeeded bool, d time.Duration) {
	// According to go.opentelemetry.io/otel/attribute package documentation,
	// attribute.Set should be used instead of attribute.KeyValue directly for
	// performance optimization.
	attrs := attribute.NewSet(attribute.String(fleetNameKey, fleetName))
	if succeeded {
		duration := float64(d) / float64(time.Millisecond)
		fanoutDuration.Record(ctx, duration, metric.WithAttributeSet(attrs))
	} else {
		fanoutFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
}
