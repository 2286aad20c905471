package host

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/bamajeed/edgetwin/host")

var (
	// reportDuration measures the duration of pushing a reported patch
	// upstream, including the transport round-trip.
	reportDuration metric.Float64Histogram
	// reportFailures measures the number of reported patches that failed to
	// push upstream.
	reportFailures metric.Int64Counter
	// eventsSent measures the number of event messages sent upstream.
	eventsSent metric.Int64Counter
)

func init() {
	var err error
	reportDuration, err = meter.Float64Histogram(
		"twin.report.duration",
		metric.WithDescription("The duration of pushing a reported patch upstream, including the transport round-trip."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("host: failed to init 'twin.report.duration' instrument")
	}

	reportFailures, err = meter.Int64Counter(
		"twin.report.failures",
		metric.WithDescription("The number of reported patches that failed to push upstream."),
	)
	if err != nil {
		panic("host: failed to init 'twin.report.failures' instrument")
	}

	eventsSent, err = meter.Int64Counter(
		"twin.events.sent",
		metric.WithDescription("The number of event messages sent upstream."),
	)
	if err != nil {
		panic("host: failed to init 'twin.events.sent' instrument")
	}
}

// measureReport records the outcome of a single reported push. If the push
// succeeded, we record its duration. If it failed, we increment the failure
// counter.
func measureReport(ctx context.Context, succeeded bool, d time.Duration) {
	if succeeded {
		// We use floating-point division here for higher precision (instead
		// of the Millisecond method).
		duration := float64(d) / float64(time.Millisecond)
		reportDuration.Record(ctx, duration)
	} else {
		reportFailures.Add(ctx, 1)
	}
}

// countEventsSent counts event messages successfully sent upstream.
func countEventsSent(ctx context.Context, n int) {
	eventsSent.Add(ctx, int64(n))
}
