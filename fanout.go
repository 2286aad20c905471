package edgetwin

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/pubsub"
	"golang.org/x/sync/errgroup"
)

type fanout struct {
	fleetName string
	source    *pubsub.Subscription
	sink      *pubsub.Topic
}

// NewFanout returns a [component.Procedure] that splits bulk StateChanged
// notifications (received from the given source) into individual per-property
// change notifications and publishes them to the specified sink.
//
// It consumes edgetwin.StateChanged notifications and produces
// edgetwin.PropertyChanged notifications.
//
// The fanout measures the duration of processing each change notification and
// labels each measurement record with the provided fleet name (e.g.
// "factory-floor").
func NewFanout(fleetName string, source *pubsub.Subscription, sink *pubsub.Topic) component.Procedure {
	return fanout{
		fleetName: fleetName,
		source:    source,
		sink:      sink,
	}
}

func (f fanout) Exec(l *component.L) {
	logger := component.Logger(l.Context())
	for l.Continue() {
		msg, err := f.source.Receive(l.GraceContext())
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return
			}

			// Based on the pubsub Receive function documentation, if Receive
			// returns an error, it is either a non-retryable error from the
			// underlying driver or indicates that the provided context is
			// Done. In case of a non-retryable error, we should either
			// recreate the Subscription or exit. Since we lack the mechanism
			// to recreate the target Subscription, we opt to trigger a
			// process shutdown.
			panic("cannot receive messages from the pubsub service")
		}

		err = f.handleMessage(l.GraceContext(), logger, msg)
		if err != nil {
			// Downstream consumers rely on observing every property of a
			// changeset before the next changeset arrives. Therefore, if
			// handleMessage fails for any reason, we initiate a process
			// shutdown. The service will then continuously attempt to process
			// the same message until it succeeds.
			logger.Error("Couldn't handle StateChanged message",
				slog.Any("error", err),
			)
			panic("cannot proceed to the next StateChanged message due to failure")
		}

		// Acknowledge the message only if the handling process is fully
		// successful, as the service maintains an at-least-once delivery
		// constraint.
		msg.Ack()
	}
}

// handleMessage handles a StateChanged message by splitting it into
// PropertyChanged messages and publishing each one to the sink. It returns an
// error if it fails to publish even a single PropertyChanged message.
func (f fanout) handleMessage(ctx context.Context, logger *slog.Logger, msg *pubsub.Message) (err error) {
	ctx, span := tracer.Start(ctx, "fanout.handleMessage", trace.WithAttributes(
		attribute.String("msg.id", msg.LoggableID),
	))
	defer span.End()

	defer func(start time.Time) {
		success := err == nil
		elapsed := time.Since(start)
		measureFanout(ctx, f.fleetName, success, elapsed)
	}(time.Now())

	var changed StateChanged
	if err := gob.NewDecoder(bytes.NewReader(msg.Body)).Decode(&changed); err != nil {
		err := fmt.Errorf("decode gob: %w", err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if changed.IsEmpty() {
		logger.Info("There are no changes in the StateChanged message, message skipped", slog.String("target", changed.Target()))
		return nil
	}

	logger = logger.With(slog.String("target", changed.Target()))
	logger.Debug("Splitting state change into property changes...")
	propertyChanges := splitState(changed)

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range propertyChanges {
		g.Go(func() error {
			return f.notifyChange(ctx, logger, c)
		})
	}

	// Ensures that any goroutines started by the error group are allowed to
	// finish and that their errors are handled before the function can
	// return, thus maintaining robust error tracking.
	if err := g.Wait(); err != nil {
		return fmt.Errorf("send property changes: %w", err)
	}
	logger.Info("StateChanged message handled successfully")

	return nil
}

func (f fanout) notifyChange(ctx context.Context, logger *slog.Logger, c PropertyChanged) error {
	ctx, span := tracer.Start(ctx, "fanout.notifyChange", trace.WithAttributes(
		attribute.String("twin.target", c.Target()),
		attribute.String("property.name", c.Name),
	))
	defer span.End()

	logger = logger.With(slog.String("property", c.Name))
	var b bytes.Buffer
	enc := gob.NewEncoder(&b)
	if err := enc.Encode(c); err != nil {
		err := fmt.Errorf("encode gob: %w", err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	logger.Debug("Sending PropertyChanged message...")
	// To ensure ordered message delivery with the Kafka messaging broker,
	// messages can be produced with a key. Kafka guarantees that messages
	// with the same key are written to the same topic partition. As consumers
	// read messages in order from each partition, the message ordering is
	// preserved.
	//
	// The twin target is included as metadata on the message to enable
	// key-based partitioning in Kafka, so every consumer observes the
	// property changes of a single twin in the order they were produced.
	msg := &pubsub.Message{Body: b.Bytes(), Metadata: map[string]string{"target": c.Target()}}
	if err := f.sink.Send(ctx, msg); err != nil {
		err := fmt.Errorf("send: %w", err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	logger.Debug("PropertyChanged message sent successfully")

	return nil
}

// PropertyChanged notifies about a change to a single property of a twin. The
// change is either an updated value or a removal; use Removed to distinguish.
type PropertyChanged struct {
	DeviceID string
	ModuleID string
	Name     string
	Value    Value
	Removed  bool
	// The time, in UTC, the full state change was computed. The information
	// in this message is accurate up to this timestamp, not a moment
	// afterwards.
	Timestamp time.Time
}

// Target returns the identity of the twin this change belongs to.
func (c PropertyChanged) Target() string {
	if c.ModuleID == "" {
		return c.DeviceID
	}
	return c.DeviceID + "/" + c.ModuleID
}

// splitState splits the provided StateChanged message into individual
// PropertyChanged messages, one for each updated or removed property. It
// returns a slice of PropertyChanged messages.
func splitState(changed StateChanged) (changes []PropertyChanged) {
	for name, v := range changed.Updated {
		changes = append(changes, PropertyChanged{
			DeviceID:  changed.DeviceID,
			ModuleID:  changed.ModuleID,
			Name:      name,
			Value:     v,
			Timestamp: changed.Timestamp,
		})
	}

	for _, name := range changed.Removed {
		changes = append(changes, PropertyChanged{
			DeviceID:  changed.DeviceID,
			ModuleID:  changed.ModuleID,
			Name:      name,
			Removed:   true,
			Timestamp: changed.Timestamp,
		})
	}

	return changes
}
