package edgetwin

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"reflect"

	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"
)

// Mirror provides methods for folding reported-state change notifications
// into a Registry through event streams.
type Mirror struct {
	Registry Registry
}

// SaveChanges returns a component.Proc that subscribes to a pubsub
// subscription, decodes incoming StateChanged messages, and folds each one
// into the Mirror's Registry.
func (m Mirror) SaveChanges(sub *pubsub.Subscription) component.Proc {
	source := EventSource{
		subscription: sub,
		eventType:    reflect.TypeOf(StateChanged{}),
		decoder: func(p []byte, v reflect.Value) error {
			return gob.NewDecoder(bytes.NewReader(p)).DecodeValue(v)
		},
	}
	return source.Stream(func(ctx context.Context, msg any) error {
		changed := msg.(StateChanged)
		if err := m.Registry.Save(ctx, changed); err != nil {
			return fmt.Errorf("save: %w", err)
		}
		return nil
	})
}

// EventSource wraps a pubsub subscription and decodes incoming messages into
// typed events.
type EventSource struct {
	subscription *pubsub.Subscription
	eventType    reflect.Type
	decoder      func(p []byte, v reflect.Value) error
}

// EventHandler is a function that processes a decoded event message.
type EventHandler func(ctx context.Context, msg any) error

// Stream returns a component.Proc that continuously receives messages from
// the subscription, decodes them using the configured decoder, and passes
// them to the provided EventHandler.
func (s EventSource) Stream(h EventHandler) component.Proc {
	return func(l *component.L) {
		for l.Continue() {
			msg, err := s.subscription.Receive(l.Context())
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					// we're shutting down
					return
				}
				l.Fatal(fmt.Errorf("receive: %w", err))
			}
			// always ack, even if we fail to decode.
			// otherwise, we might get stuck processing
			// the same failed message
			msg.Ack()

			v := reflect.New(s.eventType)
			if err := s.decoder(msg.Body, v); err != nil {
				l.Fatal(fmt.Errorf("decode: %w", err))
			}

			if err := h(l.Context(), v.Elem().Interface()); err != nil {
				l.Fatal(fmt.Errorf("process: %w", err))
			}
		}
	}
}
