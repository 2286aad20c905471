package host

import (
	"time"

	"github.com/google/uuid"
)

// A Message is one event envelope travelling from the device to the cloud
// side. The envelope stamps routing metadata around an opaque payload; the
// transport maps these fields onto its protocol's message properties.
type Message struct {
	// ID uniquely identifies the message for deduplication by downstream
	// consumers.
	ID string

	// Body is the opaque event payload. It is released when the message is
	// closed and must not be used afterwards.
	Body []byte

	// ContentType and ContentEncoding describe the serialisation of Body
	// (e.g. "application/json" and "utf-8").
	ContentType     string
	ContentEncoding string

	// Schema names the event schema the payload conforms to, so consumers
	// can route without inspecting the body.
	Schema string

	// The identity of the sender, stamped by the Host.
	DeviceID string
	ModuleID string

	// CreatedAt is the time, in UTC, the envelope was built.
	CreatedAt time.Time
}

// newMessage builds an envelope around the given payload, stamping a fresh
// message ID and the creation timestamp.
func newMessage(payload []byte, contentType, schema, encoding, deviceID, moduleID string) *Message {
	return &Message{
		ID:              uuid.NewString(),
		Body:            payload,
		ContentType:     contentType,
		ContentEncoding: encoding,
		Schema:          schema,
		DeviceID:        deviceID,
		ModuleID:        moduleID,
		CreatedAt:       time.Now().UTC(),
	}
}

// Close releases the payload buffer. Messages are closed by the Host after
// every send attempt, successful or not, so transports must not retain the
// body beyond the send call.
func (m *Message) Close() {
	m.Body = nil
}
