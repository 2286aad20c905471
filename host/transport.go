// Package host owns the connection lifecycle between one device (or module)
// and its remote twin. A Host connects through a Transport, reconciles the
// fetched twin through an [edgetwin.Router], and pushes the corrected state
// back upstream. Thereafter it listens for incremental desired-state pushes
// and serialises every state-changing operation through a single exclusive
// gate.
//
// The package does not define the wire protocol used to reach the twin store;
// that is the Transport implementer's concern.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bamajeed/edgetwin"
)

// A Twin is the remote-held state snapshot for one device or module: the
// desired section carries target values pushed from the cloud side, and the
// reported section carries the values this process last pushed upstream.
type Twin struct {
	DeviceID string
	ModuleID string
	Desired  map[string]edgetwin.Value
	Reported map[string]edgetwin.Value
}

// A DesiredHandler is invoked by the transport whenever the cloud side pushes
// an incremental patch to the desired section of the twin.
type DesiredHandler func(ctx context.Context, patch map[string]edgetwin.Value)

// A MethodHandler is invoked by the transport whenever the cloud side calls a
// method on this device or module. It returns the status code and payload to
// relay back to the remote caller.
type MethodHandler func(ctx context.Context, method string, payload []byte) (status int, result []byte)

// A MethodTarget addresses the device or module a remote method call is
// directed at. An empty ModuleID addresses the device itself.
type MethodTarget struct {
	DeviceID string
	ModuleID string
}

// A MethodResult carries the outcome of a remote method call: the status code
// reported by the remote handler and its raw response payload.
type MethodResult struct {
	Status  int
	Payload []byte
}

// A Transport connects to the remote twin store. Implementations wrap a
// concrete protocol client (MQTT, AMQP, a cloud SDK) behind this minimal
// surface.
type Transport interface {
	// Connect dials the remote twin store and returns a ready Client. The
	// returned Client is owned by the caller and must be closed through its
	// Close method.
	Connect(ctx context.Context) (Client, error)
}

// A Client is one active session against the remote twin store. All methods
// may block on network traffic; the Host serialises its use of the Client
// behind an exclusive gate, so implementations need not be safe for
// concurrent use, with the exception of the handler registration methods
// which are called before any traffic flows.
type Client interface {
	// Twin fetches the full current twin, including the identities assigned
	// by the remote store.
	Twin(ctx context.Context) (Twin, error)

	// UpdateReported pushes a patch to the reported section of the twin. A
	// null value clears the respective property upstream.
	UpdateReported(ctx context.Context, patch map[string]edgetwin.Value) error

	// SetDesiredHandler registers the handler invoked on incremental desired
	// patches. Must be called before the first patch can arrive.
	SetDesiredHandler(h DesiredHandler)

	// SetMethodHandler registers the handler invoked on inbound remote method
	// calls.
	SetMethodHandler(h MethodHandler)

	// SendMessage sends a single event message upstream.
	SendMessage(ctx context.Context, msg *Message) error

	// SendMessageBatch sends a batch of event messages upstream as one
	// transmission.
	SendMessageBatch(ctx context.Context, msgs []*Message) error

	// InvokeMethod calls a method on a remote device or module and returns
	// its result. A zero timeout applies the transport's default.
	InvokeMethod(ctx context.Context, target MethodTarget, method string, payload []byte, timeout time.Duration) (MethodResult, error)

	// UploadBlob streams auxiliary content (e.g. a support bundle) to the
	// blob store associated with the twin store.
	UploadBlob(ctx context.Context, name string, r io.Reader) error

	// Close terminates the session gracefully.
	Close(ctx context.Context) error
}

// Connectivity-layer errors that a Client may return (wrapped) from its
// operations. During Stop these are swallowed: a dying connection must never
// block teardown.
var (
	ErrOperationCancelled = errors.New("operation cancelled")
	ErrCommunication      = errors.New("communication failure")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrUnauthorized       = errors.New("unauthorized")
)

// ignorableOnStop reports whether err is a connectivity-layer error that
// teardown should swallow.
func ignorableOnStop(err error) bool {
	return errors.Is(err, ErrOperationCancelled) ||
		errors.Is(err, ErrCommunication) ||
		errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrUnauthorized)
}

// A MethodError is returned by Host.CallMethod when the remote handler
// reports a non-success status. It carries the remote result so the caller
// can decide on a retry policy.
type MethodError struct {
	Status  int
	Payload []byte
}

func (e *MethodError) Error() string {
	return fmt.Sprintf("method call failed with status %d", e.Status)
}
