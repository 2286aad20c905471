package host

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/bamajeed/edgetwin"
	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"
	"golang.org/x/sync/semaphore"
)

// Host-level reserved property keys, recognised case-insensitively in the
// desired section of the twin and never forwarded to the router.
const (
	keyConnected = "connected"
	keyType      = "type"
	keySiteID    = "siteid"
)

// ErrAlreadyStarted is returned by Start when the host already owns an active
// session. Callers must Stop first.
var ErrAlreadyStarted = errors.New("host already started")

// ErrNotStarted is returned by operations that cannot degrade to a silent
// no-op when the host owns no active session.
var ErrNotStarted = errors.New("host not started")

// A Host owns at most one active session against the remote twin store.
//
// On Start it fetches the full twin, feeds the desired section through its
// router and reports the corrected state back. Thereafter it reacts to
// incremental desired patches pushed by the cloud side and offers Report,
// SendEvent and CallMethod to local consumers.
//
// Every state-changing operation is serialised through a single exclusive
// gate. This is coarse-grained on purpose: the twin is one logical resource,
// and partial interleavings of fetch/apply/report would corrupt the diff
// cache. The gate is held across network traffic, so concurrent callers fully
// serialise even across latency.
type Host struct {
	transport Transport
	router    *edgetwin.Router
	codec     edgetwin.Codec
	topic     *pubsub.Topic // optional StateChanged distribution

	gate *semaphore.Weighted

	// The session fields below are written only while holding the gate.
	started bool
	client  Client
	kind    string
	onReset func()
	methods MethodHandler

	// mu guards the snapshot fields so accessors never block behind the gate
	// while it is held across network traffic.
	mu       sync.Mutex
	deviceID string
	moduleID string
	siteID   string
	reported map[string]edgetwin.Value
}

// An Option configures optional behaviour of a Host.
type Option func(*Host)

// WithCodec sets the codec used by SendEventValue to serialise event
// payloads. The default is [edgetwin.JSONCodec].
func WithCodec(c edgetwin.Codec) Option {
	return func(h *Host) { h.codec = c }
}

// WithStateTopic makes the host publish an [edgetwin.StateChanged]
// notification to the given topic every time it pushes a reported patch
// upstream. Publishing is best-effort: a failing publish is logged and never
// fails the operation that produced the patch.
func WithStateTopic(topic *pubsub.Topic) Option {
	return func(h *Host) { h.topic = topic }
}

// NewHost returns a stopped Host bound to the given transport and router.
// Populate the router with its controllers before calling Start.
func NewHost(transport Transport, router *edgetwin.Router, opts ...Option) *Host {
	h := &Host{
		transport: transport,
		router:    router,
		codec:     edgetwin.JSONCodec{},
		gate:      semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetMethodHandler registers the handler relayed to the transport for inbound
// remote method calls. It must be called before Start.
func (h *Host) SetMethodHandler(handler MethodHandler) {
	h.methods = handler
}

// Start connects to the remote twin store and reconciles the fetched twin.
//
// The kind tag and site identity are pushed upstream as host-level reported
// properties alongside connected=true. The optional onReset callback is
// invoked when the cloud side clears the desired connectivity flag, signalling
// that this host should restart its session.
//
// Starting an already-started host returns ErrAlreadyStarted and leaves the
// active session untouched. A failed Start rolls back all partially-assigned
// state, leaving the host startable.
func (h *Host) Start(ctx context.Context, kind, siteID string, onReset func()) error {
	if err := h.gate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire gate: %w", err)
	}
	defer h.gate.Release(1)

	if h.started {
		return ErrAlreadyStarted
	}

	logger := component.Logger(ctx)
	logger.Info("Connecting to twin store...")
	client, err := h.transport.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	twin, err := client.Twin(ctx)
	if err != nil {
		h.rollback(ctx, client)
		return fmt.Errorf("fetch twin: %w", err)
	}

	h.mu.Lock()
	h.deviceID = twin.DeviceID
	h.moduleID = twin.ModuleID
	h.siteID = siteID
	h.reported = make(map[string]edgetwin.Value, len(twin.Reported))
	maps.Copy(h.reported, twin.Reported)
	h.mu.Unlock()
	h.client = client
	h.kind = kind
	h.onReset = onReset

	if h.methods != nil {
		client.SetMethodHandler(h.methods)
	}
	client.SetDesiredHandler(h.onDesiredChanged)

	if err := h.initialize(ctx, twin); err != nil {
		h.rollback(ctx, client)
		return fmt.Errorf("initialize: %w", err)
	}

	h.started = true
	logger.Info("Twin host started",
		slog.String("device", twin.DeviceID),
		slog.String("module", twin.ModuleID),
	)
	return nil
}

// initialize reconciles a freshly fetched twin: the reported section seeds the
// router's diff cache, the desired section (minus host-level keys) flows
// through the router, and the resulting diff plus the host-level flags are
// pushed upstream. Callers must hold the gate.
func (h *Host) initialize(ctx context.Context, twin Twin) error {
	h.router.Seed(twin.Reported)

	rest, hostDiff := h.interceptReserved(ctx, twin.Desired)
	diff, err := h.router.ProcessIncoming(ctx, rest)
	if err != nil {
		return fmt.Errorf("process desired state: %w", err)
	}
	maps.Copy(diff, hostDiff)

	// Host-level reported flags announce this host to the cloud side. The
	// site identity is reported only when assigned, so an unassigned host
	// does not claim an empty site.
	diff[keyType] = edgetwin.MustValue(h.kind)
	diff[keyConnected] = edgetwin.MustValue(true)
	h.mu.Lock()
	site := h.siteID
	h.mu.Unlock()
	if site != "" {
		diff[keySiteID] = edgetwin.MustValue(site)
	}

	return h.report(ctx, diff)
}

// rollback closes a partially-initialised client and clears all
// partially-assigned state so the host remains startable. Callers must hold
// the gate.
func (h *Host) rollback(ctx context.Context, client Client) {
	if err := client.Close(ctx); err != nil && !ignorableOnStop(err) {
		component.Logger(ctx).Warn("Unexpected error closing client during rollback", slog.Any("error", err))
	}
	h.clear()
}

// clear resets all session state. Callers must hold the gate.
func (h *Host) clear() {
	h.client = nil
	h.started = false
	h.kind = ""
	h.onReset = nil
	h.mu.Lock()
	h.deviceID = ""
	h.moduleID = ""
	h.siteID = ""
	h.reported = nil
	h.mu.Unlock()
}

// Stop tears down the active session: it best-effort reports connected=false,
// closes the client and clears all identity and cache state. Connectivity
// failures are swallowed so a dying connection never blocks teardown.
//
// Stopping a stopped host is a no-op. Stop always leaves the host in a
// startable state.
func (h *Host) Stop(ctx context.Context) error {
	if err := h.gate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire gate: %w", err)
	}
	defer h.gate.Release(1)

	if !h.started {
		return nil
	}

	logger := component.Logger(ctx)
	patch := map[string]edgetwin.Value{keyConnected: edgetwin.MustValue(false)}
	if err := h.client.UpdateReported(ctx, patch); err != nil {
		logger.Debug("Couldn't report disconnection", slog.Any("error", err))
	}
	if err := h.client.Close(ctx); err != nil && !ignorableOnStop(err) {
		logger.Warn("Unexpected error closing client", slog.Any("error", err))
	}

	h.clear()
	logger.Info("Twin host stopped")
	return nil
}

// Refresh re-fetches the full twin, rebuilds the reported cache from its
// reported section and sweeps the router for unforced diffs, pushing any
// upstream. It is a silent no-op when the host is stopped.
func (h *Host) Refresh(ctx context.Context) error {
	if err := h.gate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire gate: %w", err)
	}
	defer h.gate.Release(1)

	if !h.started {
		return nil
	}

	twin, err := h.client.Twin(ctx)
	if err != nil {
		return fmt.Errorf("fetch twin: %w", err)
	}
	h.router.Seed(twin.Reported)
	h.mu.Lock()
	h.reported = make(map[string]edgetwin.Value, len(twin.Reported))
	maps.Copy(h.reported, twin.Reported)
	h.mu.Unlock()

	diff, err := h.router.FullState(ctx)
	if err != nil {
		return fmt.Errorf("collect state: %w", err)
	}
	return h.report(ctx, diff)
}

// onDesiredChanged is registered with the transport and invoked on every
// incremental desired patch. Host-level keys are split out exactly as during
// Start; the remainder flows through the router and any resulting changes are
// pushed upstream as a single combined reported patch.
func (h *Host) onDesiredChanged(ctx context.Context, patch map[string]edgetwin.Value) {
	logger := component.Logger(ctx)
	if err := h.gate.Acquire(ctx, 1); err != nil {
		logger.Error("Couldn't acquire gate for desired patch", slog.Any("error", err))
		return
	}
	defer h.gate.Release(1)

	if !h.started {
		return
	}

	rest, hostDiff := h.interceptReserved(ctx, patch)
	diff, err := h.router.ProcessIncoming(ctx, rest)
	if err != nil {
		logger.Error("Couldn't process desired patch", slog.Any("error", err))
		return
	}
	maps.Copy(diff, hostDiff)
	if err := h.report(ctx, diff); err != nil {
		logger.Error("Couldn't report processed patch", slog.Any("error", err))
	}
}

// interceptReserved splits host-level keys out of an incoming desired set.
// It returns the remaining properties to forward to the router, plus the
// reported echo produced by handling the host-level keys.
//
// A cleared connectivity flag means the cloud side requests this host to
// restart its session, which is signalled through the reset callback. The
// type tag is owned by the host and a desired override is ignored. A desired
// site identity is adopted and echoed back.
func (h *Host) interceptReserved(ctx context.Context, incoming map[string]edgetwin.Value) (rest, hostDiff map[string]edgetwin.Value) {
	logger := component.Logger(ctx)
	rest = make(map[string]edgetwin.Value, len(incoming))
	hostDiff = make(map[string]edgetwin.Value)

	for key, v := range incoming {
		switch strings.ToLower(key) {
		case keyConnected:
			var connected bool
			if err := v.Decode(&connected); err != nil {
				logger.Warn("Ignoring malformed desired connectivity flag", slog.Any("error", err))
				continue
			}
			if !connected && h.onReset != nil {
				logger.Info("Reset requested by the cloud side")
				h.onReset()
			}
		case keyType:
			logger.Debug("Ignoring desired type tag override")
		case keySiteID:
			var site string
			if err := v.Decode(&site); err != nil {
				logger.Warn("Ignoring malformed desired site identity", slog.Any("error", err))
				continue
			}
			h.mu.Lock()
			h.siteID = site
			h.mu.Unlock()
			hostDiff[key] = v
		default:
			rest[key] = v
		}
	}
	return rest, hostDiff
}

// Report pushes a single reported property upstream and, on success, replaces
// its entry in the local reported cache. It is a silent no-op when the host
// is stopped.
func (h *Host) Report(ctx context.Context, key string, value edgetwin.Value) error {
	return h.ReportMany(ctx, map[string]edgetwin.Value{key: value})
}

// ReportMany pushes a reported patch upstream and, on success, folds it into
// the local reported cache (keys replaced, not merged; null values cleared).
// It is a silent no-op when the host is stopped.
func (h *Host) ReportMany(ctx context.Context, patch map[string]edgetwin.Value) error {
	if err := h.gate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire gate: %w", err)
	}
	defer h.gate.Release(1)

	if !h.started {
		return nil
	}
	return h.report(ctx, patch)
}

// report pushes a reported patch upstream, folds it into the local cache and
// publishes the change notification. An empty patch is a no-op. Callers must
// hold the gate.
func (h *Host) report(ctx context.Context, patch map[string]edgetwin.Value) (err error) {
	if len(patch) == 0 {
		return nil
	}

	defer func(start time.Time) {
		measureReport(ctx, err == nil, time.Since(start))
	}(time.Now())

	if err := h.client.UpdateReported(ctx, patch); err != nil {
		return fmt.Errorf("update reported properties: %w", err)
	}

	h.mu.Lock()
	if h.reported == nil {
		h.reported = make(map[string]edgetwin.Value, len(patch))
	}
	for key, v := range patch {
		if v.IsNull() {
			delete(h.reported, key)
			continue
		}
		h.reported[key] = v
	}
	h.mu.Unlock()

	h.publishState(ctx, patch)
	return nil
}

// publishState distributes the pushed patch as a StateChanged notification.
// Publishing is best-effort: failures are logged and never surfaced to the
// operation that produced the patch.
func (h *Host) publishState(ctx context.Context, patch map[string]edgetwin.Value) {
	if h.topic == nil {
		return
	}
	logger := component.Logger(ctx)

	h.mu.Lock()
	deviceID, moduleID := h.deviceID, h.moduleID
	h.mu.Unlock()

	changed := edgetwin.NewStateChanged(deviceID, moduleID, patch)
	if changed.IsEmpty() {
		return
	}

	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(changed); err != nil {
		logger.Error("Couldn't encode StateChanged notification", slog.Any("error", err))
		return
	}
	// The twin target is included as metadata on the message to enable
	// key-based partitioning in Kafka, so consumers observe the state changes
	// of a single twin in the order they were produced.
	msg := &pubsub.Message{Body: b.Bytes(), Metadata: map[string]string{"target": changed.Target()}}
	if err := h.topic.Send(ctx, msg); err != nil {
		logger.Error("Couldn't publish StateChanged notification", slog.Any("error", err))
	}
}

// SendEventValue serialises v with the host's codec (see WithCodec) and
// sends it as a single event, stamping the codec's content type on the
// envelope.
func (h *Host) SendEventValue(ctx context.Context, v any, schema string) error {
	payload, err := h.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return h.SendEvent(ctx, payload, h.codec.ContentType(), schema, "")
}

// SendEvent sends a single event payload upstream. See SendEventBatch.
func (h *Host) SendEvent(ctx context.Context, payload []byte, contentType, schema, encoding string) error {
	return h.SendEventBatch(ctx, [][]byte{payload}, contentType, schema, encoding)
}

// SendEventBatch wraps each payload in an envelope stamping content type,
// content encoding, event schema, sender identity and a creation timestamp,
// and sends the batch upstream as one transmission. Envelopes are always
// closed after the send attempt, successful or not. It is a silent no-op when
// the host is stopped.
func (h *Host) SendEventBatch(ctx context.Context, payloads [][]byte, contentType, schema, encoding string) error {
	if err := h.gate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire gate: %w", err)
	}
	defer h.gate.Release(1)

	if !h.started || len(payloads) == 0 {
		return nil
	}

	h.mu.Lock()
	deviceID, moduleID := h.deviceID, h.moduleID
	h.mu.Unlock()

	msgs := make([]*Message, 0, len(payloads))
	defer func() {
		for _, msg := range msgs {
			msg.Close()
		}
	}()
	for _, payload := range payloads {
		msgs = append(msgs, newMessage(payload, contentType, schema, encoding, deviceID, moduleID))
	}

	var err error
	if len(msgs) == 1 {
		err = h.client.SendMessage(ctx, msgs[0])
	} else {
		err = h.client.SendMessageBatch(ctx, msgs)
	}
	if err != nil {
		return fmt.Errorf("send events: %w", err)
	}
	countEventsSent(ctx, len(msgs))
	return nil
}

// CallMethod invokes a remote method on a device or device+module target. A
// zero timeout applies the transport's default; cancellation is honoured
// through the context.
//
// A non-success status reported by the remote handler is returned as a
// *MethodError carrying the remote status and response payload.
func (h *Host) CallMethod(ctx context.Context, deviceID, moduleID, method string, payload []byte, timeout time.Duration) (MethodResult, error) {
	if err := h.gate.Acquire(ctx, 1); err != nil {
		return MethodResult{}, fmt.Errorf("acquire gate: %w", err)
	}
	defer h.gate.Release(1)

	if !h.started {
		return MethodResult{}, ErrNotStarted
	}

	target := MethodTarget{DeviceID: deviceID, ModuleID: moduleID}
	res, err := h.client.InvokeMethod(ctx, target, method, payload, timeout)
	if err != nil {
		return MethodResult{}, fmt.Errorf("invoke %q: %w", method, err)
	}
	if res.Status < 200 || res.Status > 299 {
		return MethodResult{}, &MethodError{Status: res.Status, Payload: res.Payload}
	}
	return res, nil
}

// UploadBlob streams auxiliary content to the blob store associated with the
// twin store.
func (h *Host) UploadBlob(ctx context.Context, name string, r io.Reader) error {
	if err := h.gate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire gate: %w", err)
	}
	defer h.gate.Release(1)

	if !h.started {
		return ErrNotStarted
	}
	if err := h.client.UploadBlob(ctx, name, r); err != nil {
		return fmt.Errorf("upload blob: %w", err)
	}
	return nil
}

// Reported returns a snapshot of the last-known-reported values. The snapshot
// is a copy and safe to retain.
func (h *Host) Reported() map[string]edgetwin.Value {
	h.mu.Lock()
	defer h.mu.Unlock()
	snapshot := make(map[string]edgetwin.Value, len(h.reported))
	maps.Copy(snapshot, h.reported)
	return snapshot
}

// DeviceID returns the device identity assigned by the remote store, or the
// empty string when stopped.
func (h *Host) DeviceID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deviceID
}

// ModuleID returns the module identity assigned by the remote store, or the
// empty string when stopped or when this host represents a whole device.
func (h *Host) ModuleID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.moduleID
}

// SiteID returns the site identity this host is assigned to, or the empty
// string when unassigned.
func (h *Host) SiteID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.siteID
}
