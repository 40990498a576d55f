package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenDeviceProxy/internal/codec"
	"github.com/KevinKickass/OpenDeviceProxy/internal/history"
	"github.com/KevinKickass/OpenDeviceProxy/internal/link"
	"github.com/KevinKickass/OpenDeviceProxy/internal/metrics"
	"github.com/KevinKickass/OpenDeviceProxy/internal/resolver"
	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

// Devices is what the dispatcher needs from the device layer.
type Devices interface {
	resolver.Devices
	Send(ctx context.Context, id types.DeviceID, frame *link.Frame) error
	Rediscover(ctx context.Context, id types.DeviceID) error
}

// Schemas looks up the type behind a key for a device's current schema.
type Schemas interface {
	LookupType(id types.DeviceID, key schema.TypeKey) (*schema.Schema, error)
}

// Result of a successful endpoint call.
type Result struct {
	Device  types.DeviceInfo `json:"device"`
	Path    string           `json:"path"`
	Seq     uint32           `json:"seq"`
	Value   codec.Value      `json:"-"`
	JSON    json.RawMessage  `json:"response"`
	Elapsed time.Duration    `json:"-"`
}

// Ack confirms a topic message was handed to the transport.
type Ack struct {
	Device types.DeviceInfo `json:"device"`
	Path   string           `json:"path"`
	Seq    uint32           `json:"seq"`
}

type pendingKey struct {
	device types.DeviceID
	seq    uint32
}

type Dispatcher struct {
	devices  Devices
	schemas  Schemas
	resolver *resolver.Resolver
	history  *history.Store
	metrics  *metrics.Metrics
	logger   *zap.Logger

	defaultTimeout time.Duration
	maxTimeout     time.Duration

	seq     atomic.Uint32
	mu      sync.Mutex
	pending map[pendingKey]chan *link.Frame

	obsMu     sync.RWMutex
	observers map[uint64]func(TopicEvent)
	nextObs   uint64
}

type Option func(*Dispatcher)

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTimeouts sets the timeout used when a call names none and the upper bound
// for caller supplied timeouts.
func WithTimeouts(def, max time.Duration) Option {
	return func(d *Dispatcher) {
		if def > 0 {
			d.defaultTimeout = def
		}
		if max > 0 {
			d.maxTimeout = max
		}
	}
}

func NewDispatcher(devices Devices, schemas Schemas, res *resolver.Resolver, store *history.Store, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		devices:        devices,
		schemas:        schemas,
		resolver:       res,
		history:        store,
		logger:         logger,
		defaultTimeout: 5 * time.Second,
		maxTimeout:     60 * time.Second,
		pending:        make(map[pendingKey]chan *link.Frame),
		observers:      make(map[uint64]func(TopicEvent)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) timeout(requested time.Duration) time.Duration {
	switch {
	case requested <= 0:
		return d.defaultTimeout
	case requested > d.maxTimeout:
		return d.maxTimeout
	default:
		return requested
	}
}

// CallEndpoint resolves an endpoint, sends payload as its request and waits for the
// decoded response. An empty payload is a unit request.
func (d *Dispatcher) CallEndpoint(ctx context.Context, deviceFragment, pathFragment string, payload json.RawMessage, timeout time.Duration) (*Result, error) {
	c := d.newCall("endpoint")
	res, err := d.callEndpoint(ctx, c, deviceFragment, pathFragment, payload, d.timeout(timeout))
	c.finish(err)
	return res, err
}

func (d *Dispatcher) callEndpoint(ctx context.Context, c *call, deviceFragment, pathFragment string, payload json.RawMessage, timeout time.Duration) (*Result, error) {
	dev, err := d.resolver.ResolveDevice(deviceFragment)
	if err != nil {
		return nil, err
	}
	c.device = dev.ID

	ep, set, err := d.resolveEndpoint(ctx, dev.ID, pathFragment)
	if err != nil {
		return nil, err
	}
	c.path = ep.Path

	c.advance(StateEncoding)
	reqSchema, _ := set.Type(ep.RequestKey)
	respSchema, _ := set.Type(ep.ResponseKey)

	v, err := codec.FromJSON(reqSchema, payload)
	if err != nil {
		return nil, err
	}
	body, err := codec.Encode(reqSchema, v)
	if err != nil {
		return nil, err
	}

	seq := d.seq.Add(1)
	waiter := d.register(dev.ID, seq)
	defer d.release(dev.ID, seq)

	frame := &link.Frame{Kind: link.KindRequest, Seq: seq, Key: ep.RequestKey, Path: ep.Path, Body: body}
	if err := d.devices.Send(ctx, dev.ID, frame); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", ep.Path, err)
	}
	c.advance(StateSent)
	d.history.Append(dev.ID, history.EndpointRequest, history.Entry{Path: ep.Path, Key: ep.RequestKey, Payload: body})

	c.advance(StateAwaitingResponse)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var resp *link.Frame
	select {
	case resp = <-waiter:
	case <-timer.C:
		return nil, fmt.Errorf("%s on %s after %s: %w", ep.Path, dev.ID, timeout, ErrTimeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s on %s: %w", ep.Path, dev.ID, ErrTimeout)
		}
		return nil, ctx.Err()
	}

	if resp.Kind == link.KindWireError {
		return nil, &RemoteError{Device: dev.ID, Path: ep.Path, Code: resp.WireError()}
	}

	c.advance(StateDecoding)
	if resp.Key != ep.ResponseKey {
		return nil, fmt.Errorf("%s answered with key %s, want %s: %w", ep.Path, resp.Key, ep.ResponseKey, ErrUnexpectedResponse)
	}
	out, err := codec.Decode(respSchema, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", ep.Path, err)
	}

	c.advance(StateRecorded)
	d.history.Append(dev.ID, history.EndpointResponse, history.Entry{Path: ep.Path, Key: ep.ResponseKey, Payload: resp.Body})

	js, err := codec.ToJSON(out)
	if err != nil {
		return nil, fmt.Errorf("failed to render %s response: %w", ep.Path, err)
	}

	c.advance(StateDone)
	return &Result{
		Device:  dev,
		Path:    ep.Path,
		Seq:     seq,
		Value:   out,
		JSON:    js,
		Elapsed: time.Since(c.started),
	}, nil
}

// PublishTopic sends payload on a topic-in. Success means the transport accepted it.
func (d *Dispatcher) PublishTopic(ctx context.Context, deviceFragment, pathFragment string, payload json.RawMessage) (*Ack, error) {
	c := d.newCall("publish")
	ack, err := d.publishTopic(ctx, c, deviceFragment, pathFragment, payload)
	c.finish(err)
	return ack, err
}

func (d *Dispatcher) publishTopic(ctx context.Context, c *call, deviceFragment, pathFragment string, payload json.RawMessage) (*Ack, error) {
	dev, err := d.resolver.ResolveDevice(deviceFragment)
	if err != nil {
		return nil, err
	}
	c.device = dev.ID

	tp, set, err := d.resolveTopic(ctx, dev.ID, pathFragment, schema.ToServer)
	if err != nil {
		return nil, err
	}
	c.path = tp.Path

	c.advance(StateEncoding)
	msgSchema, _ := set.Type(tp.Key)
	v, err := codec.FromJSON(msgSchema, payload)
	if err != nil {
		return nil, err
	}
	body, err := codec.Encode(msgSchema, v)
	if err != nil {
		return nil, err
	}

	seq := d.seq.Add(1)
	frame := &link.Frame{Kind: link.KindTopicIn, Seq: seq, Key: tp.Key, Path: tp.Path, Body: body}
	if err := d.devices.Send(ctx, dev.ID, frame); err != nil {
		return nil, fmt.Errorf("failed to publish %s: %w", tp.Path, err)
	}
	c.advance(StateSent)

	c.advance(StateRecorded)
	d.history.Append(dev.ID, history.TopicIn, history.Entry{Path: tp.Path, Key: tp.Key, Payload: body})

	c.advance(StateDone)
	return &Ack{Device: dev, Path: tp.Path, Seq: seq}, nil
}

// resolveEndpoint retries once after a discovery pass when the device has no schema yet.
func (d *Dispatcher) resolveEndpoint(ctx context.Context, id types.DeviceID, fragment string) (schema.EndpointDescriptor, *schema.DeviceSchemaSet, error) {
	ep, set, err := d.resolver.ResolveEndpoint(id, fragment)
	if errors.Is(err, schema.ErrNotFound) {
		if rerr := d.rediscover(ctx, id); rerr != nil {
			return ep, set, err
		}
		ep, set, err = d.resolver.ResolveEndpoint(id, fragment)
	}
	return ep, set, err
}

func (d *Dispatcher) resolveTopic(ctx context.Context, id types.DeviceID, fragment string, dir schema.Direction) (schema.TopicDescriptor, *schema.DeviceSchemaSet, error) {
	tp, set, err := d.resolver.ResolveTopic(id, fragment, dir)
	if errors.Is(err, schema.ErrNotFound) {
		if rerr := d.rediscover(ctx, id); rerr != nil {
			return tp, set, err
		}
		tp, set, err = d.resolver.ResolveTopic(id, fragment, dir)
	}
	return tp, set, err
}

func (d *Dispatcher) rediscover(ctx context.Context, id types.DeviceID) error {
	d.logger.Info("No schema for device, running discovery", zap.String("device", id.Hex()))
	if err := d.devices.Rediscover(ctx, id); err != nil {
		d.logger.Warn("On-demand discovery failed",
			zap.String("device", id.Hex()),
			zap.Error(err))
		return err
	}
	return nil
}

func (d *Dispatcher) register(id types.DeviceID, seq uint32) <-chan *link.Frame {
	ch := make(chan *link.Frame, 1)
	d.mu.Lock()
	d.pending[pendingKey{device: id, seq: seq}] = ch
	d.mu.Unlock()
	d.metrics.PendingCalls(1)
	return ch
}

func (d *Dispatcher) release(id types.DeviceID, seq uint32) {
	d.mu.Lock()
	delete(d.pending, pendingKey{device: id, seq: seq})
	d.mu.Unlock()
	d.metrics.PendingCalls(-1)
}

// Pending is the number of calls waiting for a response.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// HandleFrame routes one inbound frame. It is called from the device pump and must
// not block.
func (d *Dispatcher) HandleFrame(id types.DeviceID, f *link.Frame) {
	switch f.Kind {
	case link.KindResponse, link.KindWireError:
		d.deliver(id, f)
	case link.KindTopicOut:
		d.recordTopic(id, f)
	case link.KindLog:
		d.recordLog(id, f)
	default:
		d.logDropped(id, f, "unexpected kind")
	}
}

func (d *Dispatcher) deliver(id types.DeviceID, f *link.Frame) {
	d.mu.Lock()
	ch, ok := d.pending[pendingKey{device: id, seq: f.Seq}]
	d.mu.Unlock()

	if !ok {
		// Late answer to a call that already timed out
		d.logDropped(id, f, fmt.Sprintf("no pending call for seq %d", f.Seq))
		return
	}
	select {
	case ch <- f:
	default:
	}
}

// call tracks the state of one request for logging and metrics.
type call struct {
	d       *Dispatcher
	kind    string
	state   CallState
	device  types.DeviceID
	path    string
	started time.Time
}

func (d *Dispatcher) newCall(kind string) *call {
	return &call{d: d, kind: kind, state: StateResolving, started: time.Now()}
}

func (c *call) advance(to CallState) {
	if err := ValidateTransition(c.state, to); err != nil {
		c.d.logger.DPanic("Call state machine violated", zap.Error(err))
	}
	c.state = to
}

func (c *call) finish(err error) {
	elapsed := time.Since(c.started)
	if err == nil {
		c.d.metrics.CallFinished(c.kind, "ok", elapsed)
		return
	}

	failedIn := c.state
	if !c.state.Terminal() {
		c.advance(StateFailed)
	}
	c.d.metrics.CallFinished(c.kind, outcome(err), elapsed)
	c.d.logger.Debug("Proxy call failed",
		zap.String("kind", c.kind),
		zap.String("device", c.device.Hex()),
		zap.String("path", c.path),
		zap.String("state", failedIn.String()),
		zap.Duration("elapsed", elapsed),
		zap.Error(err))
}

func outcome(err error) string {
	switch {
	case errors.Is(err, resolver.ErrNoMatch), errors.Is(err, resolver.ErrAmbiguous), errors.Is(err, schema.ErrNotFound):
		return "resolve_error"
	case errors.Is(err, codec.ErrSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRemote):
		return "remote_error"
	case errors.Is(err, codec.ErrTruncatedInput), errors.Is(err, codec.ErrMalformedInput), errors.Is(err, ErrUnexpectedResponse):
		return "decode_error"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "transport_error"
	}
}
