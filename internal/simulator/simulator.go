package simulator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenDeviceProxy/internal/codec"
	"github.com/KevinKickass/OpenDeviceProxy/internal/devices"
	"github.com/KevinKickass/OpenDeviceProxy/internal/link"
	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

var ErrDeviceExists = errors.New("simulated device already exists")

// Simulator is an in-process link.Connection serving devices described by ICDs.
type Simulator struct {
	mu      sync.RWMutex
	devices map[types.DeviceID]*Device
	closed  bool

	inbound chan link.Inbound
	events  chan link.Event
	logKey  schema.TypeKey
	logger  *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func New(logger *zap.Logger) *Simulator {
	return &Simulator{
		devices:  make(map[types.DeviceID]*Device),
		inbound:  make(chan link.Inbound, 256),
		events:   make(chan link.Event, 64),
		logKey:   schema.KeyOf(link.LogSchema()),
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// AddDevice plugs in a new simulated device and announces it.
func (s *Simulator) AddDevice(id types.DeviceID, name string, icd *devices.ICD) (*Device, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, link.ErrClosed
	}
	if _, exists := s.devices[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", id, ErrDeviceExists)
	}
	d := newDevice(id, name, icd)
	s.devices[id] = d
	s.startPublishers(d, icd)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.logger.Info("Simulated device attached",
		zap.String("serial", id.Hex()),
		zap.String("icd", icd.Info.Name))
	s.emitEvent(link.Event{Kind: link.EventConnected, Device: d.info()})
	return d, nil
}

// RemoveDevice unplugs a device.
func (s *Simulator) RemoveDevice(id types.DeviceID) error {
	s.mu.Lock()
	d, ok := s.devices[id]
	if !ok || s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", id, link.ErrNotConnected)
	}
	delete(s.devices, id)
	close(d.stop)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	info := d.info()
	info.Connected = false
	s.emitEvent(link.Event{Kind: link.EventDisconnected, Device: info})
	return nil
}

// Reschema swaps the firmware of a device, as after a flash, and asks for rediscovery.
func (s *Simulator) Reschema(id types.DeviceID, icd *devices.ICD) error {
	s.mu.Lock()
	d, ok := s.devices[id]
	if !ok || s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", id, link.ErrNotConnected)
	}
	close(d.stop)
	d.mu.Lock()
	d.icd = icd
	d.stop = make(chan struct{})
	d.mu.Unlock()
	s.startPublishers(d, icd)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.emitEvent(link.Event{Kind: link.EventSchemaInvalidate, Device: d.info()})
	return nil
}

// Device returns a simulated device for inspection.
func (s *Simulator) Device(id types.DeviceID) (*Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	return d, ok
}

// acquire finds a device and registers the caller with the wait group so Close
// cannot close the channels underneath it. The caller must call s.wg.Done.
func (s *Simulator) acquire(id types.DeviceID) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, link.ErrClosed
	}
	d, ok := s.devices[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, link.ErrNotConnected)
	}
	s.wg.Add(1)
	return d, nil
}

// PublishLog emits a log line from a device.
func (s *Simulator) PublishLog(id types.DeviceID, msg string) error {
	if _, err := s.acquire(id); err != nil {
		return err
	}
	defer s.wg.Done()
	body, err := codec.Encode(link.LogSchema(), codec.Text(msg))
	if err != nil {
		return fmt.Errorf("failed to encode log: %w", err)
	}
	s.emit(id, &link.Frame{Kind: link.KindLog, Key: s.logKey, Path: link.LogPath, Body: body})
	return nil
}

// PublishTopic emits the next sample of a topic-out right away.
func (s *Simulator) PublishTopic(id types.DeviceID, path string) error {
	d, err := s.acquire(id)
	if err != nil {
		return err
	}
	defer s.wg.Done()
	icd := d.current()
	for i := range icd.TopicsOut {
		if icd.TopicsOut[i].Path == path {
			return s.publish(d, &icd.TopicsOut[i])
		}
	}
	return fmt.Errorf("device %s has no topic-out %q", id, path)
}

func (s *Simulator) publish(d *Device, t *devices.Topic) error {
	v, seq, ok := d.nextSample(t)
	if !ok {
		return fmt.Errorf("topic %s has no samples", t.Path)
	}
	body, err := codec.Encode(t.Message, v)
	if err != nil {
		return fmt.Errorf("failed to encode sample: %w", err)
	}
	s.emit(d.ID, &link.Frame{Kind: link.KindTopicOut, Seq: seq, Key: t.Key, Path: t.Path, Body: body})
	return nil
}

// startPublishers runs one ticker per periodic topic. Caller holds s.mu.
func (s *Simulator) startPublishers(d *Device, icd *devices.ICD) {
	for i := range icd.TopicsOut {
		t := &icd.TopicsOut[i]
		if t.Interval <= 0 || len(t.Samples) == 0 {
			continue
		}
		stop := d.stop
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(t.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-s.stopChan:
					return
				case <-stop:
					return
				case <-ticker.C:
					if err := s.publish(d, t); err != nil {
						s.logger.Warn("Topic publish failed",
							zap.String("serial", d.ID.Hex()),
							zap.String("path", t.Path),
							zap.Error(err))
					}
				}
			}
		}()
	}
}

// Send delivers a frame to a simulated device. Requests are answered asynchronously
// on Inbound, matching a real link.
func (s *Simulator) Send(ctx context.Context, id types.DeviceID, frame *link.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return link.ErrClosed
	}
	d, ok := s.devices[id]
	if !ok {
		s.mu.RUnlock()
		return fmt.Errorf("%s: %w", id, link.ErrNotConnected)
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	// Over the wire and back, like any byte link
	raw, err := frame.Encode()
	if err != nil {
		s.wg.Done()
		return fmt.Errorf("frame rejected: %w", err)
	}
	f, err := link.DecodeFrame(raw)
	if err != nil {
		s.wg.Done()
		return fmt.Errorf("frame rejected: %w", err)
	}

	switch f.Kind {
	case link.KindRequest:
		go func() {
			defer s.wg.Done()
			s.handleRequest(d, f)
		}()
	case link.KindTopicIn:
		defer s.wg.Done()
		s.handleTopicIn(d, f)
	default:
		s.wg.Done()
		return fmt.Errorf("simulated device cannot accept %s frames", f.Kind)
	}
	return nil
}

func (s *Simulator) handleRequest(d *Device, f *link.Frame) {
	icd := d.current()
	ep, ok := icd.Endpoint(f.Path)
	if !ok || ep.RequestKey != f.Key {
		s.emit(d.ID, link.WireErrorFrame(f, link.WireUnknownKey))
		return
	}

	req, err := codec.Decode(ep.Request, f.Body)
	if err != nil {
		s.logger.Debug("Simulated device could not decode request",
			zap.String("serial", d.ID.Hex()),
			zap.String("path", f.Path),
			zap.Error(err))
		s.emit(d.ID, link.WireErrorFrame(f, link.WireDeserFailed))
		return
	}

	b := ep.Behavior
	if b.Delay > 0 {
		select {
		case <-time.After(b.Delay):
		case <-s.stopChan:
			return
		}
	}

	var resp codec.Value
	switch b.Type {
	case devices.BehaviorNoop:
		resp = codec.Null()
	case devices.BehaviorEcho:
		resp = req
	case devices.BehaviorStore:
		d.setSlot(b.Slot, req)
		resp = codec.Null()
	case devices.BehaviorLoad:
		v, ok := d.Slot(b.Slot)
		if !ok {
			if b.Default == nil {
				s.emit(d.ID, link.WireErrorFrame(f, link.WireSerFailed))
				return
			}
			v = *b.Default
		}
		resp = v
	case devices.BehaviorSerial:
		resp = codec.Uint(uint64(d.ID))
	case devices.BehaviorConstant:
		resp = *b.Value
	case devices.BehaviorSilent:
		return
	case devices.BehaviorError:
		code, err := link.ParseWireErrorCode(b.Code)
		if err != nil {
			code = link.WireFailedToSpawn
		}
		s.emit(d.ID, link.WireErrorFrame(f, code))
		return
	}

	body, err := codec.Encode(ep.Response, resp)
	if err != nil {
		s.emit(d.ID, link.WireErrorFrame(f, link.WireSerFailed))
		return
	}

	if b.Log != "" {
		if err := s.PublishLog(d.ID, b.Log); err != nil {
			s.logger.Debug("Simulated log dropped", zap.Error(err))
		}
	}
	s.emit(d.ID, &link.Frame{Kind: link.KindResponse, Seq: f.Seq, Key: ep.ResponseKey, Path: f.Path, Body: body})
}

func (s *Simulator) handleTopicIn(d *Device, f *link.Frame) {
	t, ok := d.current().TopicIn(f.Path)
	if !ok || t.Key != f.Key {
		s.logger.Debug("Simulated device ignored unknown topic",
			zap.String("serial", d.ID.Hex()),
			zap.String("path", f.Path))
		return
	}
	v, err := codec.Decode(t.Message, f.Body)
	if err != nil {
		s.logger.Debug("Simulated device could not decode topic",
			zap.String("serial", d.ID.Hex()),
			zap.String("path", f.Path),
			zap.Error(err))
		return
	}
	d.receive(f.Path, v)
}

func (s *Simulator) emit(id types.DeviceID, f *link.Frame) {
	raw, err := f.Encode()
	if err != nil {
		s.logger.Error("Simulated device produced a bad frame", zap.Error(err))
		return
	}
	wire, err := link.DecodeFrame(raw)
	if err != nil {
		s.logger.Error("Simulated device produced a bad frame", zap.Error(err))
		return
	}
	select {
	case s.inbound <- link.Inbound{Device: id, Frame: wire}:
	case <-s.stopChan:
	}
}

func (s *Simulator) emitEvent(ev link.Event) {
	select {
	case s.events <- ev:
	case <-s.stopChan:
	}
}

func (s *Simulator) Inbound() <-chan link.Inbound { return s.inbound }

func (s *Simulator) Events() <-chan link.Event { return s.events }

// SchemaReport answers discovery with the device's current ICD.
func (s *Simulator) SchemaReport(ctx context.Context, id types.DeviceID) (*schema.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer s.wg.Done()
	return d.current().Report, nil
}

// Close stops every device and closes Inbound and Events.
func (s *Simulator) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	close(s.inbound)
	close(s.events)

	s.logger.Info("Simulator stopped")
	return nil
}
