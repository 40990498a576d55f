package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenDeviceProxy/internal/codec"
	"github.com/KevinKickass/OpenDeviceProxy/internal/history"
	"github.com/KevinKickass/OpenDeviceProxy/internal/link"
	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

// TopicEvent is a topic-out message or log line as pushed to subscribers.
type TopicEvent struct {
	Device    types.DeviceID  `json:"device"`
	Category  string          `json:"category"`
	Path      string          `json:"path"`
	Seq       uint64          `json:"seq"`
	ID        uuid.UUID       `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Message   json.RawMessage `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Message is one decoded history entry.
type Message struct {
	ID        uuid.UUID       `json:"uuidv7"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Path      string          `json:"path"`
	Key       schema.TypeKey  `json:"key"`
	Message   json.RawMessage `json:"msg,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Subscribe registers fn for every topic-out message and log line. fn runs on the
// frame pump and must not block. The returned func removes the subscription.
func (d *Dispatcher) Subscribe(fn func(TopicEvent)) (cancel func()) {
	d.obsMu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.obsMu.Unlock()

	return func() {
		d.obsMu.Lock()
		delete(d.observers, id)
		d.obsMu.Unlock()
	}
}

func (d *Dispatcher) notify(ev TopicEvent) {
	d.obsMu.RLock()
	defer d.obsMu.RUnlock()
	for _, fn := range d.observers {
		fn(ev)
	}
}

func (d *Dispatcher) recordTopic(id types.DeviceID, f *link.Frame) {
	e, _ := d.history.Append(id, history.TopicOut, history.Entry{Path: f.Path, Key: f.Key, Payload: f.Body})
	d.notify(d.event(e))
}

func (d *Dispatcher) recordLog(id types.DeviceID, f *link.Frame) {
	e, _ := d.history.Append(id, history.Log, history.Entry{Path: link.LogPath, Key: f.Key, Payload: f.Body})
	d.notify(d.event(e))
}

func (d *Dispatcher) event(e history.Entry) TopicEvent {
	m := d.DecodeEntry(e)
	return TopicEvent{
		Device:    e.Device,
		Category:  e.Category.String(),
		Path:      e.Path,
		Seq:       e.Seq,
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Message:   m.Message,
		Error:     m.Error,
	}
}

// DecodeEntry renders an entry's payload as JSON using the device's current schema.
// An entry whose key the schema no longer knows keeps its metadata and carries the
// decode error instead.
func (d *Dispatcher) DecodeEntry(e history.Entry) Message {
	m := Message{ID: e.ID, Seq: e.Seq, Timestamp: e.Timestamp, Path: e.Path, Key: e.Key}

	var s *schema.Schema
	if e.Category == history.Log {
		s = link.LogSchema()
	} else {
		var err error
		if s, err = d.schemas.LookupType(e.Device, e.Key); err != nil {
			m.Error = err.Error()
			return m
		}
	}

	v, err := codec.Decode(s, e.Payload)
	if err != nil {
		m.Error = err.Error()
		return m
	}
	js, err := codec.ToJSON(v)
	if err != nil {
		m.Error = err.Error()
		return m
	}
	m.Message = js
	return m
}

func (d *Dispatcher) decodeAll(entries []history.Entry) []Message {
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, d.DecodeEntry(e))
	}
	return out
}

// TopicMessages returns the newest count messages of a topic-out, oldest first.
func (d *Dispatcher) TopicMessages(ctx context.Context, deviceFragment, pathFragment string, count int) (types.DeviceInfo, string, []Message, error) {
	dev, err := d.resolver.ResolveDevice(deviceFragment)
	if err != nil {
		return dev, "", nil, err
	}
	tp, _, err := d.resolveTopic(ctx, dev.ID, pathFragment, schema.ToClient)
	if err != nil {
		return dev, "", nil, err
	}

	var matching []history.Entry
	for _, e := range d.history.QueryRecent(dev.ID, history.TopicOut, 0) {
		if e.Path == tp.Path {
			matching = append(matching, e)
		}
	}
	if count > 0 && len(matching) > count {
		matching = matching[len(matching)-count:]
	}
	return dev, tp.Path, d.decodeAll(matching), nil
}

// Logs returns the newest count log lines of a device, oldest first.
func (d *Dispatcher) Logs(deviceFragment string, count int) (types.DeviceInfo, []Message, error) {
	dev, err := d.resolver.ResolveDevice(deviceFragment)
	if err != nil {
		return dev, nil, err
	}
	return dev, d.decodeAll(d.history.QueryRecent(dev.ID, history.Log, count)), nil
}

// LogsRange pages log lines before or after the line with the given id.
func (d *Dispatcher) LogsRange(deviceFragment string, anchor uuid.UUID, count int, dir history.Direction) (types.DeviceInfo, []Message, error) {
	return d.HistoryAnchored(deviceFragment, history.Log, anchor, count, dir)
}

// History returns the newest count entries of one category, decoded.
func (d *Dispatcher) History(deviceFragment string, c history.Category, count int) (types.DeviceInfo, []Message, error) {
	dev, err := d.resolver.ResolveDevice(deviceFragment)
	if err != nil {
		return dev, nil, err
	}
	return dev, d.decodeAll(d.history.QueryRecent(dev.ID, c, count)), nil
}

// HistoryRange returns the retained entries with from <= seq <= to.
func (d *Dispatcher) HistoryRange(deviceFragment string, c history.Category, from, to uint64) (types.DeviceInfo, []Message, error) {
	dev, err := d.resolver.ResolveDevice(deviceFragment)
	if err != nil {
		return dev, nil, err
	}
	return dev, d.decodeAll(d.history.QueryRange(dev.ID, c, from, to)), nil
}

// HistoryAnchored pages entries before or after the entry with the given id.
func (d *Dispatcher) HistoryAnchored(deviceFragment string, c history.Category, anchor uuid.UUID, count int, dir history.Direction) (types.DeviceInfo, []Message, error) {
	dev, err := d.resolver.ResolveDevice(deviceFragment)
	if err != nil {
		return dev, nil, err
	}
	e, ok := d.history.Find(dev.ID, c, anchor)
	if !ok {
		return dev, nil, fmt.Errorf("%s entry %s on %s: %w", c, anchor, dev.ID, ErrAnchorNotFound)
	}
	return dev, d.decodeAll(d.history.QueryAnchored(dev.ID, c, e.Seq, count, dir)), nil
}

func (d *Dispatcher) logDropped(id types.DeviceID, f *link.Frame, reason string) {
	d.logger.Debug("Inbound frame dropped",
		zap.String("device", id.Hex()),
		zap.String("kind", f.Kind.String()),
		zap.String("reason", reason))
}
