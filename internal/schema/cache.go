package schema

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

var ErrNotFound = errors.New("schema not found")

// KeyCollisionError means a key was reported with a schema it does not fingerprint,
// or with two structurally different schemas. The device's schema set is dropped
// until a clean discovery succeeds.
type KeyCollisionError struct {
	Device types.DeviceID
	Key    TypeKey
	First  string
	Second string
}

func (e *KeyCollisionError) Error() string {
	return fmt.Sprintf("type key collision on device %s: key %s bound to %q and %q",
		e.Device, e.Key, e.First, e.Second)
}

type slot struct {
	current atomic.Pointer[DeviceSchemaSet]
	// lastErr is kept for devices whose last discovery was rejected.
	lastErr atomic.Pointer[error]
}

// Cache holds the current schema generation per device.
type Cache struct {
	mu      sync.RWMutex
	devices    map[types.DeviceID]*slot
	generation atomic.Uint64
	logger     *zap.Logger
}

func NewCache(logger *zap.Logger) *Cache {
	return &Cache{
		devices: make(map[types.DeviceID]*slot),
		logger:  logger,
	}
}

func (c *Cache) slotFor(id types.DeviceID, create bool) *slot {
	c.mu.RLock()
	s, ok := c.devices[id]
	c.mu.RUnlock()
	if ok || !create {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.devices[id]; !ok {
		s = &slot{}
		c.devices[id] = s
	}
	return s
}

// RecordDiscovery validates report and atomically replaces the device's schema set.
// Readers see either the previous set or the new one, never a mix.
func (c *Cache) RecordDiscovery(id types.DeviceID, report *Report) (*DeviceSchemaSet, error) {
	set, err := c.build(id, report)
	s := c.slotFor(id, true)
	if err != nil {
		var collision *KeyCollisionError
		if errors.As(err, &collision) {
			// Integrity fault: nothing from this device is trusted any more
			s.current.Store(nil)
			c.logger.Error("Schema key collision, device quarantined",
				zap.String("device", id.Hex()),
				zap.String("key", collision.Key.String()),
				zap.String("first", collision.First),
				zap.String("second", collision.Second))
		} else {
			c.logger.Warn("Rejected schema report",
				zap.String("device", id.Hex()),
				zap.Error(err))
		}
		s.lastErr.Store(&err)
		return nil, err
	}

	s.current.Store(set)
	s.lastErr.Store(nil)

	c.logger.Info("Schema discovery recorded",
		zap.String("device", id.Hex()),
		zap.Uint64("generation", set.Generation),
		zap.Int("types", len(set.types)),
		zap.Int("endpoints", len(set.endpoints)),
		zap.Int("topics_in", len(set.topicsIn)),
		zap.Int("topics_out", len(set.topicsOut)))
	return set, nil
}

func (c *Cache) build(id types.DeviceID, report *Report) (*DeviceSchemaSet, error) {
	if report == nil {
		return nil, fmt.Errorf("empty schema report for device %s", id)
	}

	set := &DeviceSchemaSet{
		Device:       id,
		DiscoveredAt: time.Now(),
		types:        make(map[TypeKey]*Schema, len(report.Types)),
	}

	canon := make(map[TypeKey][]byte, len(report.Types))
	for _, te := range report.Types {
		if err := te.Schema.Validate(); err != nil {
			return nil, fmt.Errorf("invalid schema for key %s: %w", te.Key, err)
		}
		if want := KeyOf(te.Schema); want != te.Key {
			return nil, &KeyCollisionError{Device: id, Key: te.Key,
				First: "schema with key " + want.String(), Second: Pseudocode(te.Schema)}
		}
		form := Canonical(te.Schema)
		if prev, ok := canon[te.Key]; ok {
			if !bytes.Equal(prev, form) {
				return nil, &KeyCollisionError{Device: id, Key: te.Key,
					First: Pseudocode(set.types[te.Key]), Second: Pseudocode(te.Schema)}
			}
			continue
		}
		canon[te.Key] = form
		set.types[te.Key] = te.Schema
	}

	seenEndpoint := make(map[string]bool, len(report.Endpoints))
	for _, ep := range report.Endpoints {
		if seenEndpoint[ep.Path] {
			return nil, fmt.Errorf("duplicate endpoint path %q", ep.Path)
		}
		seenEndpoint[ep.Path] = true
		for _, k := range []TypeKey{ep.RequestKey, ep.ResponseKey} {
			if _, ok := set.types[k]; !ok {
				return nil, fmt.Errorf("endpoint %q references unknown key %s", ep.Path, k)
			}
		}
		set.endpoints = append(set.endpoints, ep)
	}

	seenTopic := make(map[Direction]map[string]bool)
	for _, tp := range report.Topics {
		if seenTopic[tp.Direction] == nil {
			seenTopic[tp.Direction] = make(map[string]bool)
		}
		if seenTopic[tp.Direction][tp.Path] {
			return nil, fmt.Errorf("duplicate topic path %q (%s)", tp.Path, tp.Direction)
		}
		seenTopic[tp.Direction][tp.Path] = true
		if _, ok := set.types[tp.Key]; !ok {
			return nil, fmt.Errorf("topic %q references unknown key %s", tp.Path, tp.Key)
		}
		switch tp.Direction {
		case ToServer:
			set.topicsIn = append(set.topicsIn, tp)
		case ToClient:
			set.topicsOut = append(set.topicsOut, tp)
		default:
			return nil, fmt.Errorf("topic %q has unknown direction %d", tp.Path, tp.Direction)
		}
	}

	set.Generation = c.generation.Add(1)
	return set, nil
}

// Snapshot returns the device's current generation.
func (c *Cache) Snapshot(id types.DeviceID) (*DeviceSchemaSet, error) {
	s := c.slotFor(id, false)
	if s == nil {
		return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	set := s.current.Load()
	if set == nil {
		if errp := s.lastErr.Load(); errp != nil {
			return nil, fmt.Errorf("device %s: %w (last discovery: %v)", id, ErrNotFound, *errp)
		}
		return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return set, nil
}

func (c *Cache) LookupType(id types.DeviceID, key TypeKey) (*Schema, error) {
	set, err := c.Snapshot(id)
	if err != nil {
		return nil, err
	}
	t, ok := set.Type(key)
	if !ok {
		return nil, fmt.Errorf("key %s on device %s: %w", key, id, ErrNotFound)
	}
	return t, nil
}

func (c *Cache) ListEndpoints(id types.DeviceID) ([]EndpointDescriptor, error) {
	set, err := c.Snapshot(id)
	if err != nil {
		return nil, err
	}
	return set.Endpoints(), nil
}

func (c *Cache) ListTopics(id types.DeviceID, dir Direction) ([]TopicDescriptor, error) {
	set, err := c.Snapshot(id)
	if err != nil {
		return nil, err
	}
	return set.Topics(dir), nil
}

func (c *Cache) ListTypes(id types.DeviceID) ([]TypeEntry, error) {
	set, err := c.Snapshot(id)
	if err != nil {
		return nil, err
	}
	return set.Types(), nil
}

// Forget drops a device's schema set.
func (c *Cache) Forget(id types.DeviceID) {
	c.mu.Lock()
	delete(c.devices, id)
	c.mu.Unlock()
}
