package devices

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenDeviceProxy/internal/link"
	"github.com/KevinKickass/OpenDeviceProxy/internal/metrics"
	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

var (
	ErrUnknownDevice  = errors.New("unknown device")
	ErrStillConnected = errors.New("device is still connected")
)

// FrameHandler receives every inbound frame that is not a discovery concern.
type FrameHandler interface {
	HandleFrame(id types.DeviceID, frame *link.Frame)
}

// Registry persists the device list across restarts.
type Registry interface {
	UpsertDevice(ctx context.Context, d types.DeviceInfo) error
	LoadDevices(ctx context.Context) ([]types.DeviceInfo, error)
	DeleteDevice(ctx context.Context, id types.DeviceID) error
}

type ChangeKind string

const (
	DeviceConnected    ChangeKind = "device_connected"
	DeviceDisconnected ChangeKind = "device_disconnected"
	SchemaChanged      ChangeKind = "schema_changed"
	DeviceForgotten    ChangeKind = "device_forgotten"
)

// Change is published to watchers after the manager has applied it.
type Change struct {
	Kind       ChangeKind
	Device     types.DeviceInfo
	Generation uint64
}

type Manager struct {
	conn     link.Connection
	schemas  *schema.Cache
	registry Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu      sync.RWMutex
	devices map[types.DeviceID]*types.DeviceInfo

	handlerMu sync.RWMutex
	handler   FrameHandler

	watchMu  sync.RWMutex
	watchers []func(Change)

	discoverMu sync.Mutex
	discoverBy map[types.DeviceID]*sync.Mutex

	discoveryTimeout time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	runMu    sync.Mutex
}

type Option func(*Manager)

func WithRegistry(r Registry) Option {
	return func(m *Manager) { m.registry = r }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithDiscoveryTimeout(d time.Duration) Option {
	return func(m *Manager) { m.discoveryTimeout = d }
}

func NewManager(conn link.Connection, schemas *schema.Cache, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		conn:             conn,
		schemas:          schemas,
		logger:           logger,
		devices:          make(map[types.DeviceID]*types.DeviceInfo),
		discoverBy:       make(map[types.DeviceID]*sync.Mutex),
		discoveryTimeout: 10 * time.Second,
		stopChan:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetFrameHandler installs the receiver of responses, topics and logs.
func (m *Manager) SetFrameHandler(h FrameHandler) {
	m.handlerMu.Lock()
	m.handler = h
	m.handlerMu.Unlock()
}

// Watch registers fn for device and schema changes. fn must not block.
func (m *Manager) Watch(fn func(Change)) {
	m.watchMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watchMu.Unlock()
}

// Start loads persisted devices and begins pumping the connection.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running {
		return nil
	}

	if m.registry != nil {
		known, err := m.registry.LoadDevices(ctx)
		if err != nil {
			m.logger.Warn("Failed to load device registry", zap.Error(err))
		}
		m.mu.Lock()
		for _, d := range known {
			d := d
			d.Connected = false
			if _, ok := m.devices[d.ID]; !ok {
				m.devices[d.ID] = &d
			}
		}
		m.mu.Unlock()
		m.logger.Info("Device registry loaded", zap.Int("count", len(known)))
	}

	m.running = true
	m.wg.Add(1)
	go m.pump()

	m.logger.Info("Device manager started")
	return nil
}

// Stop ends the pump and waits for running discoveries.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	m.runMu.Unlock()

	close(m.stopChan)
	m.wg.Wait()

	m.logger.Info("Device manager stopped")
}

func (m *Manager) pump() {
	defer m.wg.Done()

	events := m.conn.Events()
	inbound := m.conn.Inbound()

	for events != nil || inbound != nil {
		select {
		case <-m.stopChan:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.handleEvent(ev)
		case in, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			m.route(in)
		}
	}
}

func (m *Manager) handleEvent(ev link.Event) {
	id := ev.Device.ID

	switch ev.Kind {
	case link.EventConnected:
		info := m.upsert(ev.Device, true)
		m.logger.Info("Device connected",
			zap.String("serial", id.Hex()),
			zap.String("name", info.Name))
		m.notify(Change{Kind: DeviceConnected, Device: info})
		m.persist(info)
		m.discoverAsync(id)

	case link.EventDisconnected:
		m.mu.Lock()
		d, ok := m.devices[id]
		if ok {
			d.Connected = false
			d.LastSeen = time.Now().UTC()
		}
		var info types.DeviceInfo
		if ok {
			info = *d
		}
		m.mu.Unlock()
		m.updateConnectedGauge()
		if !ok {
			return
		}
		m.logger.Info("Device disconnected", zap.String("serial", id.Hex()))
		m.notify(Change{Kind: DeviceDisconnected, Device: info})

	case link.EventSchemaInvalidate:
		m.logger.Info("Device schema invalidated", zap.String("serial", id.Hex()))
		m.discoverAsync(id)
	}
}

func (m *Manager) route(in link.Inbound) {
	m.mu.Lock()
	if d, ok := m.devices[in.Device]; ok {
		d.LastSeen = time.Now().UTC()
	}
	m.mu.Unlock()

	m.handlerMu.RLock()
	h := m.handler
	m.handlerMu.RUnlock()
	if h == nil {
		m.logger.Debug("Inbound frame without handler dropped",
			zap.String("serial", in.Device.Hex()),
			zap.String("kind", in.Frame.Kind.String()))
		return
	}
	h.HandleFrame(in.Device, in.Frame)
}

// upsert merges reported identity into the registry and returns a copy.
func (m *Manager) upsert(reported types.DeviceInfo, connected bool) types.DeviceInfo {
	m.mu.Lock()
	d, ok := m.devices[reported.ID]
	if !ok {
		d = &types.DeviceInfo{ID: reported.ID}
		m.devices[reported.ID] = d
	}
	if reported.Name != "" {
		d.Name = reported.Name
	}
	if d.Name == "" {
		d.Name = GenerateName(reported.ID)
	}
	if reported.Manufacturer != "" {
		d.Manufacturer = reported.Manufacturer
	}
	if reported.Product != "" {
		d.Product = reported.Product
	}
	d.Connected = connected
	d.LastSeen = time.Now().UTC()
	info := *d
	m.mu.Unlock()

	m.updateConnectedGauge()
	return info
}

func (m *Manager) persist(info types.DeviceInfo) {
	if m.registry == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.registry.UpsertDevice(ctx, info); err != nil {
			m.logger.Warn("Failed to persist device",
				zap.String("serial", info.ID.Hex()),
				zap.Error(err))
		}
	}()
}

func (m *Manager) discoverAsync(id types.DeviceID) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.discoveryTimeout)
		defer cancel()

		// stop aborts a discovery still waiting on the device
		go func() {
			select {
			case <-m.stopChan:
				cancel()
			case <-ctx.Done():
			}
		}()

		if err := m.Rediscover(ctx, id); err != nil {
			m.logger.Warn("Schema discovery failed",
				zap.String("serial", id.Hex()),
				zap.Error(err))
		}
	}()
}

// Rediscover asks the device for its schema report and records it. Concurrent calls
// for one device are serialized; calls for different devices run in parallel.
func (m *Manager) Rediscover(ctx context.Context, id types.DeviceID) error {
	if _, ok := m.GetDevice(id); !ok {
		return fmt.Errorf("device %s: %w", id, ErrUnknownDevice)
	}

	lock := m.discoveryLock(id)
	lock.Lock()
	defer lock.Unlock()

	report, err := m.conn.SchemaReport(ctx, id)
	if err != nil {
		m.metrics.Discovery("failed")
		return fmt.Errorf("failed to fetch schema report: %w", err)
	}

	set, err := m.schemas.RecordDiscovery(id, report)
	if err != nil {
		var collision *schema.KeyCollisionError
		if errors.As(err, &collision) {
			m.metrics.Discovery("collision")
		} else {
			m.metrics.Discovery("rejected")
		}
		return fmt.Errorf("failed to record schema report: %w", err)
	}
	m.metrics.Discovery("ok")

	info, _ := m.GetDevice(id)
	m.notify(Change{Kind: SchemaChanged, Device: info, Generation: set.Generation})
	return nil
}

func (m *Manager) discoveryLock(id types.DeviceID) *sync.Mutex {
	m.discoverMu.Lock()
	defer m.discoverMu.Unlock()
	l, ok := m.discoverBy[id]
	if !ok {
		l = &sync.Mutex{}
		m.discoverBy[id] = l
	}
	return l
}

// Send hands a frame to the connection once the device is known to be connected.
func (m *Manager) Send(ctx context.Context, id types.DeviceID, frame *link.Frame) error {
	d, ok := m.GetDevice(id)
	if !ok {
		return fmt.Errorf("device %s: %w", id, ErrUnknownDevice)
	}
	if !d.Connected {
		return fmt.Errorf("device %s: %w", id, link.ErrNotConnected)
	}
	if err := m.conn.Send(ctx, id, frame); err != nil {
		return fmt.Errorf("send to %s failed: %w", id, err)
	}
	return nil
}

func (m *Manager) notify(c Change) {
	m.watchMu.RLock()
	defer m.watchMu.RUnlock()
	for _, fn := range m.watchers {
		fn(c)
	}
}

func (m *Manager) updateConnectedGauge() {
	if m.metrics == nil {
		return
	}
	m.mu.RLock()
	n := 0
	for _, d := range m.devices {
		if d.Connected {
			n++
		}
	}
	m.mu.RUnlock()
	m.metrics.SetDevicesConnected(n)
}

// Forget drops a disconnected device together with its schema and registry row.
func (m *Manager) Forget(ctx context.Context, id types.DeviceID) error {
	m.mu.Lock()
	d, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("device %s: %w", id, ErrUnknownDevice)
	}
	if d.Connected {
		m.mu.Unlock()
		return fmt.Errorf("device %s: %w", id, ErrStillConnected)
	}
	info := *d
	delete(m.devices, id)
	m.mu.Unlock()
	m.updateConnectedGauge()

	m.schemas.Forget(id)
	if m.registry != nil {
		if err := m.registry.DeleteDevice(ctx, id); err != nil {
			m.logger.Warn("Failed to delete device from registry",
				zap.String("serial", id.Hex()),
				zap.Error(err))
		}
	}

	m.logger.Info("Device forgotten", zap.String("serial", id.Hex()))
	m.notify(Change{Kind: DeviceForgotten, Device: info})
	return nil
}

// GetDevice returns device by serial
func (m *Manager) GetDevice(id types.DeviceID) (types.DeviceInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, exists := m.devices[id]
	if !exists {
		return types.DeviceInfo{}, false
	}
	return *d, true
}

// ListDevices returns all devices ordered by serial
func (m *Manager) ListDevices() []types.DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]types.DeviceInfo, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, *d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	return devices
}
