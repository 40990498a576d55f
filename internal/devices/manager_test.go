package devices_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenDeviceProxy/internal/devices"
	"github.com/KevinKickass/OpenDeviceProxy/internal/link"
	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
	"github.com/KevinKickass/OpenDeviceProxy/internal/simulator"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

type memRegistry struct {
	mu      sync.Mutex
	devices map[types.DeviceID]types.DeviceInfo
}

func newMemRegistry(known ...types.DeviceInfo) *memRegistry {
	r := &memRegistry{devices: make(map[types.DeviceID]types.DeviceInfo)}
	for _, d := range known {
		r.devices[d.ID] = d
	}
	return r
}

func (r *memRegistry) UpsertDevice(_ context.Context, d types.DeviceInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID] = d
	return nil
}

func (r *memRegistry) LoadDevices(_ context.Context) ([]types.DeviceInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.DeviceInfo, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out, nil
}

func (r *memRegistry) DeleteDevice(_ context.Context, id types.DeviceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, id)
	return nil
}

func (r *memRegistry) get(id types.DeviceID) (types.DeviceInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	return d, ok
}

type frameRecorder struct {
	frames chan *link.Frame
}

func (f *frameRecorder) HandleFrame(_ types.DeviceID, frame *link.Frame) {
	f.frames <- frame
}

type fixture struct {
	sim     *simulator.Simulator
	cache   *schema.Cache
	mgr     *devices.Manager
	icd     *devices.ICD
	changes chan devices.Change
}

func newFixture(t *testing.T, opts ...devices.Option) *fixture {
	t.Helper()
	loader, err := devices.NewDescriptorLoader(nil)
	require.NoError(t, err)
	icd, err := loader.Load(devices.BuiltinSimulator)
	require.NoError(t, err)

	sim := simulator.New(zap.NewNop())
	cache := schema.NewCache(zap.NewNop())
	mgr := devices.NewManager(sim, cache, zap.NewNop(), opts...)

	changes := make(chan devices.Change, 16)
	mgr.Watch(func(c devices.Change) { changes <- c })

	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() {
		mgr.Stop()
		_ = sim.Close()
	})
	return &fixture{sim: sim, cache: cache, mgr: mgr, icd: icd, changes: changes}
}

func (f *fixture) expect(t *testing.T, kind devices.ChangeKind) devices.Change {
	t.Helper()
	select {
	case c := <-f.changes:
		require.Equal(t, kind, c.Kind)
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s change", kind)
	}
	return devices.Change{}
}

func TestManagerConnectAndDiscover(t *testing.T) {
	reg := newMemRegistry()
	f := newFixture(t, devices.WithRegistry(reg))

	_, err := f.sim.AddDevice(simulator.DefaultSerial, "", f.icd)
	require.NoError(t, err)

	c := f.expect(t, devices.DeviceConnected)
	assert.Equal(t, devices.GenerateName(simulator.DefaultSerial), c.Device.Name)
	assert.True(t, c.Device.Connected)
	assert.Equal(t, "Poststation Simulator", c.Device.Product)

	c = f.expect(t, devices.SchemaChanged)
	assert.Equal(t, uint64(1), c.Generation)

	set, err := f.cache.Snapshot(simulator.DefaultSerial)
	require.NoError(t, err)
	assert.Len(t, set.Endpoints(), 4)

	require.Eventually(t, func() bool {
		_, ok := reg.get(simulator.DefaultSerial)
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestManagerLoadsRegistryDisconnected(t *testing.T) {
	known := types.DeviceInfo{ID: simulator.DefaultSerial, Name: "OLD-NAME", Connected: true}
	f := newFixture(t, devices.WithRegistry(newMemRegistry(known)))

	d, ok := f.mgr.GetDevice(simulator.DefaultSerial)
	require.True(t, ok)
	assert.False(t, d.Connected)
	assert.Equal(t, "OLD-NAME", d.Name)

	err := f.mgr.Send(context.Background(), simulator.DefaultSerial, &link.Frame{Kind: link.KindRequest})
	assert.ErrorIs(t, err, link.ErrNotConnected)

	err = f.mgr.Send(context.Background(), types.DeviceID(99), &link.Frame{Kind: link.KindRequest})
	assert.ErrorIs(t, err, devices.ErrUnknownDevice)

	// reconnect without a reported name keeps the persisted one
	_, err = f.sim.AddDevice(simulator.DefaultSerial, "", f.icd)
	require.NoError(t, err)
	c := f.expect(t, devices.DeviceConnected)
	assert.Equal(t, "OLD-NAME", c.Device.Name)
}

func TestManagerRoutesFramesAndDisconnects(t *testing.T) {
	f := newFixture(t)
	rec := &frameRecorder{frames: make(chan *link.Frame, 8)}
	f.mgr.SetFrameHandler(rec)

	_, err := f.sim.AddDevice(simulator.DefaultSerial, simulator.DefaultName, f.icd)
	require.NoError(t, err)
	f.expect(t, devices.DeviceConnected)
	f.expect(t, devices.SchemaChanged)

	require.NoError(t, f.sim.PublishLog(simulator.DefaultSerial, "hello"))
	select {
	case frame := <-rec.frames:
		assert.Equal(t, link.KindLog, frame.Kind)
	case <-time.After(time.Second):
		t.Fatal("log frame not routed")
	}

	require.NoError(t, f.sim.RemoveDevice(simulator.DefaultSerial))
	c := f.expect(t, devices.DeviceDisconnected)
	assert.False(t, c.Device.Connected)

	list := f.mgr.ListDevices()
	require.Len(t, list, 1)
	assert.False(t, list[0].Connected)
}

func TestManagerRediscoverAfterReschema(t *testing.T) {
	f := newFixture(t)
	_, err := f.sim.AddDevice(simulator.DefaultSerial, simulator.DefaultName, f.icd)
	require.NoError(t, err)
	f.expect(t, devices.DeviceConnected)
	f.expect(t, devices.SchemaChanged)

	loader, err := devices.NewDescriptorLoader(nil)
	require.NoError(t, err)
	next, err := loader.Parse([]byte(`
icd: {name: flashed}
endpoints:
  - path: flashed/ping
    request: {kind: unit}
    response: {kind: unit}
`))
	require.NoError(t, err)
	require.NoError(t, f.sim.Reschema(simulator.DefaultSerial, next))

	c := f.expect(t, devices.SchemaChanged)
	assert.Equal(t, uint64(2), c.Generation)

	set, err := f.cache.Snapshot(simulator.DefaultSerial)
	require.NoError(t, err)
	_, ok := set.Endpoint("flashed/ping")
	assert.True(t, ok)

	err = f.mgr.Rediscover(context.Background(), types.DeviceID(5))
	assert.ErrorIs(t, err, devices.ErrUnknownDevice)
}

func TestManagerForget(t *testing.T) {
	reg := newMemRegistry()
	f := newFixture(t, devices.WithRegistry(reg))
	ctx := context.Background()

	_, err := f.sim.AddDevice(simulator.DefaultSerial, simulator.DefaultName, f.icd)
	require.NoError(t, err)
	f.expect(t, devices.DeviceConnected)
	f.expect(t, devices.SchemaChanged)

	err = f.mgr.Forget(ctx, simulator.DefaultSerial)
	assert.ErrorIs(t, err, devices.ErrStillConnected)

	require.NoError(t, f.sim.RemoveDevice(simulator.DefaultSerial))
	f.expect(t, devices.DeviceDisconnected)
	require.Eventually(t, func() bool {
		_, ok := reg.get(simulator.DefaultSerial)
		return ok
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, f.mgr.Forget(ctx, simulator.DefaultSerial))
	f.expect(t, devices.DeviceForgotten)

	_, ok := f.mgr.GetDevice(simulator.DefaultSerial)
	assert.False(t, ok)
	_, err = f.cache.Snapshot(simulator.DefaultSerial)
	assert.ErrorIs(t, err, schema.ErrNotFound)
	_, ok = reg.get(simulator.DefaultSerial)
	assert.False(t, ok)

	assert.ErrorIs(t, f.mgr.Forget(ctx, simulator.DefaultSerial), devices.ErrUnknownDevice)
}
