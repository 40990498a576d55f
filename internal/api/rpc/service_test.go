package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/KevinKickass/OpenDeviceProxy/internal/config"
	"github.com/KevinKickass/OpenDeviceProxy/internal/devices"
	"github.com/KevinKickass/OpenDeviceProxy/internal/history"
	"github.com/KevinKickass/OpenDeviceProxy/internal/interfaces"
	"github.com/KevinKickass/OpenDeviceProxy/internal/proxy"
	"github.com/KevinKickass/OpenDeviceProxy/internal/resolver"
	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
	"github.com/KevinKickass/OpenDeviceProxy/internal/simulator"
)

type gateway struct {
	mgr   *devices.Manager
	cache *schema.Cache
	res   *resolver.Resolver
	disp  *proxy.Dispatcher
	store *history.Store
}

var _ interfaces.LifecycleManager = (*gateway)(nil)

func (g *gateway) Config() *config.Config { return &config.Config{} }
func (g *gateway) DeviceManager() *devices.Manager { return g.mgr }
func (g *gateway) Schemas() *schema.Cache { return g.cache }
func (g *gateway) Resolver() *resolver.Resolver { return g.res }
func (g *gateway) Dispatcher() *proxy.Dispatcher { return g.disp }
func (g *gateway) History() *history.Store { return g.store }
func (g *gateway) Archive() history.Archive { return nil }
func (g *gateway) Shutdown(context.Context) error { return nil }
func (g *gateway) GetCurrentStatus() interfaces.SystemStatus {
	return interfaces.SystemStatus{State: "RUNNING"}
}

// startGateway serves the Gateway over a loopback listener backed by the simulator.
func startGateway(t *testing.T) *GatewayClient {
	t.Helper()
	logger := zap.NewNop()

	loader, err := devices.NewDescriptorLoader(nil)
	require.NoError(t, err)
	icd, err := loader.Load(devices.BuiltinSimulator)
	require.NoError(t, err)

	sim := simulator.New(logger)
	cache := schema.NewCache(logger)
	mgr := devices.NewManager(sim, cache, logger)
	res, err := resolver.New(mgr, cache, 16, logger, nil)
	require.NoError(t, err)
	store := history.NewStore(logger)
	disp := proxy.NewDispatcher(mgr, cache, res, store, logger, proxy.WithTimeouts(time.Second, 2*time.Second))
	mgr.SetFrameHandler(disp)
	require.NoError(t, mgr.Start(context.Background()))

	_, err = sim.AddDevice(simulator.DefaultSerial, simulator.DefaultName, icd)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := cache.Snapshot(simulator.DefaultSerial)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	RegisterGatewayServer(srv, NewGatewayService(&gateway{mgr: mgr, cache: cache, res: res, disp: disp, store: store}, logger))
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
		mgr.Stop()
		_ = sim.Close()
	})
	return NewGatewayClient(conn)
}

func request(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return s
}

func TestListDevicesAndEndpoints(t *testing.T) {
	client := startGateway(t)
	ctx := context.Background()

	out, err := client.ListDevices(ctx, request(t, nil))
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.Fields["count"].GetNumberValue())
	dev := out.Fields["devices"].GetListValue().GetValues()[0].GetStructValue()
	assert.Equal(t, simulator.DefaultName, dev.Fields["name"].GetStringValue())
	assert.True(t, dev.Fields["is_connected"].GetBoolValue())

	out, err = client.ListEndpoints(ctx, request(t, map[string]any{"device": "quirky"}))
	require.NoError(t, err)
	eps := out.Fields["endpoints"].GetListValue().GetValues()
	assert.Len(t, eps, 4)
}

func TestCallEndpointRoundTrip(t *testing.T) {
	client := startGateway(t)
	ctx := context.Background()

	_, err := client.CallEndpoint(ctx, request(t, map[string]any{
		"device":  "quirky",
		"path":    "led/set",
		"message": map[string]any{"r": 4, "g": 5, "b": 6},
	}))
	require.NoError(t, err)

	out, err := client.CallEndpoint(ctx, request(t, map[string]any{"device": "quirky", "path": "led/get"}))
	require.NoError(t, err)
	assert.Equal(t, "simulator/status_led/get", out.Fields["path"].GetStringValue())
	assert.JSONEq(t, `{"r":4,"g":5,"b":6}`, out.Fields["response_json"].GetStringValue())
	resp := out.Fields["response"].GetStructValue()
	assert.Equal(t, 4.0, resp.Fields["r"].GetNumberValue())

	// u64 survives in the JSON text
	out, err = client.CallEndpoint(ctx, request(t, map[string]any{"device": "quirky", "path": "unique_id"}))
	require.NoError(t, err)
	assert.Equal(t, "1957443291040411777", out.Fields["response_json"].GetStringValue())
}

func TestErrorsMapToStatusCodes(t *testing.T) {
	client := startGateway(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		fields map[string]any
		code   codes.Code
	}{
		{"unknown device", map[string]any{"device": "walrus", "path": "led/get"}, codes.NotFound},
		{"ambiguous path", map[string]any{"device": "quirky", "path": "led"}, codes.FailedPrecondition},
		{"schema mismatch", map[string]any{"device": "quirky", "path": "led/set", "message": "red"}, codes.InvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.CallEndpoint(ctx, request(t, tt.fields))
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}

	_, err := client.PublishTopic(ctx, request(t, map[string]any{"device": "quirky", "path": "temperature", "message": 1}))
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.QueryHistory(ctx, request(t, map[string]any{"device": "quirky", "category": "nope"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestQueryHistory(t *testing.T) {
	client := startGateway(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.CallEndpoint(ctx, request(t, map[string]any{"device": "quirky", "path": "reset"}))
		require.NoError(t, err)
	}

	out, err := client.QueryHistory(ctx, request(t, map[string]any{"device": "quirky", "category": "log", "count": 2}))
	require.NoError(t, err)
	msgs := out.Fields["messages"].GetListValue().GetValues()
	require.Len(t, msgs, 2)
	first := msgs[0].GetStructValue()
	assert.Equal(t, "resetting to bootloader", first.Fields["msg"].GetStringValue())
	assert.Equal(t, 2.0, first.Fields["seq"].GetNumberValue())

	out, err = client.QueryHistory(ctx, request(t, map[string]any{
		"device":    "quirky",
		"category":  "log",
		"anchor":    first.Fields["uuidv7"].GetStringValue(),
		"direction": "before",
	}))
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.Fields["count"].GetNumberValue())

	out, err = client.QueryHistory(ctx, request(t, map[string]any{
		"device":   "quirky",
		"category": "endpoint_request",
		"from":     2,
		"to":       3,
	}))
	require.NoError(t, err)
	assert.Equal(t, 2.0, out.Fields["count"].GetNumberValue())
}
