package resolver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

type staticDevices []types.DeviceInfo

func (s staticDevices) ListDevices() []types.DeviceInfo { return s }

const (
	quirky = types.DeviceID(0x1B2A3C4D5E6F7081)
	sleepy = types.DeviceID(0x00000000DEADBEEF)
)

var registry = staticDevices{
	{ID: quirky, Name: "QUIRKY-PENGUIN", Connected: true},
	{ID: sleepy, Name: "SLEEPY-WALRUS", Connected: true},
}

func simulatorSchemas(t *testing.T) *schema.Cache {
	t.Helper()
	rgb := schema.Struct("Rgb8",
		schema.F("r", schema.Prim(schema.KindU8)),
		schema.F("g", schema.Prim(schema.KindU8)),
		schema.F("b", schema.Prim(schema.KindU8)))
	report := schema.NewReport([]schema.EndpointDef{
		{Path: "poststation/unique_id/get", Request: schema.Unit(), Response: schema.Prim(schema.KindU64)},
		{Path: "simulator/picoboot/reset", Request: schema.Unit(), Response: schema.Unit()},
		{Path: "simulator/status_led/set", Request: rgb, Response: schema.Unit()},
		{Path: "simulator/status_led/get", Request: schema.Unit(), Response: rgb},
	}, []schema.TopicDef{
		{Path: "simulator/temperature", Direction: schema.ToClient,
			Message: schema.Struct("Temperature", schema.F("temp", schema.Prim(schema.KindF64)))},
	})

	c := schema.NewCache(zap.NewNop())
	_, err := c.RecordDiscovery(quirky, report)
	require.NoError(t, err)
	return c
}

func newResolver(t *testing.T, c *schema.Cache) *Resolver {
	t.Helper()
	r, err := New(registry, c, 16, zap.NewNop(), nil)
	require.NoError(t, err)
	return r
}

func TestResolveDevice(t *testing.T) {
	r := newResolver(t, schema.NewCache(zap.NewNop()))

	tests := []struct {
		fragment string
		want     types.DeviceID
	}{
		{"quirky", quirky},
		{"PENGUIN", quirky},
		{"deadbeef", sleepy},
		{"1b2a3c4d5e6f7081", quirky},
		{"  walrus ", sleepy},
	}
	for _, tt := range tests {
		t.Run(tt.fragment, func(t *testing.T) {
			d, err := r.ResolveDevice(tt.fragment)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.ID)
		})
	}

	_, err := r.ResolveDevice("giraffe")
	assert.ErrorIs(t, err, ErrNoMatch)

	// "-" is in both names
	_, err = r.ResolveDevice("-")
	var amb *AmbiguousError
	require.ErrorAs(t, err, &amb)
	assert.Len(t, amb.Candidates, 2)

	_, err = r.ResolveDevice("")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestResolveEndpoint(t *testing.T) {
	r := newResolver(t, simulatorSchemas(t))

	ep, set, err := r.ResolveEndpoint(quirky, "led/get")
	require.NoError(t, err)
	assert.Equal(t, "simulator/status_led/get", ep.Path)
	assert.NotNil(t, set)

	ep, _, err = r.ResolveEndpoint(quirky, "unique_id")
	require.NoError(t, err)
	assert.Equal(t, "poststation/unique_id/get", ep.Path)

	_, _, err = r.ResolveEndpoint(quirky, "led")
	var amb *AmbiguousError
	require.ErrorAs(t, err, &amb)
	assert.Equal(t, []string{"simulator/status_led/get", "simulator/status_led/set"}, amb.Candidates)

	_, _, err = r.ResolveEndpoint(quirky, "nope")
	var nm *NoMatchError
	require.ErrorAs(t, err, &nm)
	assert.Equal(t, "nope", nm.Fragment)

	// case-sensitive
	_, _, err = r.ResolveEndpoint(quirky, "LED/GET")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestResolveEndpointUnknownDevice(t *testing.T) {
	r := newResolver(t, simulatorSchemas(t))
	_, _, err := r.ResolveEndpoint(sleepy, "led/get")
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

func TestResolveTopicByDirection(t *testing.T) {
	r := newResolver(t, simulatorSchemas(t))

	tp, _, err := r.ResolveTopic(quirky, "temp", schema.ToClient)
	require.NoError(t, err)
	assert.Equal(t, "simulator/temperature", tp.Path)

	_, _, err = r.ResolveTopic(quirky, "temp", schema.ToServer)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestResolutionIsDeterministicAndMemoised(t *testing.T) {
	c := simulatorSchemas(t)
	r := newResolver(t, c)

	for i := 0; i < 3; i++ {
		ep, _, err := r.ResolveEndpoint(quirky, "led/set")
		require.NoError(t, err)
		assert.Equal(t, "simulator/status_led/set", ep.Path)
	}
	assert.Equal(t, 1, r.memo.Len())

	// failures are not cached
	_, _, err := r.ResolveEndpoint(quirky, "led")
	require.Error(t, err)
	assert.Equal(t, 1, r.memo.Len())
}

func TestNewGenerationNeverHitsStaleMemo(t *testing.T) {
	c := simulatorSchemas(t)
	r := newResolver(t, c)

	_, _, err := r.ResolveEndpoint(quirky, "led/set")
	require.NoError(t, err)

	// device re-schemas with a second matching endpoint
	report := schema.NewReport([]schema.EndpointDef{
		{Path: "simulator/status_led/set", Request: schema.Unit(), Response: schema.Unit()},
		{Path: "simulator/status_led/set_all", Request: schema.Unit(), Response: schema.Unit()},
	}, nil)
	_, err = c.RecordDiscovery(quirky, report)
	require.NoError(t, err)

	_, _, err = r.ResolveEndpoint(quirky, "led/set")
	assert.True(t, errors.Is(err, ErrAmbiguous))
}
