package simulator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenDeviceProxy/internal/codec"
	"github.com/KevinKickass/OpenDeviceProxy/internal/config"
	"github.com/KevinKickass/OpenDeviceProxy/internal/devices"
	"github.com/KevinKickass/OpenDeviceProxy/internal/link"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

func builtin(t *testing.T) (*devices.DescriptorLoader, *devices.ICD) {
	t.Helper()
	loader, err := devices.NewDescriptorLoader(nil)
	require.NoError(t, err)
	icd, err := loader.Load(devices.BuiltinSimulator)
	require.NoError(t, err)
	return loader, icd
}

func nextEvent(t *testing.T, s *Simulator) link.Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	return link.Event{}
}

func nextFrame(t *testing.T, s *Simulator) link.Inbound {
	t.Helper()
	select {
	case in := <-s.Inbound():
		return in
	case <-time.After(time.Second):
		t.Fatal("no inbound frame")
	}
	return link.Inbound{}
}

func request(t *testing.T, icd *devices.ICD, path string, seq uint32, v codec.Value) *link.Frame {
	t.Helper()
	ep, ok := icd.Endpoint(path)
	require.True(t, ok)
	body, err := codec.Encode(ep.Request, v)
	require.NoError(t, err)
	return &link.Frame{Kind: link.KindRequest, Seq: seq, Key: ep.RequestKey, Path: path, Body: body}
}

func TestAddAndRemoveDevice(t *testing.T) {
	_, icd := builtin(t)
	s := New(zap.NewNop())
	defer s.Close()

	_, err := s.AddDevice(DefaultSerial, DefaultName, icd)
	require.NoError(t, err)
	ev := nextEvent(t, s)
	assert.Equal(t, link.EventConnected, ev.Kind)
	assert.Equal(t, DefaultName, ev.Device.Name)
	assert.Equal(t, "OneVariable", ev.Device.Manufacturer)

	_, err = s.AddDevice(DefaultSerial, DefaultName, icd)
	assert.ErrorIs(t, err, ErrDeviceExists)

	report, err := s.SchemaReport(context.Background(), DefaultSerial)
	require.NoError(t, err)
	assert.Same(t, icd.Report, report)

	require.NoError(t, s.RemoveDevice(DefaultSerial))
	ev = nextEvent(t, s)
	assert.Equal(t, link.EventDisconnected, ev.Kind)
	assert.False(t, ev.Device.Connected)

	_, err = s.SchemaReport(context.Background(), DefaultSerial)
	assert.ErrorIs(t, err, link.ErrNotConnected)
}

func TestRequestResponse(t *testing.T) {
	_, icd := builtin(t)
	s := New(zap.NewNop())
	defer s.Close()
	_, err := s.AddDevice(DefaultSerial, DefaultName, icd)
	require.NoError(t, err)
	nextEvent(t, s)

	ctx := context.Background()
	rgb := codec.Struct(
		codec.Field("r", codec.Uint(1)),
		codec.Field("g", codec.Uint(2)),
		codec.Field("b", codec.Uint(3)))
	require.NoError(t, s.Send(ctx, DefaultSerial, request(t, icd, "simulator/status_led/set", 7, rgb)))
	in := nextFrame(t, s)
	assert.Equal(t, link.KindResponse, in.Frame.Kind)
	assert.Equal(t, uint32(7), in.Frame.Seq)
	assert.Empty(t, in.Frame.Body)

	require.NoError(t, s.Send(ctx, DefaultSerial, request(t, icd, "simulator/status_led/get", 8, codec.Null())))
	in = nextFrame(t, s)
	assert.Equal(t, uint32(8), in.Frame.Seq)
	assert.Equal(t, []byte{1, 2, 3}, in.Frame.Body)
}

func TestRequestWireErrors(t *testing.T) {
	_, icd := builtin(t)
	s := New(zap.NewNop())
	defer s.Close()
	_, err := s.AddDevice(DefaultSerial, DefaultName, icd)
	require.NoError(t, err)
	nextEvent(t, s)
	ctx := context.Background()

	f := request(t, icd, "simulator/status_led/set", 1, codec.Struct(
		codec.Field("r", codec.Uint(1)),
		codec.Field("g", codec.Uint(2)),
		codec.Field("b", codec.Uint(3))))
	f.Body = f.Body[:1]
	require.NoError(t, s.Send(ctx, DefaultSerial, f))
	in := nextFrame(t, s)
	assert.Equal(t, link.KindWireError, in.Frame.Kind)
	assert.Equal(t, link.WireDeserFailed, in.Frame.WireError())

	f = request(t, icd, "simulator/status_led/get", 2, codec.Null())
	f.Key[0] ^= 0xFF
	require.NoError(t, s.Send(ctx, DefaultSerial, f))
	in = nextFrame(t, s)
	assert.Equal(t, link.WireUnknownKey, in.Frame.WireError())

	err = s.Send(ctx, types.DeviceID(1), f)
	assert.ErrorIs(t, err, link.ErrNotConnected)

	err = s.Send(ctx, DefaultSerial, &link.Frame{Kind: link.KindResponse, Path: "x"})
	assert.Error(t, err)
}

func TestLogBeforeResponse(t *testing.T) {
	_, icd := builtin(t)
	s := New(zap.NewNop())
	defer s.Close()
	_, err := s.AddDevice(DefaultSerial, DefaultName, icd)
	require.NoError(t, err)
	nextEvent(t, s)

	require.NoError(t, s.Send(context.Background(), DefaultSerial, request(t, icd, "simulator/picoboot/reset", 3, codec.Null())))
	first := nextFrame(t, s)
	second := nextFrame(t, s)
	assert.Equal(t, link.KindLog, first.Frame.Kind)
	assert.Equal(t, link.KindResponse, second.Frame.Kind)

	msg, err := codec.Decode(link.LogSchema(), first.Frame.Body)
	require.NoError(t, err)
	assert.Equal(t, "resetting to bootloader", msg.Text)
}

func TestPublishTopicCyclesSamples(t *testing.T) {
	loader, _ := builtin(t)
	icd, err := loader.Parse([]byte(`
icd: {name: ticker}
topics_out:
  - path: ticker/count
    message: {kind: u8}
    samples: [1, 2, 3]
`))
	require.NoError(t, err)

	s := New(zap.NewNop())
	defer s.Close()
	_, err = s.AddDevice(DefaultSerial, DefaultName, icd)
	require.NoError(t, err)
	nextEvent(t, s)

	var got []byte
	var seqs []uint32
	for i := 0; i < 4; i++ {
		require.NoError(t, s.PublishTopic(DefaultSerial, "ticker/count"))
		in := nextFrame(t, s)
		require.Equal(t, link.KindTopicOut, in.Frame.Kind)
		assert.Equal(t, icd.TopicsOut[0].Key, in.Frame.Key)
		got = append(got, in.Frame.Body...)
		seqs = append(seqs, in.Frame.Seq)
	}
	assert.Equal(t, []byte{1, 2, 3, 1}, got)
	assert.Equal(t, []uint32{1, 2, 3, 4}, seqs)

	assert.Error(t, s.PublishTopic(DefaultSerial, "ticker/nope"))
}

func TestReschemaInvalidates(t *testing.T) {
	loader, icd := builtin(t)
	s := New(zap.NewNop())
	defer s.Close()
	_, err := s.AddDevice(DefaultSerial, DefaultName, icd)
	require.NoError(t, err)
	nextEvent(t, s)

	other, err := loader.Parse([]byte(`
icd: {name: other}
endpoints:
  - path: other/ping
    request: {kind: unit}
    response: {kind: unit}
`))
	require.NoError(t, err)
	require.NoError(t, s.Reschema(DefaultSerial, other))
	ev := nextEvent(t, s)
	assert.Equal(t, link.EventSchemaInvalidate, ev.Kind)

	report, err := s.SchemaReport(context.Background(), DefaultSerial)
	require.NoError(t, err)
	require.Len(t, report.Endpoints, 1)
	assert.Equal(t, "other/ping", report.Endpoints[0].Path)
}

func TestCloseRejectsAndClosesChannels(t *testing.T) {
	_, icd := builtin(t)
	s := New(zap.NewNop())
	_, err := s.AddDevice(DefaultSerial, DefaultName, icd)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err = s.Send(context.Background(), DefaultSerial, request(t, icd, "simulator/status_led/get", 1, codec.Null()))
	assert.True(t, errors.Is(err, link.ErrClosed))
	_, err = s.AddDevice(types.DeviceID(2), "", icd)
	assert.ErrorIs(t, err, link.ErrClosed)

	// drain whatever was buffered, then both channels report closed
	for range s.Events() {
	}
	for range s.Inbound() {
	}
}

func TestPopulate(t *testing.T) {
	loader, _ := builtin(t)

	s := New(zap.NewNop())
	defer s.Close()
	require.NoError(t, Populate(s, loader, config.SimulatorConfig{Enabled: true}))
	d, ok := s.Device(DefaultSerial)
	require.True(t, ok)
	assert.Equal(t, DefaultName, d.Name)

	s2 := New(zap.NewNop())
	defer s2.Close()
	err := Populate(s2, loader, config.SimulatorConfig{Devices: []config.SimulatedDevice{
		{Serial: "00000000000000AA", Name: "A"},
		{Serial: "00000000000000BB", Descriptor: "missing-icd"},
	}})
	assert.Error(t, err)
	_, ok = s2.Device(types.DeviceID(0xAA))
	assert.True(t, ok)
}
