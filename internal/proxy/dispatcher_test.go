package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenDeviceProxy/internal/codec"
	"github.com/KevinKickass/OpenDeviceProxy/internal/devices"
	"github.com/KevinKickass/OpenDeviceProxy/internal/history"
	"github.com/KevinKickass/OpenDeviceProxy/internal/link"
	"github.com/KevinKickass/OpenDeviceProxy/internal/resolver"
	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
	"github.com/KevinKickass/OpenDeviceProxy/internal/simulator"
)

const benchICD = `
icd: {name: bench}
endpoints:
  - path: bench/silent
    request: {kind: unit}
    response: {kind: unit}
    behavior: {type: silent}
  - path: bench/echo
    request: {kind: i32}
    response: {kind: i32}
    behavior: {type: echo}
  - path: bench/slow
    request: {kind: i32}
    response: {kind: i32}
    behavior: {type: echo, delay: 300ms}
  - path: bench/broken
    request: {kind: unit}
    response: {kind: unit}
    behavior: {type: error, code: deser_failed}
topics_in:
  - path: bench/target
    message: {kind: u16}
topics_out:
  - path: bench/reading
    message: {kind: u8}
    samples: [7, 8]
`

type harness struct {
	sim   *simulator.Simulator
	cache *schema.Cache
	store *history.Store
	disp  *Dispatcher
	dev   *simulator.Device
}

// newHarness wires a simulator behind a device manager and waits for discovery.
// An empty descriptor runs the built-in simulator ICD.
func newHarness(t *testing.T, descriptor string) *harness {
	t.Helper()
	logger := zap.NewNop()

	loader, err := devices.NewDescriptorLoader(nil)
	require.NoError(t, err)
	var icd *devices.ICD
	if descriptor == "" {
		icd, err = loader.Load(devices.BuiltinSimulator)
	} else {
		icd, err = loader.Parse([]byte(descriptor))
	}
	require.NoError(t, err)

	sim := simulator.New(logger)
	cache := schema.NewCache(logger)
	mgr := devices.NewManager(sim, cache, logger)
	res, err := resolver.New(mgr, cache, 0, logger, nil)
	require.NoError(t, err)
	store := history.NewStore(logger)
	disp := NewDispatcher(mgr, cache, res, store, logger, WithTimeouts(time.Second, 2*time.Second))
	mgr.SetFrameHandler(disp)

	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() {
		mgr.Stop()
		_ = sim.Close()
	})

	dev, err := sim.AddDevice(simulator.DefaultSerial, simulator.DefaultName, icd)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := cache.Snapshot(simulator.DefaultSerial)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	return &harness{sim: sim, cache: cache, store: store, disp: disp, dev: dev}
}

func TestCallEndpointStoreAndLoad(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	res, err := h.disp.CallEndpoint(ctx, "quirky", "led/set", json.RawMessage(`{"r":20,"g":30,"b":40}`), 0)
	require.NoError(t, err)
	assert.Equal(t, "simulator/status_led/set", res.Path)
	assert.JSONEq(t, `null`, string(res.JSON))

	reqs := h.store.QueryRecent(simulator.DefaultSerial, history.EndpointRequest, 0)
	require.Len(t, reqs, 1)
	assert.Equal(t, []byte{20, 30, 40}, reqs[0].Payload)
	assert.Equal(t, "simulator/status_led/set", reqs[0].Path)

	stored, ok := h.dev.Slot("led")
	require.True(t, ok)
	r, _ := stored.Field("r")
	assert.True(t, codec.Equal(codec.Uint(20), r))

	res, err = h.disp.CallEndpoint(ctx, "quirky", "led/get", nil, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"r":20,"g":30,"b":40}`, string(res.JSON))

	resps := h.store.QueryRecent(simulator.DefaultSerial, history.EndpointResponse, 0)
	require.Len(t, resps, 2)
	assert.Equal(t, []byte{20, 30, 40}, resps[1].Payload)
	assert.Zero(t, h.disp.Pending())
}

func TestCallEndpointLoadDefault(t *testing.T) {
	h := newHarness(t, "")

	res, err := h.disp.CallEndpoint(context.Background(), "PENGUIN", "status_led/get", nil, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"r":0,"g":0,"b":0}`, string(res.JSON))
}

func TestCallEndpointSerial(t *testing.T) {
	h := newHarness(t, "")

	res, err := h.disp.CallEndpoint(context.Background(), simulator.DefaultSerial.Hex(), "unique_id", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "1957443291040411777", string(res.JSON))
}

func TestCallEndpointResolveErrors(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	_, err := h.disp.CallEndpoint(ctx, "nobody", "led/get", nil, 0)
	assert.ErrorIs(t, err, resolver.ErrNoMatch)

	_, err = h.disp.CallEndpoint(ctx, "quirky", "led", nil, 0)
	assert.ErrorIs(t, err, resolver.ErrAmbiguous)

	_, err = h.disp.CallEndpoint(ctx, "quirky", "does/not/exist", nil, 0)
	assert.ErrorIs(t, err, resolver.ErrNoMatch)

	assert.Empty(t, h.store.QueryRecent(simulator.DefaultSerial, history.EndpointRequest, 0))
}

func TestCallEndpointSchemaMismatchSendsNothing(t *testing.T) {
	h := newHarness(t, "")

	_, err := h.disp.CallEndpoint(context.Background(), "quirky", "led/set", json.RawMessage(`{"r":300,"g":0,"b":0}`), 0)
	assert.ErrorIs(t, err, codec.ErrSchemaMismatch)

	_, err = h.disp.CallEndpoint(context.Background(), "quirky", "led/set", json.RawMessage(`{"r":1}`), 0)
	assert.ErrorIs(t, err, codec.ErrSchemaMismatch)

	assert.Empty(t, h.store.QueryRecent(simulator.DefaultSerial, history.EndpointRequest, 0))
	_, ok := h.dev.Slot("led")
	assert.False(t, ok)
}

func TestCallEndpointTimeout(t *testing.T) {
	h := newHarness(t, benchICD)

	start := time.Now()
	_, err := h.disp.CallEndpoint(context.Background(), "quirky", "silent", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// the request stays on record, there is no response
	assert.Len(t, h.store.QueryRecent(simulator.DefaultSerial, history.EndpointRequest, 0), 1)
	assert.Empty(t, h.store.QueryRecent(simulator.DefaultSerial, history.EndpointResponse, 0))
	assert.Zero(t, h.disp.Pending())
}

func TestConcurrentCallsCorrelateOutOfOrder(t *testing.T) {
	h := newHarness(t, benchICD)
	ctx := context.Background()

	type outcome struct {
		path string
		want string
		got  string
		err  error
	}
	var (
		mu       sync.Mutex
		finished []outcome
		wg       sync.WaitGroup
	)
	call := func(path string, n int) {
		defer wg.Done()
		want := strconv.Itoa(n)
		res, err := h.disp.CallEndpoint(ctx, "quirky", path, json.RawMessage(want), 2*time.Second)
		o := outcome{path: path, want: want, err: err}
		if err == nil {
			o.got = string(res.JSON)
		}
		mu.Lock()
		finished = append(finished, o)
		mu.Unlock()
	}

	// slow calls go out first and are answered last
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go call("slow", 1000+i)
	}
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go call("echo", -i)
	}
	wg.Wait()

	require.Len(t, finished, 10)
	for i, o := range finished {
		require.NoError(t, o.err, o.path)
		assert.Equal(t, o.want, o.got, o.path)
		if i < 5 {
			assert.Equal(t, "echo", o.path)
		} else {
			assert.Equal(t, "slow", o.path)
		}
	}
	assert.Zero(t, h.disp.Pending())
	assert.Len(t, h.store.QueryRecent(simulator.DefaultSerial, history.EndpointResponse, 0), 10)
}

func TestLateResponseIsDropped(t *testing.T) {
	h := newHarness(t, benchICD)
	ctx := context.Background()

	_, err := h.disp.CallEndpoint(ctx, "quirky", "slow", json.RawMessage(`5`), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	// the device answers later and nothing picks it up
	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, h.store.QueryRecent(simulator.DefaultSerial, history.EndpointResponse, 0))

	res, err := h.disp.CallEndpoint(ctx, "quirky", "echo", json.RawMessage(`-9`), 0)
	require.NoError(t, err)
	assert.Equal(t, "-9", string(res.JSON))
}

func TestCallEndpointContextDeadline(t *testing.T) {
	h := newHarness(t, benchICD)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := h.disp.CallEndpoint(ctx, "quirky", "silent", nil, time.Minute)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCallEndpointRemoteError(t *testing.T) {
	h := newHarness(t, benchICD)

	_, err := h.disp.CallEndpoint(context.Background(), "quirky", "broken", nil, 0)
	require.ErrorIs(t, err, ErrRemote)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, link.WireDeserFailed, remote.Code)
	assert.Equal(t, "bench/broken", remote.Path)
}

func TestCallEndpointRediscoversOnce(t *testing.T) {
	h := newHarness(t, benchICD)

	h.cache.Forget(simulator.DefaultSerial)
	_, err := h.cache.Snapshot(simulator.DefaultSerial)
	require.ErrorIs(t, err, schema.ErrNotFound)

	res, err := h.disp.CallEndpoint(context.Background(), "quirky", "echo", json.RawMessage(`12`), 0)
	require.NoError(t, err)
	assert.Equal(t, "12", string(res.JSON))
}

func TestTimeoutClamp(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, nil, zap.NewNop(), WithTimeouts(time.Second, 3*time.Second))
	assert.Equal(t, time.Second, d.timeout(0))
	assert.Equal(t, 2*time.Second, d.timeout(2*time.Second))
	assert.Equal(t, 3*time.Second, d.timeout(time.Hour))
}

func TestPublishTopic(t *testing.T) {
	h := newHarness(t, benchICD)

	ack, err := h.disp.PublishTopic(context.Background(), "quirky", "target", json.RawMessage(`512`))
	require.NoError(t, err)
	assert.Equal(t, "bench/target", ack.Path)

	got := h.dev.Received("bench/target")
	require.Len(t, got, 1)
	assert.True(t, codec.Equal(codec.Uint(512), got[0]))

	recorded := h.store.QueryRecent(simulator.DefaultSerial, history.TopicIn, 0)
	require.Len(t, recorded, 1)
	assert.Equal(t, []byte{0x80, 0x04}, recorded[0].Payload)

	// topic-out paths are not publishable
	_, err = h.disp.PublishTopic(context.Background(), "quirky", "reading", json.RawMessage(`1`))
	assert.ErrorIs(t, err, resolver.ErrNoMatch)

	_, err = h.disp.PublishTopic(context.Background(), "quirky", "target", json.RawMessage(`-1`))
	assert.ErrorIs(t, err, codec.ErrSchemaMismatch)
}

func TestTopicOutIsRecordedAndFannedOut(t *testing.T) {
	h := newHarness(t, benchICD)

	events := make(chan TopicEvent, 4)
	cancel := h.disp.Subscribe(func(ev TopicEvent) { events <- ev })

	require.NoError(t, h.sim.PublishTopic(simulator.DefaultSerial, "bench/reading"))
	select {
	case ev := <-events:
		assert.Equal(t, "bench/reading", ev.Path)
		assert.Equal(t, "topic_out", ev.Category)
		assert.Equal(t, "7", string(ev.Message))
	case <-time.After(time.Second):
		t.Fatal("no topic event")
	}

	cancel()
	require.NoError(t, h.sim.PublishTopic(simulator.DefaultSerial, "bench/reading"))

	var msgs []Message
	require.Eventually(t, func() bool {
		_, _, msgs, _ = h.disp.TopicMessages(context.Background(), "quirky", "reading", 10)
		return len(msgs) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "7", string(msgs[0].Message))
	assert.Equal(t, "8", string(msgs[1].Message))
	assert.Empty(t, events)

	_, _, msgs, err := h.disp.TopicMessages(context.Background(), "quirky", "reading", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "8", string(msgs[0].Message))
}

func TestLogsFromEndpointCall(t *testing.T) {
	h := newHarness(t, "")

	_, err := h.disp.CallEndpoint(context.Background(), "quirky", "picoboot/reset", nil, 0)
	require.NoError(t, err)

	// the log line precedes the response on the link
	_, logs, err := h.disp.Logs("quirky", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, `"resetting to bootloader"`, string(logs[0].Message))
}

func TestLogsRange(t *testing.T) {
	h := newHarness(t, "")
	for _, line := range []string{"one", "two", "three"} {
		require.NoError(t, h.sim.PublishLog(simulator.DefaultSerial, line))
	}

	var logs []Message
	require.Eventually(t, func() bool {
		_, logs, _ = h.disp.Logs("quirky", 0)
		return len(logs) == 3
	}, time.Second, 10*time.Millisecond)

	_, after, err := h.disp.LogsRange("quirky", logs[0].ID, 10, history.After)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, `"two"`, string(after[0].Message))

	_, before, err := h.disp.LogsRange("quirky", logs[2].ID, 1, history.Before)
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Equal(t, `"two"`, string(before[0].Message))

	_, _, err = h.disp.LogsRange("quirky", uuid.New(), 1, history.Before)
	assert.ErrorIs(t, err, ErrAnchorNotFound)
}

func TestDecodeEntryUnknownKey(t *testing.T) {
	h := newHarness(t, "")

	e, _ := h.store.Append(simulator.DefaultSerial, history.TopicOut, history.Entry{Path: "gone", Payload: []byte{1}})
	m := h.disp.DecodeEntry(e)
	assert.Nil(t, m.Message)
	assert.NotEmpty(t, m.Error)
	assert.Equal(t, "gone", m.Path)
}

func TestHistoryRangeAndAnchored(t *testing.T) {
	h := newHarness(t, benchICD)
	ctx := context.Background()
	for _, n := range []string{"1", "2", "3", "4"} {
		_, err := h.disp.CallEndpoint(ctx, "quirky", "echo", json.RawMessage(n), 0)
		require.NoError(t, err)
	}

	_, all, err := h.disp.History("quirky", history.EndpointRequest, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)

	_, mid, err := h.disp.HistoryRange("quirky", history.EndpointRequest, all[1].Seq, all[2].Seq)
	require.NoError(t, err)
	require.Len(t, mid, 2)
	assert.Equal(t, "2", string(mid[0].Message))
	assert.Equal(t, "3", string(mid[1].Message))

	_, after, err := h.disp.HistoryAnchored("quirky", history.EndpointResponse, all[0].ID, 10, history.After)
	assert.ErrorIs(t, err, ErrAnchorNotFound)
	assert.Nil(t, after)

	_, before, err := h.disp.HistoryAnchored("quirky", history.EndpointRequest, all[3].ID, 2, history.Before)
	require.NoError(t, err)
	require.Len(t, before, 2)
	assert.Equal(t, "2", string(before[0].Message))
	assert.Equal(t, "3", string(before[1].Message))
}
