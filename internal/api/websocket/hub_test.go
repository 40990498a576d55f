package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenDeviceProxy/internal/devices"
	"github.com/KevinKickass/OpenDeviceProxy/internal/proxy"
	"github.com/KevinKickass/OpenDeviceProxy/internal/resolver"
	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

const testDevice = types.DeviceID(0x1B2A3C4D5E6F7081)

type fakeResolver struct{}

func (fakeResolver) ResolveDevice(fragment string) (types.DeviceInfo, error) {
	if strings.EqualFold(fragment, "quirky") {
		return types.DeviceInfo{ID: testDevice, Name: "QUIRKY-PENGUIN", Connected: true}, nil
	}
	return types.DeviceInfo{}, &resolver.NoMatchError{Kind: "device", Fragment: fragment}
}

func (fakeResolver) ResolveTopic(id types.DeviceID, fragment string, dir schema.Direction) (schema.TopicDescriptor, *schema.DeviceSchemaSet, error) {
	if strings.Contains("simulator/temperature", fragment) && dir == schema.ToClient {
		return schema.TopicDescriptor{Path: "simulator/temperature", Direction: dir}, nil, nil
	}
	return schema.TopicDescriptor{}, nil, &resolver.NoMatchError{Kind: "topic", Fragment: fragment}
}

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(fakeResolver{}, nil, zap.NewNop())
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *gorilla.Conn {
	t.Helper()
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *gorilla.Conn) (MessageType, json.RawMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type MessageType     `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg.Type, msg.Data
}

func subscribe(t *testing.T, hub *Hub, url, device, path string) *gorilla.Conn {
	t.Helper()
	conn := dial(t, url)
	before := hub.GetClientCount()
	require.NoError(t, conn.WriteJSON(SubscribeRequest{Type: MessageTypeSubscribe, Device: device, Path: path}))
	typ, _ := readMessage(t, conn)
	require.Equal(t, MessageTypeSubscribed, typ)
	require.Eventually(t, func() bool { return hub.GetClientCount() == before+1 }, time.Second, 10*time.Millisecond)
	return conn
}

func TestSubscribeAndReceiveTopic(t *testing.T) {
	hub, url := startHub(t)
	conn := subscribe(t, hub, url, "quirky", "temp")

	// other topics of the device are filtered out, logs are not
	hub.PublishTopic(proxy.TopicEvent{Device: testDevice, Category: "topic_out", Path: "simulator/other", Message: json.RawMessage(`1`)})
	hub.PublishTopic(proxy.TopicEvent{Device: testDevice, Category: "log", Path: "log", Message: json.RawMessage(`"hi"`)})
	hub.PublishTopic(proxy.TopicEvent{
		Device:   testDevice,
		Category: "topic_out",
		Path:     "simulator/temperature",
		Seq:      3,
		ID:       uuid.New(),
		Message:  json.RawMessage(`{"temp":21.5}`),
	})

	typ, data := readMessage(t, conn)
	assert.Equal(t, MessageTypeLog, typ)
	var logData TopicData
	require.NoError(t, json.Unmarshal(data, &logData))
	assert.JSONEq(t, `"hi"`, string(logData.Message))

	typ, data = readMessage(t, conn)
	assert.Equal(t, MessageTypeTopic, typ)
	var topic TopicData
	require.NoError(t, json.Unmarshal(data, &topic))
	assert.Equal(t, "simulator/temperature", topic.Path)
	assert.Equal(t, uint64(3), topic.Seq)
	assert.JSONEq(t, `{"temp":21.5}`, string(topic.Message))
}

func TestDeviceChangesReachSubscribers(t *testing.T) {
	hub, url := startHub(t)
	conn := subscribe(t, hub, url, "quirky", "")

	hub.PublishChange(devices.Change{Kind: devices.DeviceConnected, Device: types.DeviceInfo{ID: types.DeviceID(7)}})
	hub.PublishChange(devices.Change{Kind: devices.SchemaChanged, Device: types.DeviceInfo{ID: testDevice}, Generation: 4})

	typ, data := readMessage(t, conn)
	assert.Equal(t, MessageTypeSchemaChanged, typ)
	var ev DeviceEventData
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, uint64(4), ev.Generation)
}

func TestSubscriptionRejected(t *testing.T) {
	tests := []struct {
		name string
		req  any
	}{
		{"wrong type", map[string]string{"type": "hello"}},
		{"unknown device", SubscribeRequest{Type: MessageTypeSubscribe, Device: "nobody"}},
		{"unknown topic", SubscribeRequest{Type: MessageTypeSubscribe, Device: "quirky", Path: "humidity"}},
	}

	hub, url := startHub(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dial(t, url)
			require.NoError(t, conn.WriteJSON(tt.req))
			typ, data := readMessage(t, conn)
			assert.Equal(t, MessageTypeError, typ)
			assert.Contains(t, string(data), "reason")
			assert.Zero(t, hub.GetClientCount())
		})
	}
}

func TestUnsubscribeOnClose(t *testing.T) {
	hub, url := startHub(t)
	conn := subscribe(t, hub, url, "quirky", "")
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.GetClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
