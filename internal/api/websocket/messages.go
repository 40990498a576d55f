package websocket

import (
	"encoding/json"
	"time"

	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Client to server
	MessageTypeSubscribe MessageType = "subscribe"

	// Subscription replies
	MessageTypeSubscribed MessageType = "subscribed"
	MessageTypeError      MessageType = "error"

	// Device traffic
	MessageTypeTopic MessageType = "topic"
	MessageTypeLog   MessageType = "log"

	// Device lifecycle
	MessageTypeDeviceConnected    MessageType = "device_connected"
	MessageTypeDeviceDisconnected MessageType = "device_disconnected"
	MessageTypeSchemaChanged      MessageType = "schema_changed"
	MessageTypeDeviceForgotten    MessageType = "device_forgotten"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// SubscribeRequest is the first message a client must send. An empty path
// subscribes to every topic-out of the device.
type SubscribeRequest struct {
	Type   MessageType `json:"type"`
	Device string      `json:"device"`
	Path   string      `json:"path"`
}

type SubscribedData struct {
	Device types.DeviceInfo `json:"device"`
	Path   string           `json:"path,omitempty"`
}

type ErrorData struct {
	Reason string `json:"reason"`
}

// TopicData is one topic-out message or log line.
type TopicData struct {
	Device  types.DeviceID  `json:"device"`
	Path    string          `json:"path"`
	Seq     uint64          `json:"seq"`
	ID      string          `json:"uuidv7"`
	Message json.RawMessage `json:"msg,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type DeviceEventData struct {
	Device     types.DeviceInfo `json:"device"`
	Generation uint64           `json:"generation,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}
