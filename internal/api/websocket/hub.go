package websocket

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenDeviceProxy/internal/devices"
	"github.com/KevinKickass/OpenDeviceProxy/internal/history"
	"github.com/KevinKickass/OpenDeviceProxy/internal/metrics"
	"github.com/KevinKickass/OpenDeviceProxy/internal/proxy"
	"github.com/KevinKickass/OpenDeviceProxy/internal/resolver"
	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

// Resolver turns subscription fragments into a device and topic path.
type Resolver interface {
	ResolveDevice(fragment string) (types.DeviceInfo, error)
	ResolveTopic(id types.DeviceID, fragment string, dir schema.Direction) (schema.TopicDescriptor, *schema.DeviceSchemaSet, error)
}

var _ Resolver = (*resolver.Resolver)(nil)

// envelope is a message addressed to the subscribers of one device. An empty path
// reaches every subscriber of that device.
type envelope struct {
	device types.DeviceID
	path   string
	data   []byte
}

// Hub maintains subscribed WebSocket clients and fans device traffic out to them
type Hub struct {
	clients map[*Client]bool

	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	done       chan struct{}

	mu       sync.RWMutex
	resolver Resolver
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewHub(res Resolver, m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		resolver:   res,
		metrics:    m,
		logger:     logger,
	}
}

// Run is the hub's main event loop. It returns after Stop.
func (h *Hub) Run() {
	defer close(h.done)
	h.logger.Info("WebSocket Hub started")
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket Hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.metrics.WebsocketClients(1)
			h.logger.Info("WebSocket client subscribed",
				zap.String("remote_addr", client.conn.RemoteAddr().String()),
				zap.String("device", client.device.Hex()),
				zap.String("path", client.path),
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.metrics.WebsocketClients(-1)
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", client.conn.RemoteAddr().String()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case env := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(env.device, env.path) {
					continue
				}
				select {
				case client.send <- env.data:
				default:
					// Client send channel full - unregister slow/dead client
					close(client.send)
					delete(h.clients, client)
					h.metrics.WebsocketClients(-1)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("remote_addr", client.conn.RemoteAddr().String()))
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop ends Run and closes every client.
func (h *Hub) Stop() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	<-h.done
}

func (h *Hub) send(device types.DeviceID, path string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- envelope{device: device, path: path, data: data}:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

// PublishTopic forwards a topic-out message or log line. It never blocks.
func (h *Hub) PublishTopic(ev proxy.TopicEvent) {
	msgType := MessageTypeTopic
	path := ev.Path
	if ev.Category == history.Log.String() {
		// logs reach every subscriber of the device
		msgType = MessageTypeLog
		path = ""
	}
	h.send(ev.Device, path, NewMessage(msgType, TopicData{
		Device:  ev.Device,
		Path:    ev.Path,
		Seq:     ev.Seq,
		ID:      ev.ID.String(),
		Message: ev.Message,
		Error:   ev.Error,
	}))
}

// PublishChange forwards a device lifecycle change to the device's subscribers.
func (h *Hub) PublishChange(c devices.Change) {
	var msgType MessageType
	switch c.Kind {
	case devices.DeviceConnected:
		msgType = MessageTypeDeviceConnected
	case devices.DeviceDisconnected:
		msgType = MessageTypeDeviceDisconnected
	case devices.SchemaChanged:
		msgType = MessageTypeSchemaChanged
	case devices.DeviceForgotten:
		msgType = MessageTypeDeviceForgotten
	default:
		return
	}
	h.send(c.Device.ID, "", NewMessage(msgType, DeviceEventData{Device: c.Device, Generation: c.Generation}))
}

// GetClientCount returns the number of subscribed clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
