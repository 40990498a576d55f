package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the subscribe message after the upgrade
	subscribeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	// fixed once the client is registered
	device types.DeviceID
	path   string
}

// wants reports whether a message for device and path reaches this client.
func (c *Client) wants(device types.DeviceID, path string) bool {
	if c.device != device {
		return false
	}
	return path == "" || c.path == "" || c.path == path
}

// subscribe reads and resolves the first message. Nothing is delivered before it.
func (c *Client) subscribe() bool {
	c.conn.SetReadDeadline(time.Now().Add(subscribeWait))

	var req SubscribeRequest
	if err := c.conn.ReadJSON(&req); err != nil {
		c.logger.Debug("WebSocket client left before subscribing",
			zap.String("remote_addr", c.conn.RemoteAddr().String()),
			zap.Error(err))
		return false
	}
	if req.Type != MessageTypeSubscribe {
		c.reject("First message must be a subscription")
		return false
	}

	dev, err := c.hub.resolver.ResolveDevice(req.Device)
	if err != nil {
		c.reject(err.Error())
		return false
	}
	c.device = dev.ID

	if req.Path != "" {
		tp, _, err := c.hub.resolver.ResolveTopic(dev.ID, req.Path, schema.ToClient)
		if err != nil {
			c.reject(err.Error())
			return false
		}
		c.path = tp.Path
	}

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.reply(NewMessage(MessageTypeSubscribed, SubscribedData{Device: dev, Path: c.path}))
	return true
}

func (c *Client) reply(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("WebSocket reply failed", zap.Error(err))
	}
}

func (c *Client) reject(reason string) {
	c.logger.Warn("WebSocket subscription rejected",
		zap.String("remote_addr", c.conn.RemoteAddr().String()),
		zap.String("reason", reason))
	c.reply(NewMessage(MessageTypeError, ErrorData{Reason: reason}))
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscription rejected"),
		time.Now().Add(writeWait))
}

// readPump discards client messages after the subscription and notices disconnects
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	for {
		var msg map[string]any
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.conn.RemoteAddr().String()))
			}
			return
		}
		c.logger.Debug("Ignoring client message after subscription",
			zap.String("remote_addr", c.conn.RemoteAddr().String()),
			zap.Any("message", msg))
	}
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs handles WebSocket upgrade requests. The client is registered with the hub
// only after a valid subscribe message.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}

	go func() {
		if !client.subscribe() {
			conn.Close()
			return
		}
		select {
		case hub.register <- client:
		case <-hub.stop:
			conn.Close()
			return
		}
		go client.writePump()
		client.readPump()
	}()
}
