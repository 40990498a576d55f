package link

import (
	"context"
	"errors"

	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

var (
	ErrNotConnected = errors.New("device not connected")
	ErrClosed       = errors.New("connection closed")
)

// Inbound is a frame received from a device.
type Inbound struct {
	Device types.DeviceID
	Frame  *Frame
}

type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	// EventSchemaInvalidate asks for a fresh discovery, e.g. after a firmware swap.
	EventSchemaInvalidate
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventSchemaInvalidate:
		return "schema_invalidate"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind   EventKind
	Device types.DeviceInfo
}

// Connection is the device side of the gateway: whatever owns the physical links.
// Inbound and Events are closed when the connection is closed.
type Connection interface {
	Send(ctx context.Context, id types.DeviceID, frame *Frame) error
	Inbound() <-chan Inbound
	Events() <-chan Event
	SchemaReport(ctx context.Context, id types.DeviceID) (*schema.Report, error)
	Close() error
}
