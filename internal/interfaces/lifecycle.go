package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenDeviceProxy/internal/config"
	"github.com/KevinKickass/OpenDeviceProxy/internal/devices"
	"github.com/KevinKickass/OpenDeviceProxy/internal/history"
	"github.com/KevinKickass/OpenDeviceProxy/internal/proxy"
	"github.com/KevinKickass/OpenDeviceProxy/internal/resolver"
	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State            string `json:"state"`
	DeviceCount      int    `json:"device_count"`
	ConnectedDevices int    `json:"connected_devices"`
	PendingCalls     int    `json:"pending_calls"`
	Simulator        bool   `json:"simulator"`
	Archive          bool   `json:"archive"`
}

// LifecycleManager is what the API layers reach the gateway through.
type LifecycleManager interface {
	Config() *config.Config
	DeviceManager() *devices.Manager
	Schemas() *schema.Cache
	Resolver() *resolver.Resolver
	Dispatcher() *proxy.Dispatcher
	History() *history.Store
	Archive() history.Archive
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
