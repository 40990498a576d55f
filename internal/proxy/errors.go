package proxy

import (
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenDeviceProxy/internal/link"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

var (
	ErrTimeout            = errors.New("timed out waiting for response")
	ErrRemote             = errors.New("device rejected the request")
	ErrUnexpectedResponse = errors.New("unexpected response")
	ErrAnchorNotFound     = errors.New("anchor entry not found")
)

// RemoteError carries the wire error a device answered with.
type RemoteError struct {
	Device types.DeviceID
	Path   string
	Code   link.WireErrorCode
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("device %s rejected %s: %s", e.Device, e.Path, e.Code)
}

func (e *RemoteError) Unwrap() error { return ErrRemote }
