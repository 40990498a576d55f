package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DeviceID is the 64-bit serial a device reports about itself.
type DeviceID uint64

// Hex renders the serial the way devices are addressed everywhere: 16 upper-case hex digits.
func (d DeviceID) Hex() string {
	return fmt.Sprintf("%016X", uint64(d))
}

func (d DeviceID) String() string {
	return d.Hex()
}

func (d DeviceID) MarshalText() ([]byte, error) {
	return []byte(d.Hex()), nil
}

func (d *DeviceID) UnmarshalText(b []byte) error {
	id, err := ParseDeviceID(string(b))
	if err != nil {
		return err
	}
	*d = id
	return nil
}

// ParseDeviceID accepts exactly 16 hex digits, any case.
func ParseDeviceID(s string) (DeviceID, error) {
	s = strings.TrimSpace(s)
	if len(s) != 16 {
		return 0, fmt.Errorf("device id %q: want 16 hex digits", s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("device id %q: %w", s, err)
	}
	return DeviceID(v), nil
}

// Device Runtime Info
type DeviceInfo struct {
	ID           DeviceID  `json:"serial"`
	Name         string    `json:"name"`
	Connected    bool      `json:"is_connected"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	Product      string    `json:"product,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}
