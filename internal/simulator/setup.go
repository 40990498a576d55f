package simulator

import (
	"fmt"

	"github.com/KevinKickass/OpenDeviceProxy/internal/config"
	"github.com/KevinKickass/OpenDeviceProxy/internal/devices"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

// Default device attached when the configuration lists none.
const (
	DefaultSerial = types.DeviceID(0x1B2A3C4D5E6F7081)
	DefaultName   = "QUIRKY-PENGUIN"
)

// Populate attaches the configured devices. Devices without a descriptor run the
// built-in simulator ICD.
func Populate(s *Simulator, loader *devices.DescriptorLoader, cfg config.SimulatorConfig) error {
	devs := cfg.Devices
	if len(devs) == 0 {
		devs = []config.SimulatedDevice{{Serial: DefaultSerial.Hex(), Name: DefaultName}}
	}

	for _, d := range devs {
		id, err := types.ParseDeviceID(d.Serial)
		if err != nil {
			return fmt.Errorf("simulated device %q: %w", d.Serial, err)
		}
		name := d.Descriptor
		if name == "" {
			name = devices.BuiltinSimulator
		}
		icd, err := loader.Load(name)
		if err != nil {
			return fmt.Errorf("simulated device %s: %w", id, err)
		}
		if _, err := s.AddDevice(id, d.Name, icd); err != nil {
			return err
		}
	}
	return nil
}
