package simulator

import (
	"sync"

	"github.com/KevinKickass/OpenDeviceProxy/internal/codec"
	"github.com/KevinKickass/OpenDeviceProxy/internal/devices"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

// Device is one simulated board. Its state lives in named slots written by store
// endpoints and read back by load endpoints.
type Device struct {
	ID   types.DeviceID
	Name string

	mu       sync.Mutex
	icd      *devices.ICD
	slots    map[string]codec.Value
	received map[string][]codec.Value
	next     map[string]int
	topicSeq uint32

	stop chan struct{}
}

func newDevice(id types.DeviceID, name string, icd *devices.ICD) *Device {
	return &Device{
		ID:       id,
		Name:     name,
		icd:      icd,
		slots:    make(map[string]codec.Value),
		received: make(map[string][]codec.Value),
		next:     make(map[string]int),
		stop:     make(chan struct{}),
	}
}

func (d *Device) info() types.DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return types.DeviceInfo{
		ID:           d.ID,
		Name:         d.Name,
		Connected:    true,
		Manufacturer: d.icd.Info.Manufacturer,
		Product:      d.icd.Info.Product,
	}
}

func (d *Device) current() *devices.ICD {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.icd
}

// Slot returns the value last stored under name.
func (d *Device) Slot(name string) (codec.Value, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.slots[name]
	return v, ok
}

func (d *Device) setSlot(name string, v codec.Value) {
	d.mu.Lock()
	d.slots[name] = v
	d.mu.Unlock()
}

// Received lists the messages published to an inbound topic, oldest first.
func (d *Device) Received(path string) []codec.Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]codec.Value, len(d.received[path]))
	copy(out, d.received[path])
	return out
}

func (d *Device) receive(path string, v codec.Value) {
	d.mu.Lock()
	d.received[path] = append(d.received[path], v)
	d.mu.Unlock()
}

// nextSample cycles through the samples of a topic.
func (d *Device) nextSample(t *devices.Topic) (codec.Value, uint32, bool) {
	if len(t.Samples) == 0 {
		return codec.Value{}, 0, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.next[t.Path]
	d.next[t.Path] = (i + 1) % len(t.Samples)
	d.topicSeq++
	return t.Samples[i], d.topicSeq, true
}
