package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/KevinKickass/OpenDeviceProxy/internal/history"
	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

// DeviceRecord is one row of the devices table. Serials are stored as the signed
// bit pattern since postgres has no unsigned 64-bit column.
type DeviceRecord struct {
	Serial       int64     `json:"serial"`
	Name         string    `json:"name"`
	Manufacturer string    `json:"manufacturer"`
	Product      string    `json:"product"`
	LastSeen     time.Time `json:"last_seen"`
}

func deviceRecord(d types.DeviceInfo) DeviceRecord {
	lastSeen := d.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}
	return DeviceRecord{
		Serial:       int64(d.ID),
		Name:         d.Name,
		Manufacturer: d.Manufacturer,
		Product:      d.Product,
		LastSeen:     lastSeen,
	}
}

func (r DeviceRecord) info() types.DeviceInfo {
	return types.DeviceInfo{
		ID:           types.DeviceID(uint64(r.Serial)),
		Name:         r.Name,
		Manufacturer: r.Manufacturer,
		Product:      r.Product,
		LastSeen:     r.LastSeen,
	}
}

// EntryRecord is one archived history entry.
type EntryRecord struct {
	ID         uuid.UUID
	Serial     int64
	Category   string
	Seq        int64
	Path       string
	TypeKey    []byte
	Payload    []byte
	RecordedAt time.Time
}

func entryRecord(e history.Entry) EntryRecord {
	payload := e.Payload
	if payload == nil {
		payload = []byte{}
	}
	return EntryRecord{
		ID:         e.ID,
		Serial:     int64(e.Device),
		Category:   e.Category.String(),
		Seq:        int64(e.Seq),
		Path:       e.Path,
		TypeKey:    append([]byte(nil), e.Key[:]...),
		Payload:    payload,
		RecordedAt: e.Timestamp.UTC(),
	}
}

func (r EntryRecord) args() []any {
	return []any{r.ID, r.Serial, r.Category, r.Seq, r.Path, r.TypeKey, r.Payload, r.RecordedAt}
}

func (r EntryRecord) entry() (history.Entry, error) {
	c, err := history.ParseCategory(r.Category)
	if err != nil {
		return history.Entry{}, err
	}
	if len(r.TypeKey) != len(schema.TypeKey{}) {
		return history.Entry{}, fmt.Errorf("archived entry %s has a %d byte key", r.ID, len(r.TypeKey))
	}
	var key schema.TypeKey
	copy(key[:], r.TypeKey)
	return history.Entry{
		ID:        r.ID,
		Timestamp: r.RecordedAt,
		Device:    types.DeviceID(uint64(r.Serial)),
		Category:  c,
		Path:      r.Path,
		Key:       key,
		Payload:   r.Payload,
		Seq:       uint64(r.Seq),
	}, nil
}
