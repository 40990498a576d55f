package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinKickass/OpenDeviceProxy/internal/history"
	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

func TestDeviceRecordKeepsHighSerials(t *testing.T) {
	d := types.DeviceInfo{
		ID:           types.DeviceID(0xFEDCBA9876543210),
		Name:         "BRAVE-OTTER",
		Manufacturer: "OneVariable",
		LastSeen:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	r := deviceRecord(d)
	assert.Negative(t, r.Serial)

	back := r.info()
	assert.Equal(t, d.ID, back.ID)
	assert.Equal(t, d.Name, back.Name)
	assert.False(t, back.Connected)
	assert.Equal(t, d.LastSeen, back.LastSeen)
}

func TestDeviceRecordDefaultsLastSeen(t *testing.T) {
	r := deviceRecord(types.DeviceInfo{ID: 1})
	assert.False(t, r.LastSeen.IsZero())
}

func TestEntryRecord(t *testing.T) {
	e := history.Entry{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		Device:    types.DeviceID(0x8000000000000001),
		Category:  history.TopicOut,
		Path:      "simulator/temperature",
		Key:       schema.TypeKey{1, 2, 3, 4, 5, 6, 7, 8},
		Payload:   []byte{0, 0, 0, 0, 0, 128, 53, 64},
		Seq:       42,
	}
	r := entryRecord(e)
	assert.Equal(t, "topic_out", r.Category)
	require.Len(t, r.args(), 8)

	back, err := r.entry()
	require.NoError(t, err)
	assert.Equal(t, e.ID, back.ID)
	assert.Equal(t, e.Device, back.Device)
	assert.Equal(t, e.Key, back.Key)
	assert.Equal(t, e.Seq, back.Seq)
	assert.Equal(t, history.TopicOut, back.Category)

	r.TypeKey = r.TypeKey[:3]
	_, err = r.entry()
	assert.Error(t, err)

	r.Category = "bogus"
	_, err = r.entry()
	assert.Error(t, err)
}

func TestArchiveBatchQueuesEveryEntry(t *testing.T) {
	entries := []history.Entry{
		{ID: uuid.New(), Category: history.Log, Seq: 1},
		{ID: uuid.New(), Category: history.Log, Seq: 2},
	}
	batch := archiveBatch(entries)
	require.Equal(t, 2, batch.Len())
	assert.Equal(t, insertEntrySQL, batch.QueuedQueries[0].SQL)
	assert.Len(t, batch.QueuedQueries[1].Arguments, 8)
}

// Sequence numbers start over with each process, so the archive ranks by time.
func TestArchivedEntriesRankByRecordingTime(t *testing.T) {
	assert.Contains(t, archivedEntriesSQL, "ORDER BY recorded_at DESC, id DESC")
	assert.Contains(t, archivedEntriesSQL, "ORDER BY recorded_at ASC, id ASC")
	assert.NotContains(t, archivedEntriesSQL, "ORDER BY seq")
	assert.Contains(t, schemaSQL, "(serial, category, recorded_at, id)")
}
