package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/KevinKickass/OpenDeviceProxy/internal/history"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

var (
	_ history.Sink    = (*PostgresClient)(nil)
	_ history.Archive = (*PostgresClient)(nil)
)

const insertEntrySQL = `INSERT INTO history_entries (
	id, serial, category, seq, path, type_key, payload, recorded_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (id) DO NOTHING`

// Sequence numbers restart with every process, so recency is recorded_at with the
// time-ordered UUIDv7 id breaking ties.
const archivedEntriesSQL = `
	SELECT id, serial, category, seq, path, type_key, payload, recorded_at
	FROM (
		SELECT id, serial, category, seq, path, type_key, payload, recorded_at
		FROM history_entries
		WHERE serial = $1 AND category = $2
		ORDER BY recorded_at DESC, id DESC
		LIMIT $3
	) newest
	ORDER BY recorded_at ASC, id ASC`

// archiveBatch queues one insert per entry. Replayed entries are ignored by id.
func archiveBatch(entries []history.Entry) *pgx.Batch {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(insertEntrySQL, entryRecord(e).args()...)
	}
	return batch
}

// ArchiveEntries implements history.Sink.
func (p *PostgresClient) ArchiveEntries(ctx context.Context, entries []history.Entry) (err error) {
	if len(entries) == 0 {
		return nil
	}

	batch := archiveBatch(entries)
	br := p.pool.SendBatch(ctx, batch)
	defer func() {
		if closeErr := br.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("archive batch close: %w", closeErr)
		}
	}()

	for i := 0; i < batch.Len(); i++ {
		if _, err = br.Exec(); err != nil {
			return fmt.Errorf("archive insert (command %d): %w", i, err)
		}
	}
	return nil
}

// ArchivedEntries implements history.Archive. It returns the newest count entries
// of one category, oldest first.
func (p *PostgresClient) ArchivedEntries(ctx context.Context, id types.DeviceID, c history.Category, count int) ([]history.Entry, error) {
	if count <= 0 {
		count = 100
	}
	rows, err := p.pool.Query(ctx, archivedEntriesSQL, int64(id), c.String(), count)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer rows.Close()

	entries := make([]history.Entry, 0)
	for rows.Next() {
		var r EntryRecord
		if err := rows.Scan(&r.ID, &r.Serial, &r.Category, &r.Seq, &r.Path, &r.TypeKey, &r.Payload, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archived entry: %w", err)
		}
		e, err := r.entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	return entries, nil
}
