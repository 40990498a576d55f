package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

// UpsertDevice saves or updates a device row
func (p *PostgresClient) UpsertDevice(ctx context.Context, d types.DeviceInfo) error {
	r := deviceRecord(d)
	_, err := p.pool.Exec(ctx, `
		INSERT INTO devices (serial, name, manufacturer, product, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (serial)
		DO UPDATE SET
			name = EXCLUDED.name,
			manufacturer = EXCLUDED.manufacturer,
			product = EXCLUDED.product,
			last_seen = EXCLUDED.last_seen,
			updated_at = NOW()
	`, r.Serial, r.Name, r.Manufacturer, r.Product, r.LastSeen)
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", d.ID, err)
	}
	return nil
}

// LoadDevices returns every device ever seen. Connection state is not persisted.
func (p *PostgresClient) LoadDevices(ctx context.Context) ([]types.DeviceInfo, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT serial, name, manufacturer, product, last_seen
		FROM devices
		ORDER BY serial
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	devices := make([]types.DeviceInfo, 0)
	for rows.Next() {
		var r DeviceRecord
		if err := rows.Scan(&r.Serial, &r.Name, &r.Manufacturer, &r.Product, &r.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, r.info())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read devices: %w", err)
	}
	return devices, nil
}

// DeleteDevice removes a device from the registry
func (p *PostgresClient) DeleteDevice(ctx context.Context, id types.DeviceID) error {
	result, err := p.pool.Exec(ctx, `DELETE FROM devices WHERE serial = $1`, int64(id))
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}

	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	return nil
}
