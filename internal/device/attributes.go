package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-tuya/internal/bridges/tuya"
)

var _ tuya.AttributeStore = (*AttributeRepository)(nil)

// AttributeRepository stores per-device string attributes in SQLite.
//
// Thread Safety: safe for concurrent use; serialisation is left to SQLite.
type AttributeRepository struct {
	db *sql.DB
}

// NewAttributeRepository creates a repository over an open connection.
func NewAttributeRepository(db *sql.DB) *AttributeRepository {
	return &AttributeRepository{db: db}
}

// GetAttribute returns the stored value, or def when the attribute was
// never written.
func (r *AttributeRepository) GetAttribute(ctx context.Context, deviceID, name, def string) (string, error) {
	if deviceID == "" || name == "" {
		return "", ErrInvalidAttribute
	}

	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM device_attributes WHERE device_id = ? AND name = ?`,
		deviceID, name,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading attribute %s of %s: %w", name, deviceID, err)
	}
	return value, nil
}

// SetAttribute inserts or replaces one attribute.
func (r *AttributeRepository) SetAttribute(ctx context.Context, deviceID, name, value string) error {
	if deviceID == "" || name == "" {
		return ErrInvalidAttribute
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_attributes (device_id, name, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id, name) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		deviceID, name, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("writing attribute %s of %s: %w", name, deviceID, err)
	}
	return nil
}

// Attributes returns every attribute of a device.
func (r *AttributeRepository) Attributes(ctx context.Context, deviceID string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, value FROM device_attributes WHERE device_id = ? ORDER BY name`,
		deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying attributes of %s: %w", deviceID, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scanning attribute: %w", err)
		}
		out[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attributes: %w", err)
	}
	return out, nil
}

// DeleteAttributes removes every attribute of a device.
func (r *AttributeRepository) DeleteAttributes(ctx context.Context, deviceID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM device_attributes WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("deleting attributes of %s: %w", deviceID, err)
	}
	return nil
}
