package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-tuya/internal/bridges/tuya"
)

const defaultProtocolVersion = "3.3"

// RuntimeRepository stores devices created through the setup API.
type RuntimeRepository struct {
	db *sql.DB
}

// NewRuntimeRepository creates a repository over an open connection.
func NewRuntimeRepository(db *sql.DB) *RuntimeRepository {
	return &RuntimeRepository{db: db}
}

// Create stores a device. Returns ErrDeviceExists when the id is taken.
func (r *RuntimeRepository) Create(ctx context.Context, cfg tuya.DeviceConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDevice, err)
	}
	if cfg.Version == "" {
		cfg.Version = defaultProtocolVersion
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runtime_devices (id, name, product_id, address, local_key, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.Name, cfg.ProductID, cfg.Address, cfg.LocalKey, cfg.Version,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDeviceExists, cfg.ID)
		}
		return fmt.Errorf("inserting device %s: %w", cfg.ID, err)
	}
	return nil
}

// Get returns one stored device.
func (r *RuntimeRepository) Get(ctx context.Context, id string) (tuya.DeviceConfig, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, product_id, address, local_key, version
		FROM runtime_devices WHERE id = ?`, id)

	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tuya.DeviceConfig{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if err != nil {
		return tuya.DeviceConfig{}, fmt.Errorf("querying device %s: %w", id, err)
	}
	return cfg, nil
}

// List returns every stored device in creation order.
func (r *RuntimeRepository) List(ctx context.Context) ([]tuya.DeviceConfig, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, product_id, address, local_key, version
		FROM runtime_devices ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var out []tuya.DeviceConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return out, nil
}

// Delete removes a device together with its attributes.
// Returns ErrDeviceNotFound if the device was never stored.
func (r *RuntimeRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `DELETE FROM runtime_devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting device %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM device_attributes WHERE device_id = ?`, id); err != nil {
		return fmt.Errorf("deleting attributes of %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (tuya.DeviceConfig, error) {
	var cfg tuya.DeviceConfig
	err := row.Scan(&cfg.ID, &cfg.Name, &cfg.ProductID, &cfg.Address, &cfg.LocalKey, &cfg.Version)
	return cfg, err
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
