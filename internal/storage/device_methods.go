package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/remotesync/remotesync-server/internal/models"
)

// ========== Device Methods ==========

const deviceColumns = `
        id, created_at, updated_at, name, host, api_url, mac_address,
        wake_on_lan, sealed_token, token_id, connection_state, version,
        power_mode, last_seen_at, battery_level, battery_status, charging,
        ambient_light, battery_updated_at, media_override`

// CreateDevice creates a new device
func (s *PostgresStore) CreateDevice(ctx context.Context, device *models.Device) error {
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}

	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now
	if device.ConnectionState == "" {
		device.ConnectionState = models.StateUnauthenticated
	}

	query := `
        INSERT INTO devices (
            id, created_at, updated_at, name, host, api_url, mac_address,
            wake_on_lan, sealed_token, token_id, connection_state, version,
            power_mode, battery_status, charging, media_override
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		device.ID, device.CreatedAt, device.UpdatedAt, device.Name,
		device.Host, device.APIURL, device.MACAddress, device.WakeOnLAN,
		device.SealedToken, device.TokenID, device.ConnectionState,
		device.Version, device.PowerMode, device.BatteryStatus, device.Charging,
		device.MediaOverride,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetDevice gets a device by id
func (s *PostgresStore) GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	query := `SELECT` + deviceColumns + ` FROM devices WHERE id = $1`
	return s.scanDevice(s.getDB().QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) scanDevice(row *sql.Row) (*models.Device, error) {
	device := &models.Device{}

	err := row.Scan(
		&device.ID, &device.CreatedAt, &device.UpdatedAt, &device.Name,
		&device.Host, &device.APIURL, &device.MACAddress, &device.WakeOnLAN,
		&device.SealedToken, &device.TokenID, &device.ConnectionState,
		&device.Version, &device.PowerMode, &device.LastSeenAt,
		&device.BatteryLevel, &device.BatteryStatus, &device.Charging,
		&device.AmbientLight, &device.BatteryUpdate, &device.MediaOverride,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return device, nil
}

// UpdateDevice updates a device
func (s *PostgresStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	device.UpdatedAt = time.Now()

	query := `
        UPDATE devices SET
            updated_at = $2, name = $3, host = $4, api_url = $5,
            mac_address = $6, wake_on_lan = $7, sealed_token = $8,
            token_id = $9, connection_state = $10, version = $11,
            power_mode = $12, last_seen_at = $13, battery_level = $14,
            battery_status = $15, charging = $16, ambient_light = $17,
            battery_updated_at = $18, media_override = $19
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		device.ID, device.UpdatedAt, device.Name, device.Host, device.APIURL,
		device.MACAddress, device.WakeOnLAN, device.SealedToken, device.TokenID,
		device.ConnectionState, device.Version, device.PowerMode,
		device.LastSeenAt, device.BatteryLevel, device.BatteryStatus,
		device.Charging, device.AmbientLight, device.BatteryUpdate,
		device.MediaOverride,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteDevice deletes a device and its dependent rows
func (s *PostgresStore) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	result, err := s.getDB().ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ListDevices lists devices with pagination
func (s *PostgresStore) ListDevices(ctx context.Context, limit, offset int) ([]*models.Device, int64, error) {
	var total int64
	if err := s.getDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT` + deviceColumns + ` FROM devices ORDER BY created_at LIMIT $1 OFFSET $2`

	rows, err := s.getDB().QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device := &models.Device{}
		err := rows.Scan(
			&device.ID, &device.CreatedAt, &device.UpdatedAt, &device.Name,
			&device.Host, &device.APIURL, &device.MACAddress, &device.WakeOnLAN,
			&device.SealedToken, &device.TokenID, &device.ConnectionState,
			&device.Version, &device.PowerMode, &device.LastSeenAt,
			&device.BatteryLevel, &device.BatteryStatus, &device.Charging,
			&device.AmbientLight, &device.BatteryUpdate, &device.MediaOverride,
		)
		if err != nil {
			return nil, 0, err
		}
		devices = append(devices, device)
	}

	return devices, total, rows.Err()
}
