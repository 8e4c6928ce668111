package storage

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/remotesync/remotesync-server/internal/models"
)

// ========== Dock Methods ==========

// UpsertDock saves a device-reported dock, replacing any cached copy
func (s *PostgresStore) UpsertDock(ctx context.Context, dock *models.Dock) error {
	query := `
        INSERT INTO docks (
            dock_id, device_id, name, host, sealed_password,
            has_password, led_brightness, learning, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (device_id, dock_id) DO UPDATE SET
            name = EXCLUDED.name,
            host = EXCLUDED.host,
            sealed_password = EXCLUDED.sealed_password,
            has_password = EXCLUDED.has_password,
            led_brightness = EXCLUDED.led_brightness,
            learning = EXCLUDED.learning,
            updated_at = EXCLUDED.updated_at`

	_, err := s.getDB().ExecContext(ctx, query,
		dock.DockID, dock.DeviceID, dock.Name, dock.Host,
		dock.SealedPassword, dock.HasPassword, dock.LEDBrightness,
		dock.Learning, dock.UpdatedAt,
	)

	return err
}

// GetDock gets a dock by device and dock id
func (s *PostgresStore) GetDock(ctx context.Context, deviceID uuid.UUID, dockID string) (*models.Dock, error) {
	query := `
        SELECT dock_id, device_id, name, host, sealed_password,
               has_password, led_brightness, learning, updated_at
        FROM docks WHERE device_id = $1 AND dock_id = $2`

	dock := &models.Dock{}
	err := s.getDB().QueryRowContext(ctx, query, deviceID, dockID).Scan(
		&dock.DockID, &dock.DeviceID, &dock.Name, &dock.Host,
		&dock.SealedPassword, &dock.HasPassword, &dock.LEDBrightness,
		&dock.Learning, &dock.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return dock, nil
}

// ListDocks lists docks for a device
func (s *PostgresStore) ListDocks(ctx context.Context, deviceID uuid.UUID) ([]*models.Dock, error) {
	query := `
        SELECT dock_id, device_id, name, host, sealed_password,
               has_password, led_brightness, learning, updated_at
        FROM docks WHERE device_id = $1 ORDER BY dock_id`

	rows, err := s.getDB().QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docks []*models.Dock
	for rows.Next() {
		dock := &models.Dock{}
		err := rows.Scan(
			&dock.DockID, &dock.DeviceID, &dock.Name, &dock.Host,
			&dock.SealedPassword, &dock.HasPassword, &dock.LEDBrightness,
			&dock.Learning, &dock.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		docks = append(docks, dock)
	}

	return docks, rows.Err()
}
