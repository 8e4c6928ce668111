package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/remotesync/remotesync-server/internal/models"
)

// ========== Codeset Methods ==========

// CreateCodeset creates a new codeset
func (s *PostgresStore) CreateCodeset(ctx context.Context, cs *models.Codeset) error {
	if cs.ID == uuid.Nil {
		cs.ID = uuid.New()
	}

	now := time.Now()
	cs.CreatedAt = now
	cs.UpdatedAt = now

	query := `
        INSERT INTO codesets (
            id, created_at, updated_at, device_id, name, custom, commands
        ) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.getDB().ExecContext(ctx, query,
		cs.ID, cs.CreatedAt, cs.UpdatedAt, cs.DeviceID,
		cs.Name, cs.Custom, cs.Commands,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetCodesetByName gets a codeset by device and name
func (s *PostgresStore) GetCodesetByName(ctx context.Context, deviceID uuid.UUID, name string) (*models.Codeset, error) {
	query := `
        SELECT id, created_at, updated_at, device_id, name, custom, commands
        FROM codesets WHERE device_id = $1 AND name = $2`

	cs := &models.Codeset{}
	err := s.getDB().QueryRowContext(ctx, query, deviceID, name).Scan(
		&cs.ID, &cs.CreatedAt, &cs.UpdatedAt, &cs.DeviceID,
		&cs.Name, &cs.Custom, &cs.Commands,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return cs, nil
}

// UpdateCodeset updates a codeset
func (s *PostgresStore) UpdateCodeset(ctx context.Context, cs *models.Codeset) error {
	cs.UpdatedAt = time.Now()

	query := `
        UPDATE codesets SET
            updated_at = $2, name = $3, custom = $4, commands = $5
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		cs.ID, cs.UpdatedAt, cs.Name, cs.Custom, cs.Commands,
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

// ListCodesets lists codesets for a device
func (s *PostgresStore) ListCodesets(ctx context.Context, deviceID uuid.UUID) ([]*models.Codeset, error) {
	query := `
        SELECT id, created_at, updated_at, device_id, name, custom, commands
        FROM codesets WHERE device_id = $1 ORDER BY name`

	rows, err := s.getDB().QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codesets []*models.Codeset
	for rows.Next() {
		cs := &models.Codeset{}
		err := rows.Scan(
			&cs.ID, &cs.CreatedAt, &cs.UpdatedAt, &cs.DeviceID,
			&cs.Name, &cs.Custom, &cs.Commands,
		)
		if err != nil {
			return nil, err
		}
		codesets = append(codesets, cs)
	}

	return codesets, rows.Err()
}
