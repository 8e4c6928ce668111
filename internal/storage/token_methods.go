package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/remotesync/remotesync-server/internal/models"
)

// ========== Driver Token Methods ==========

// CreateDriverToken records an issued driver token
func (s *PostgresStore) CreateDriverToken(ctx context.Context, token *models.DriverToken) error {
	if token.IssuedAt.IsZero() {
		token.IssuedAt = time.Now()
	}

	query := `
        INSERT INTO driver_tokens (id, device_id, issued_at, expires_at, revoked_at)
        VALUES ($1, $2, $3, $4, $5)`

	_, err := s.getDB().ExecContext(ctx, query,
		token.ID, token.DeviceID, token.IssuedAt, token.ExpiresAt, token.RevokedAt,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetDriverToken gets a driver token by id
func (s *PostgresStore) GetDriverToken(ctx context.Context, id string) (*models.DriverToken, error) {
	query := `
        SELECT id, device_id, issued_at, expires_at, revoked_at
        FROM driver_tokens WHERE id = $1`

	token := &models.DriverToken{}
	err := s.getDB().QueryRowContext(ctx, query, id).Scan(
		&token.ID, &token.DeviceID, &token.IssuedAt, &token.ExpiresAt, &token.RevokedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return token, nil
}

// RevokeDriverTokens marks all of a device's live tokens revoked. Used before
// minting a replacement so at most one token per device stays valid.
func (s *PostgresStore) RevokeDriverTokens(ctx context.Context, deviceID uuid.UUID) error {
	query := `
        UPDATE driver_tokens SET revoked_at = $2
        WHERE device_id = $1 AND revoked_at IS NULL`

	_, err := s.getDB().ExecContext(ctx, query, deviceID, time.Now())
	return err
}
