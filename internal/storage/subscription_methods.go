package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/remotesync/remotesync-server/internal/models"
)

// ========== Entity Subscription Methods ==========

// UpsertSubscription saves the visibility flags for one entity
func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub *models.EntitySubscription) error {
	query := `
        INSERT INTO entity_subscriptions (
            device_id, entity_id, exposed, subscribed, updated_at
        ) VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (device_id, entity_id) DO UPDATE SET
            exposed = EXCLUDED.exposed,
            subscribed = EXCLUDED.subscribed,
            updated_at = EXCLUDED.updated_at`

	_, err := s.getDB().ExecContext(ctx, query,
		sub.DeviceID, sub.EntityID, sub.Exposed, sub.Subscribed, sub.UpdatedAt,
	)

	return err
}

// ListSubscriptions lists entity subscriptions for a device
func (s *PostgresStore) ListSubscriptions(ctx context.Context, deviceID uuid.UUID) ([]*models.EntitySubscription, error) {
	query := `
        SELECT device_id, entity_id, exposed, subscribed, updated_at
        FROM entity_subscriptions WHERE device_id = $1 ORDER BY entity_id`

	rows, err := s.getDB().QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*models.EntitySubscription
	for rows.Next() {
		sub := &models.EntitySubscription{}
		err := rows.Scan(&sub.DeviceID, &sub.EntityID, &sub.Exposed, &sub.Subscribed, &sub.UpdatedAt)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	return subs, rows.Err()
}

// DeleteSubscription removes one entity subscription row
func (s *PostgresStore) DeleteSubscription(ctx context.Context, deviceID uuid.UUID, entityID string) error {
	result, err := s.getDB().ExecContext(ctx,
		`DELETE FROM entity_subscriptions WHERE device_id = $1 AND entity_id = $2`,
		deviceID, entityID,
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
