package storage

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/remotesync/remotesync-server/internal/models"
)

// ========== Activity Methods ==========

// UpsertActivity saves a device-reported activity, replacing any cached copy
func (s *PostgresStore) UpsertActivity(ctx context.Context, activity *models.Activity) error {
	query := `
        INSERT INTO activities (
            activity_id, device_id, name, group_id, state,
            prevent_sleep, buttons, last_active_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (device_id, activity_id) DO UPDATE SET
            name = EXCLUDED.name,
            group_id = EXCLUDED.group_id,
            state = EXCLUDED.state,
            prevent_sleep = EXCLUDED.prevent_sleep,
            buttons = EXCLUDED.buttons,
            last_active_at = EXCLUDED.last_active_at,
            updated_at = EXCLUDED.updated_at`

	_, err := s.getDB().ExecContext(ctx, query,
		activity.ActivityID, activity.DeviceID, activity.Name,
		activity.GroupID, activity.State, activity.PreventSleep,
		activity.Buttons, activity.LastActiveAt, activity.UpdatedAt,
	)

	return err
}

// GetActivity gets a cached activity by device and activity id
func (s *PostgresStore) GetActivity(ctx context.Context, deviceID uuid.UUID, activityID string) (*models.Activity, error) {
	query := `
        SELECT activity_id, device_id, name, group_id, state,
               prevent_sleep, buttons, last_active_at, updated_at
        FROM activities WHERE device_id = $1 AND activity_id = $2`

	activity := &models.Activity{}
	err := s.getDB().QueryRowContext(ctx, query, deviceID, activityID).Scan(
		&activity.ActivityID, &activity.DeviceID, &activity.Name,
		&activity.GroupID, &activity.State, &activity.PreventSleep,
		&activity.Buttons, &activity.LastActiveAt, &activity.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return activity, nil
}

// ListActivities lists cached activities for a device
func (s *PostgresStore) ListActivities(ctx context.Context, deviceID uuid.UUID) ([]*models.Activity, error) {
	query := `
        SELECT activity_id, device_id, name, group_id, state,
               prevent_sleep, buttons, last_active_at, updated_at
        FROM activities WHERE device_id = $1 ORDER BY activity_id`

	rows, err := s.getDB().QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []*models.Activity
	for rows.Next() {
		activity := &models.Activity{}
		err := rows.Scan(
			&activity.ActivityID, &activity.DeviceID, &activity.Name,
			&activity.GroupID, &activity.State, &activity.PreventSleep,
			&activity.Buttons, &activity.LastActiveAt, &activity.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		activities = append(activities, activity)
	}

	return activities, rows.Err()
}

// DeleteActivities removes all cached activities for a device
func (s *PostgresStore) DeleteActivities(ctx context.Context, deviceID uuid.UUID) error {
	_, err := s.getDB().ExecContext(ctx, `DELETE FROM activities WHERE device_id = $1`, deviceID)
	return err
}

// UpsertActivityGroup saves a device-reported activity group
func (s *PostgresStore) UpsertActivityGroup(ctx context.Context, group *models.ActivityGroup) error {
	query := `
        INSERT INTO activity_groups (group_id, device_id, name, activity_ids)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (device_id, group_id) DO UPDATE SET
            name = EXCLUDED.name,
            activity_ids = EXCLUDED.activity_ids`

	_, err := s.getDB().ExecContext(ctx, query,
		group.GroupID, group.DeviceID, group.Name, group.ActivityIDs,
	)

	return err
}

// ListActivityGroups lists cached activity groups for a device
func (s *PostgresStore) ListActivityGroups(ctx context.Context, deviceID uuid.UUID) ([]*models.ActivityGroup, error) {
	query := `
        SELECT group_id, device_id, name, activity_ids
        FROM activity_groups WHERE device_id = $1 ORDER BY group_id`

	rows, err := s.getDB().QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*models.ActivityGroup
	for rows.Next() {
		group := &models.ActivityGroup{}
		err := rows.Scan(&group.GroupID, &group.DeviceID, &group.Name, &group.ActivityIDs)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}

	return groups, rows.Err()
}
