package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/remotesync/remotesync-server/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Device methods
	CreateDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error)
	UpdateDevice(ctx context.Context, device *models.Device) error
	DeleteDevice(ctx context.Context, id uuid.UUID) error
	ListDevices(ctx context.Context, limit, offset int) ([]*models.Device, int64, error)

	// Activity methods (cache of device-reported state)
	UpsertActivity(ctx context.Context, activity *models.Activity) error
	GetActivity(ctx context.Context, deviceID uuid.UUID, activityID string) (*models.Activity, error)
	ListActivities(ctx context.Context, deviceID uuid.UUID) ([]*models.Activity, error)
	DeleteActivities(ctx context.Context, deviceID uuid.UUID) error
	UpsertActivityGroup(ctx context.Context, group *models.ActivityGroup) error
	ListActivityGroups(ctx context.Context, deviceID uuid.UUID) ([]*models.ActivityGroup, error)

	// Dock methods
	UpsertDock(ctx context.Context, dock *models.Dock) error
	GetDock(ctx context.Context, deviceID uuid.UUID, dockID string) (*models.Dock, error)
	ListDocks(ctx context.Context, deviceID uuid.UUID) ([]*models.Dock, error)

	// Subscription methods
	UpsertSubscription(ctx context.Context, sub *models.EntitySubscription) error
	ListSubscriptions(ctx context.Context, deviceID uuid.UUID) ([]*models.EntitySubscription, error)
	DeleteSubscription(ctx context.Context, deviceID uuid.UUID, entityID string) error

	// Codeset methods
	CreateCodeset(ctx context.Context, cs *models.Codeset) error
	GetCodesetByName(ctx context.Context, deviceID uuid.UUID, name string) (*models.Codeset, error)
	UpdateCodeset(ctx context.Context, cs *models.Codeset) error
	ListCodesets(ctx context.Context, deviceID uuid.UUID) ([]*models.Codeset, error)

	// Driver token methods
	CreateDriverToken(ctx context.Context, token *models.DriverToken) error
	GetDriverToken(ctx context.Context, id string) (*models.DriverToken, error)
	RevokeDriverTokens(ctx context.Context, deviceID uuid.UUID) error

	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Close the store
	Close() error
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	DeviceID  *uuid.UUID
	DockID    *string
	Type      *models.EventType
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}
