package engine

import (
	"context"

	"github.com/remotesync/remotesync-server/internal/device"
	"github.com/remotesync/remotesync-server/pkg/protocol"
)

// DeviceAPI is the engine's view of one device's REST surface, implemented
// by *device.Client and stubbed in tests.
type DeviceAPI interface {
	// identity / reachability
	GetInfo(ctx context.Context) (*device.Info, error)
	Reachable(ctx context.Context) error
	WSEndpoint() string

	// credentials
	ExchangePIN(ctx context.Context, pin, name string) (*device.APIKey, error)
	RevokeAPIKey(ctx context.Context, keyID string) error
	SetAPIKey(key string)
	SetExternalSystemToken(ctx context.Context, system string, tok device.ExternalToken) error

	// driver / integration
	GetDriver(ctx context.Context, driverID string) (*device.DriverInstance, error)
	RegisterDriver(ctx context.Context, reg device.DriverRegistration) (*device.DriverInstance, error)
	StartDriver(ctx context.Context, driverID string) error
	GetIntegrationByDriver(ctx context.Context, driverID string) (*device.IntegrationInstance, error)
	ConnectIntegration(ctx context.Context, integrationID string) error
	ReloadEntities(ctx context.Context, integrationID string) ([]device.EntityRecord, error)
	PushAvailableEntities(ctx context.Context, integrationID string, entities []device.AvailableEntity) error
	GetSubscribedEntities(ctx context.Context, integrationID string) ([]string, error)

	// activities
	GetActivities(ctx context.Context) ([]device.ActivityInfo, error)
	GetActivity(ctx context.Context, activityID string) (*device.ActivityDetail, error)
	GetActivityGroups(ctx context.Context) ([]device.ActivityGroupInfo, error)
	UpdateActivityOptions(ctx context.Context, activityID string, options map[string]interface{}) error
	SendEntityCommand(ctx context.Context, cmd device.EntityCommandRef) error

	// IR
	GetDocks(ctx context.Context) ([]device.DockInfo, error)
	SendIR(ctx context.Context, emitterID string, send device.IRSend) error
	StartIRLearning(ctx context.Context, emitterID string) error
	StopIRLearning(ctx context.Context, emitterID string) error
	GetLearnedCode(ctx context.Context, emitterID string) (*device.IRCode, error)
	GetRemotes(ctx context.Context) ([]device.RemoteEntity, error)
	CreateRemote(ctx context.Context, name, deviceName, description string) (*device.RemoteEntity, error)
	SetRemoteCommand(ctx context.Context, remoteID, commandID, value, format string) error
	GetCustomCodesets(ctx context.Context) ([]device.CodesetRecord, error)

	// docks
	GetDockInfo(ctx context.Context, dockID string) (*device.DockDetail, error)
	SendDockCommand(ctx context.Context, dockID, command, value string) error
	UpdateDockPassword(ctx context.Context, dockID, password string) error

	// firmware
	GetUpdateInfo(ctx context.Context) (*device.UpdateInfo, error)
	InstallUpdate(ctx context.Context) (*device.UpdateProgress, error)
	GetUpdateProgress(ctx context.Context, updateID string) (*device.UpdateProgress, error)

	// diagnostics
	GetBatteryStats(ctx context.Context) (*device.BatteryStats, error)
	GetAmbientLight(ctx context.Context) (*device.AmbientLight, error)
	GetResourceUsage(ctx context.Context) (*device.ResourceUsage, error)

	// system
	SendSystemCommand(ctx context.Context, cmd string) error
}

// EventChannel is the engine's view of a device push channel.
type EventChannel interface {
	Frames() <-chan protocol.Frame
	Done() <-chan struct{}
	Subscribe(channels []string) error
	Close() error
}

// DockStream is the engine's view of a dock websocket.
type DockStream interface {
	DockID() string
	Frames() <-chan protocol.Frame
	Done() <-chan struct{}
	Close() error
}

// Publisher is the outbound side of the host event bus. *nats.Conn
// satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}
