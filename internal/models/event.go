package models

import (
	"time"

	"github.com/google/uuid"
)

// EventLog represents an event log entry
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	DeviceID *uuid.UUID `json:"deviceId,omitempty" db:"device_id"`
	DockID   *string    `json:"dockId,omitempty" db:"dock_id"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	// Session events
	EventTypeConnect    EventType = "CONNECT"
	EventTypeDisconnect EventType = "DISCONNECT"
	EventTypeAuthFailed EventType = "AUTH_FAILED"
	EventTypeReconnect  EventType = "RECONNECT"

	// Command events
	EventTypeCommand EventType = "COMMAND"
	EventTypeIRSend  EventType = "IR_SEND"
	EventTypeIRLearn EventType = "IR_LEARN"
	EventTypeWake    EventType = "WAKE"

	// Sync events
	EventTypeNegotiation EventType = "NEGOTIATION"
	EventTypeFirmware    EventType = "FIRMWARE"
	EventTypeConfig      EventType = "CONFIG"
	EventTypePoll        EventType = "POLL"
	EventTypeError       EventType = "ERROR"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)
