package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/remotesync/remotesync-server/pkg/protocol"
)

// DeviceEvent is the bus message published for every routed push event,
// consumed by the event bridge and host-side observers.
type DeviceEvent struct {
	DeviceID   uuid.UUID          `json:"deviceId"`
	Kind       protocol.EventKind `json:"kind"`
	Payload    json.RawMessage    `json:"payload,omitempty"`
	ReceivedAt time.Time          `json:"receivedAt"`
}

// CommandOrigin distinguishes user-triggered commands (which get the
// Wake-on-LAN pre-flight) from background traffic (which never does).
type CommandOrigin string

const (
	OriginUser       CommandOrigin = "USER"
	OriginBackground CommandOrigin = "BACKGROUND"
)

// CommandResult reports sequential repeat delivery, including partial
// completion when a mid-sequence send fails.
type CommandResult struct {
	Requested int    `json:"requested"`
	Sent      int    `json:"sent"`
	Error     string `json:"error,omitempty"`
}

// Complete reports whether every requested repeat was delivered.
func (r CommandResult) Complete() bool {
	return r.Sent == r.Requested && r.Error == ""
}
