package models

import (
	"time"

	"github.com/google/uuid"
)

// Dock is IR-emitting companion hardware with addressable ports. A dock
// without a stored password is a valid, degraded state: REST control works,
// the dock's own push channel stays closed.
type Dock struct {
	DockID   string    `json:"dockId" db:"dock_id"`
	DeviceID uuid.UUID `json:"deviceId" db:"device_id"`

	Name string `json:"name" db:"name"`
	Host string `json:"host" db:"host"`

	// SealedPassword is the dock's websocket password, AES-sealed at rest.
	// It must stay recoverable: the dock channel replays it on every dial.
	SealedPassword string `json:"-" db:"sealed_password"`
	HasPassword    bool   `json:"hasPassword" db:"has_password"`

	LEDBrightness int  `json:"ledBrightness" db:"led_brightness"`
	Learning      bool `json:"learning" db:"learning"`

	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// DockCommand is the fixed dock command vocabulary.
type DockCommand string

const (
	DockSetLEDBrightness DockCommand = "SET_LED_BRIGHTNESS"
	DockIdentify         DockCommand = "IDENTIFY"
	DockReboot           DockCommand = "REBOOT"
)

// Valid reports whether c is a known dock command.
func (c DockCommand) Valid() bool {
	switch c {
	case DockSetLEDBrightness, DockIdentify, DockReboot:
		return true
	}
	return false
}
