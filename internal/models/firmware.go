package models

import (
	"time"

	"github.com/google/uuid"
)

// UpdatePhase is the firmware install lifecycle.
type UpdatePhase string

const (
	UpdateIdle        UpdatePhase = "IDLE"
	UpdateDownloading UpdatePhase = "DOWNLOADING"
	UpdateInstalling  UpdatePhase = "INSTALLING"
	UpdateDone        UpdatePhase = "DONE"
	UpdateFailed      UpdatePhase = "FAILED"
)

// Terminal reports whether the phase ends the update.
func (p UpdatePhase) Terminal() bool {
	return p == UpdateDone || p == UpdateFailed
}

// FirmwareUpdateState tracks one install attempt. It exists only between the
// install request and a terminal phase; it is not persisted.
type FirmwareUpdateState struct {
	DeviceID       uuid.UUID   `json:"deviceId"`
	CurrentVersion string      `json:"currentVersion"`
	LatestVersion  string      `json:"latestVersion"`
	Phase          UpdatePhase `json:"phase"`

	// Progress is the blended percentage: download maps to 0..10, install
	// to 10..100.
	Progress       int       `json:"progress"`
	LastProgressAt time.Time `json:"lastProgressAt"`
	Error          string    `json:"error,omitempty"`
}

// BlendProgress maps raw download/install percentages onto the single 0..100
// scale reported to callers.
func BlendProgress(phase UpdatePhase, raw int) int {
	if raw < 0 {
		raw = 0
	}
	if raw > 100 {
		raw = 100
	}
	switch phase {
	case UpdateDownloading:
		return raw / 10
	case UpdateInstalling:
		return 10 + raw*90/100
	case UpdateDone:
		return 100
	default:
		return 0
	}
}
