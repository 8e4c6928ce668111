package models

import (
	"time"

	"github.com/google/uuid"
)

// LearningState is the per-session learning workflow state.
type LearningState string

const (
	LearningCreated          LearningState = "CREATED"
	LearningAwaitingDock     LearningState = "AWAITING_DEVICE_LISTENING"
	LearningAwaitingPress    LearningState = "AWAITING_USER_BUTTON_PRESS"
	LearningCommandCaptured  LearningState = "COMMAND_CAPTURED"
	LearningCompleted        LearningState = "COMPLETED"
	LearningCancelled        LearningState = "CANCELLED"
	LearningCapturedTimeout  LearningState = "CAPTURED_TIMEOUT"
)

// Terminal reports whether the session has ended.
func (s LearningState) Terminal() bool {
	return s == LearningCompleted || s == LearningCancelled
}

// CaptureResult records the outcome for one command name in a session.
type CaptureResult struct {
	Command  string `json:"command"`
	Captured bool   `json:"captured"`
	Code     string `json:"code,omitempty"`
	TimedOut bool   `json:"timedOut"`
}

// LearningSession is one guided capture run: an ordered list of command
// names, a cursor, and per-command outcomes. Commands that time out are
// skipped, not fatal; the dataset persists whatever was captured.
type LearningSession struct {
	ID       uuid.UUID `json:"id"`
	DeviceID uuid.UUID `json:"deviceId"`
	DockID   string    `json:"dockId"`
	Codeset  string    `json:"codeset"`

	Commands []string        `json:"commands"`
	Cursor   int             `json:"cursor"`
	State    LearningState   `json:"state"`
	Results  []CaptureResult `json:"results"`

	StartedAt time.Time `json:"startedAt"`
}

// Current returns the command name under the cursor.
func (s *LearningSession) Current() (string, bool) {
	if s.Cursor < 0 || s.Cursor >= len(s.Commands) {
		return "", false
	}
	return s.Commands[s.Cursor], true
}
