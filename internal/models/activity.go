package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/remotesync/remotesync-server/pkg/protocol"
)

// ActivityState is the run state reported by the device.
type ActivityState string

const (
	ActivityOff     ActivityState = "OFF"
	ActivityOn      ActivityState = "ON"
	ActivityUnknown ActivityState = "UNKNOWN"
)

// ButtonMapping binds a physical button to an entity command within one
// activity. Mappings are ordered as configured on the device.
type ButtonMapping struct {
	Button   protocol.Button `json:"button"`
	EntityID string          `json:"entity_id"`
	Command  string          `json:"command"`
}

// ButtonMappings is stored as a JSON column.
type ButtonMappings []ButtonMapping

// Value implements driver.Valuer
func (m ButtonMappings) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *ButtonMappings) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, m)
	case string:
		return json.Unmarshal([]byte(data), m)
	default:
		return json.Unmarshal([]byte(data.(string)), m)
	}
}

// Command returns the mapping for a button, if the activity defines one.
func (m ButtonMappings) Command(b protocol.Button) (ButtonMapping, bool) {
	for _, bm := range m {
		if bm.Button == b {
			return bm, true
		}
	}
	return ButtonMapping{}, false
}

// Activity is a named usage context on the device with its own button
// mapping. The device assigns activity ids; they are stable strings, not
// host uuids.
type Activity struct {
	ActivityID string    `json:"activityId" db:"activity_id"`
	DeviceID   uuid.UUID `json:"deviceId" db:"device_id"`

	Name         string         `json:"name" db:"name"`
	GroupID      string         `json:"groupId,omitempty" db:"group_id"`
	State        ActivityState  `json:"state" db:"state"`
	PreventSleep bool           `json:"preventSleep" db:"prevent_sleep"`
	Buttons      ButtonMappings `json:"buttons,omitempty" db:"buttons"`

	// LastActiveAt records the most recent OFF→ON transition, used by the
	// media resolver's recency rule.
	LastActiveAt *time.Time `json:"lastActiveAt,omitempty" db:"last_active_at"`
	UpdatedAt    time.Time  `json:"updatedAt" db:"updated_at"`
}

// On reports whether the activity is currently running.
func (a *Activity) On() bool {
	return a.State == ActivityOn
}

// ActivityGroup is a mutually-exclusive set of activities. The device
// enforces the at-most-one-ON invariant; this core observes it.
type ActivityGroup struct {
	GroupID     string     `json:"groupId" db:"group_id"`
	DeviceID    uuid.UUID  `json:"deviceId" db:"device_id"`
	Name        string     `json:"name" db:"name"`
	ActivityIDs StringList `json:"activityIds" db:"activity_ids"`
}

// PlaybackState is the coarse media state used by the resolver.
type PlaybackState string

const (
	PlaybackPlaying PlaybackState = "PLAYING"
	PlaybackPaused  PlaybackState = "PAUSED"
	PlaybackIdle    PlaybackState = "IDLE"
)

// MediaSource is a media-player entity that can be elected as a group's
// selected source.
type MediaSource struct {
	EntityID   string        `json:"entityId"`
	ActivityID string        `json:"activityId"`
	State      PlaybackState `json:"state"`
	ArtworkURL string        `json:"artworkUrl,omitempty"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}
