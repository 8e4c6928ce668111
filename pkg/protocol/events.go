package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame kinds used on the push channel.
const (
	KindEvent    = "event"
	KindRequest  = "req"
	KindResponse = "resp"
	KindAuth     = "auth"
)

// EventKind names a push message category routed by the dispatcher.
type EventKind string

const (
	EventEntityChange    EventKind = "entity_change"
	EventActivityChange  EventKind = "activity_change"
	EventBatteryStatus   EventKind = "battery_status"
	EventAmbientLight    EventKind = "ambient_light"
	EventPowerModeChange EventKind = "power_mode_change"
	EventConfigChange    EventKind = "configuration_change"
	EventSoftwareUpdate  EventKind = "software_update"
	EventIRReceive       EventKind = "ir_receive"
	EventAvailability    EventKind = "availability"
)

// DefaultEventChannels is the channel list sent with subscribe_events after a
// push channel opens.
var DefaultEventChannels = []string{
	"entity_activity",
	"entity_media_player",
	"battery_status",
	"ambient_light",
	"power_mode",
	"configuration",
	"software_updates",
	"ir",
}

// Frame is the JSON envelope carried on device, dock and driver channels.
// Events populate Msg and MsgData; requests add ID; responses echo ReqID and
// carry a status code.
type Frame struct {
	Kind    string          `json:"kind"`
	ID      int             `json:"id,omitempty"`
	ReqID   int             `json:"req_id,omitempty"`
	Msg     string          `json:"msg,omitempty"`
	Cat     string          `json:"cat,omitempty"`
	Code    int             `json:"code,omitempty"`
	TS      string          `json:"ts,omitempty"`
	MsgData json.RawMessage `json:"msg_data,omitempty"`
}

// Known reports whether the kind belongs to the routed vocabulary.
func (k EventKind) Known() bool {
	switch k {
	case EventEntityChange, EventActivityChange, EventBatteryStatus,
		EventAmbientLight, EventPowerModeChange, EventConfigChange,
		EventSoftwareUpdate, EventIRReceive, EventAvailability:
		return true
	}
	return false
}

// EventKind returns the routed kind for event frames, or "" otherwise.
func (f *Frame) EventKind() EventKind {
	if f.Kind != KindEvent {
		return ""
	}
	return EventKind(f.Msg)
}

// Decode unmarshals the frame payload into v.
func (f *Frame) Decode(v interface{}) error {
	if len(f.MsgData) == 0 {
		return fmt.Errorf("frame %q has no msg_data", f.Msg)
	}
	if err := json.Unmarshal(f.MsgData, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Msg, err)
	}
	return nil
}

// NewRequest builds a request frame with an encoded payload.
func NewRequest(id int, msg string, payload interface{}) (*Frame, error) {
	f := &Frame{Kind: KindRequest, ID: id, Msg: msg}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", msg, err)
		}
		f.MsgData = data
	}
	return f, nil
}

// NewEvent builds an event frame with an encoded payload.
func NewEvent(kind EventKind, payload interface{}) (*Frame, error) {
	f := &Frame{Kind: KindEvent, Msg: string(kind)}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		f.MsgData = data
	}
	return f, nil
}

// EntityChange reports a state transition of a device-side entity.
type EntityChange struct {
	EntityID   string                 `json:"entity_id"`
	EntityType string                 `json:"entity_type"`
	NewState   string                 `json:"new_state"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// ActivityChange reports an activity run-state transition.
type ActivityChange struct {
	ActivityID string `json:"activity_id"`
	State      string `json:"state"`
}

// BatteryStatus carries the push-delivered charge state.
type BatteryStatus struct {
	Capacity    int    `json:"capacity"`
	Status      string `json:"status"`
	PowerSupply bool   `json:"power_supply"`
}

// AmbientLight carries the illuminance sensor reading.
type AmbientLight struct {
	Intensity int `json:"intensity"`
}

// PowerModeChange reports the device power mode.
type PowerModeChange struct {
	Mode PowerMode `json:"mode"`
}

// ConfigurationChange signals that device configuration was edited out of
// band; consumers re-read the affected resources.
type ConfigurationChange struct {
	Section string          `json:"section,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// Software update progress states as reported by the device.
const (
	UpdateStateDownload = "DOWNLOAD"
	UpdateStateInstall  = "INSTALL"
	UpdateStateDone     = "DONE"
	UpdateStateError    = "ERROR"
)

// SoftwareUpdate carries firmware download/install progress.
type SoftwareUpdate struct {
	EventType       string `json:"event_type"`
	State           string `json:"state"`
	Version         string `json:"version,omitempty"`
	DownloadPercent int    `json:"download_percent"`
	InstallPercent  int    `json:"install_percent"`
}

// IRReceive reports a code captured by a dock in learning mode.
type IRReceive struct {
	DockID string `json:"dock_id"`
	Code   string `json:"ir_code"`
	Format string `json:"format,omitempty"`
}

// Availability reports device reachability as seen by its driver.
type Availability struct {
	Available bool `json:"available"`
}

// SubscribeEvents is the payload of the subscribe_events request sent on a
// freshly opened push channel.
type SubscribeEvents struct {
	Channels []string `json:"channels"`
}

// AuthRequest answers a dock's auth_required challenge.
type AuthRequest struct {
	Token string `json:"token"`
}
