package protocol

import "fmt"

// Button identifies a physical or on-screen key on the remote.
type Button string

const (
	ButtonBack        Button = "BACK"
	ButtonHome        Button = "HOME"
	ButtonVoice       Button = "VOICE"
	ButtonVolumeUp    Button = "VOLUME_UP"
	ButtonVolumeDown  Button = "VOLUME_DOWN"
	ButtonGreen       Button = "GREEN"
	ButtonYellow      Button = "YELLOW"
	ButtonRed         Button = "RED"
	ButtonBlue        Button = "BLUE"
	ButtonDpadUp      Button = "DPAD_UP"
	ButtonDpadDown    Button = "DPAD_DOWN"
	ButtonDpadLeft    Button = "DPAD_LEFT"
	ButtonDpadRight   Button = "DPAD_RIGHT"
	ButtonDpadMiddle  Button = "DPAD_MIDDLE"
	ButtonChannelUp   Button = "CHANNEL_UP"
	ButtonChannelDown Button = "CHANNEL_DOWN"
	ButtonMute        Button = "MUTE"
	ButtonPrev        Button = "PREV"
	ButtonPlay        Button = "PLAY"
	ButtonPause       Button = "PAUSE"
	ButtonNext        Button = "NEXT"
	ButtonPower       Button = "POWER"
)

// Buttons is the fixed command vocabulary accepted by SendButton. New values
// require a release, not configuration.
var Buttons = []Button{
	ButtonBack, ButtonHome, ButtonVoice,
	ButtonVolumeUp, ButtonVolumeDown,
	ButtonGreen, ButtonYellow, ButtonRed, ButtonBlue,
	ButtonDpadUp, ButtonDpadDown, ButtonDpadLeft, ButtonDpadRight, ButtonDpadMiddle,
	ButtonChannelUp, ButtonChannelDown,
	ButtonMute,
	ButtonPrev, ButtonPlay, ButtonPause, ButtonNext,
	ButtonPower,
}

var buttonSet = func() map[Button]struct{} {
	m := make(map[Button]struct{}, len(Buttons))
	for _, b := range Buttons {
		m[b] = struct{}{}
	}
	return m
}()

// Valid reports whether b is part of the fixed button vocabulary.
func (b Button) Valid() bool {
	_, ok := buttonSet[b]
	return ok
}

// String returns the wire representation.
func (b Button) String() string {
	return string(b)
}

// ParseButton converts a wire string into a Button.
func ParseButton(s string) (Button, error) {
	b := Button(s)
	if !b.Valid() {
		return "", fmt.Errorf("unknown button %q", s)
	}
	return b, nil
}

// SystemCommand is a device-global command, dispatched outside of any activity.
type SystemCommand string

const (
	SystemStandby     SystemCommand = "STANDBY"
	SystemReboot      SystemCommand = "REBOOT"
	SystemPowerOff    SystemCommand = "POWER_OFF"
	SystemRestart     SystemCommand = "RESTART"
	SystemRestartUI   SystemCommand = "RESTART_UI"
	SystemRestartCore SystemCommand = "RESTART_CORE"
)

// SystemCommands lists the accepted device-global commands.
var SystemCommands = []SystemCommand{
	SystemStandby, SystemReboot, SystemPowerOff,
	SystemRestart, SystemRestartUI, SystemRestartCore,
}

// Valid reports whether c is a known system command.
func (c SystemCommand) Valid() bool {
	for _, kc := range SystemCommands {
		if c == kc {
			return true
		}
	}
	return false
}

// PowerMode is the device power state reported by power_mode_change events.
type PowerMode string

const (
	PowerModeNormal   PowerMode = "NORMAL"
	PowerModeIdle     PowerMode = "IDLE"
	PowerModeLowPower PowerMode = "LOW_POWER"
	PowerModeSuspend  PowerMode = "SUSPEND"
)
