package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/remotesync/remotesync-server/pkg/protocol"
)

// ConnectionState tracks the handshake and channel state of a device session.
// Transitions are owned exclusively by the session manager.
type ConnectionState string

const (
	StateUnauthenticated            ConnectionState = "UNAUTHENTICATED"
	StateTokenRequested             ConnectionState = "TOKEN_REQUESTED"
	StateDeviceTokenIssued          ConnectionState = "DEVICE_TOKEN_ISSUED"
	StateHostTokenIssued            ConnectionState = "HOST_TOKEN_ISSUED"
	StateAwaitingDriverRegistration ConnectionState = "AWAITING_DRIVER_REGISTRATION"
	StateSynchronized               ConnectionState = "SYNCHRONIZED"
	StateConnected                  ConnectionState = "CONNECTED"
	StateReconnecting               ConnectionState = "RECONNECTING"
	StateAuthFailed                 ConnectionState = "AUTH_FAILED"
)

// Terminal reports whether the state requires user action to leave.
func (s ConnectionState) Terminal() bool {
	return s == StateAuthFailed
}

// Device represents a remote-control device paired with this host
type Device struct {
	BaseModel

	// Identity
	Name   string `json:"name" db:"name"`
	Host   string `json:"host" db:"host"`
	APIURL string `json:"apiUrl,omitempty" db:"api_url"`

	// Wake-on-LAN
	MACAddress string `json:"macAddress,omitempty" db:"mac_address"`
	WakeOnLAN  bool   `json:"wakeOnLan" db:"wake_on_lan"`

	// Credentials. The device token is sealed at rest; TokenID is the
	// device-side key id used for revocation.
	SealedToken string `json:"-" db:"sealed_token"`
	TokenID     string `json:"-" db:"token_id"`

	// Status
	ConnectionState ConnectionState    `json:"connectionState" db:"connection_state"`
	Version         string             `json:"version,omitempty" db:"version"`
	PowerMode       protocol.PowerMode `json:"powerMode,omitempty" db:"power_mode"`
	LastSeenAt      *time.Time         `json:"lastSeenAt,omitempty" db:"last_seen_at"`

	// Push-delivered diagnostics
	BatteryLevel  *int       `json:"batteryLevel,omitempty" db:"battery_level"`
	BatteryStatus string     `json:"batteryStatus,omitempty" db:"battery_status"`
	Charging      bool       `json:"charging" db:"charging"`
	AmbientLight  *int       `json:"ambientLight,omitempty" db:"ambient_light"`
	BatteryUpdate *time.Time `json:"batteryUpdatedAt,omitempty" db:"battery_updated_at"`

	// Media source the user pinned; wins over automatic selection while the
	// entity remains valid.
	MediaOverride string `json:"mediaOverride,omitempty" db:"media_override"`
}

// SupportsVersion reports whether the device firmware is at least the given
// version. Unknown or unparsable versions gate the feature off.
func (d *Device) SupportsVersion(min string) bool {
	have, err := parseVersion(d.Version)
	if err != nil {
		return false
	}
	want, err := parseVersion(min)
	if err != nil {
		return false
	}
	for i := 0; i < 3; i++ {
		if have[i] != want[i] {
			return have[i] > want[i]
		}
	}
	return true
}

func parseVersion(v string) ([3]int, error) {
	var out [3]int
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return out, fmt.Errorf("empty version")
	}
	// Strip pre-release / build suffixes.
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	parts := strings.Split(v, ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return out, fmt.Errorf("invalid version %q: %w", v, err)
		}
		out[i] = n
	}
	return out, nil
}

// DriverToken records a host token minted for the device's driver, so a
// superseded token can be refused even before its expiry.
type DriverToken struct {
	ID        string     `json:"id" db:"id"`
	DeviceID  uuid.UUID  `json:"deviceId" db:"device_id"`
	IssuedAt  time.Time  `json:"issuedAt" db:"issued_at"`
	ExpiresAt time.Time  `json:"expiresAt" db:"expires_at"`
	RevokedAt *time.Time `json:"revokedAt,omitempty" db:"revoked_at"`
}

// Revoked reports whether the token has been invalidated.
func (t *DriverToken) Revoked() bool {
	return t.RevokedAt != nil
}
