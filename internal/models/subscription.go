package models

import (
	"time"

	"github.com/google/uuid"
)

// EntitySubscription tracks one host entity's visibility to a device: whether
// the host currently exposes it, and whether the device echoes it back as
// subscribed. The two flags diverge transiently during negotiation.
type EntitySubscription struct {
	DeviceID uuid.UUID `json:"deviceId" db:"device_id"`
	EntityID string    `json:"entityId" db:"entity_id"`

	Exposed    bool `json:"exposed" db:"exposed"`
	Subscribed bool `json:"subscribed" db:"subscribed"`

	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// SubscriptionDelta is the read-back difference after a negotiation pass.
// Both slices empty means the sets converged.
type SubscriptionDelta struct {
	// Missing holds desired entities the device did not echo back.
	Missing []string `json:"missing"`
	// Extra holds device-subscribed entities no longer desired.
	Extra []string `json:"extra"`
}

// Empty reports whether the sets converged.
func (d SubscriptionDelta) Empty() bool {
	return len(d.Missing) == 0 && len(d.Extra) == 0
}
