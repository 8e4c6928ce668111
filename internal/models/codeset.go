package models

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/google/uuid"
)

// IRCommand is one learned or imported IR code within a codeset.
type IRCommand struct {
	Name   string `json:"name"`
	Code   string `json:"code"`
	Format string `json:"format"`
}

// IRCommands is stored as a JSON column.
type IRCommands []IRCommand

// Value implements driver.Valuer
func (c IRCommands) Value() (driver.Value, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner
func (c *IRCommands) Scan(value interface{}) error {
	if value == nil {
		*c = nil
		return nil
	}
	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, c)
	case string:
		return json.Unmarshal([]byte(data), c)
	default:
		return json.Unmarshal([]byte(data.(string)), c)
	}
}

// Find returns the command with the given name.
func (c IRCommands) Find(name string) (IRCommand, bool) {
	for _, cmd := range c {
		if cmd.Name == name {
			return cmd, true
		}
	}
	return IRCommand{}, false
}

// Codeset is a named set of IR commands for a controlled appliance, either
// imported from a manufacturer database or captured by learning.
type Codeset struct {
	BaseModel

	DeviceID uuid.UUID  `json:"deviceId" db:"device_id"`
	Name     string     `json:"name" db:"name"`
	Custom   bool       `json:"custom" db:"custom"`
	Commands IRCommands `json:"commands" db:"commands"`
}
