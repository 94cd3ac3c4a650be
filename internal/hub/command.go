package hub

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotSettable  = errors.New("capability is not settable")
	ErrInvalidValue = errors.New("invalid capability value")
)

// Command asks the hub to change a capability value
type Command struct {
	DeviceID   string    `json:"deviceId"`
	Capability string    `json:"capability"`
	Value      any       `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewCommand builds a command for c from a raw MQTT payload
func NewCommand(deviceID string, c Capability, raw string) (Command, error) {
	if !c.Settable {
		return Command{}, fmt.Errorf("%w: %s/%s", ErrNotSettable, deviceID, c.ID)
	}

	value, err := ParseValue(c, raw)
	if err != nil {
		return Command{}, err
	}

	return Command{
		DeviceID:   deviceID,
		Capability: c.ID,
		Value:      value,
		Timestamp:  time.Now(),
	}, nil
}

// ParseValue converts a raw payload to the capability's value type
func ParseValue(c Capability, raw string) (any, error) {
	raw = strings.TrimSpace(raw)

	switch c.Type {
	case CapabilityBoolean:
		switch strings.ToLower(raw) {
		case "true", "on", "1":
			return true, nil
		case "false", "off", "0":
			return false, nil
		}
		return nil, fmt.Errorf("%w: %q is not a boolean", ErrInvalidValue, raw)
	case CapabilityNumber:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, raw)
		}
		return f, nil
	case CapabilityEnum:
		for _, v := range c.Values {
			if v == raw {
				return raw, nil
			}
		}
		if len(c.Values) > 0 {
			return nil, fmt.Errorf("%w: %q is not one of %v", ErrInvalidValue, raw, c.Values)
		}
		return raw, nil
	default:
		return raw, nil
	}
}
