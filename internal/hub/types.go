// Package hub models the home-automation hub's devices, zones and the
// events it emits when they change.
package hub

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrInvalidEvent   = errors.New("invalid hub event")
)

// CapabilityType is the value type of a capability
type CapabilityType string

const (
	CapabilityBoolean CapabilityType = "boolean"
	CapabilityNumber  CapabilityType = "number"
	CapabilityString  CapabilityType = "string"
	CapabilityEnum    CapabilityType = "enum"
)

// Capability is a single readable (and possibly settable) property of a device
type Capability struct {
	ID       string         `json:"id"`
	Title    string         `json:"title,omitempty"`
	Type     CapabilityType `json:"type"`
	Unit     string         `json:"unit,omitempty"`
	Settable bool           `json:"settable,omitempty"`
	Values   []string       `json:"values,omitempty"` // allowed values for enum capabilities
	Value    any            `json:"value,omitempty"`
}

// Zone is a location devices can be placed in. Zones nest through Parent.
type Zone struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Parent string `json:"parent,omitempty"`
}

// Device is a hub device and its capabilities keyed by capability id
type Device struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Zone         string                `json:"zone,omitempty"`
	Class        string                `json:"class,omitempty"`
	Capabilities map[string]Capability `json:"capabilities,omitempty"`
}

// DeepCopy returns a copy sharing no mutable state with d
func (d Device) DeepCopy() Device {
	out := d
	if d.Capabilities != nil {
		out.Capabilities = make(map[string]Capability, len(d.Capabilities))
		for id, c := range d.Capabilities {
			if c.Values != nil {
				c.Values = append([]string(nil), c.Values...)
			}
			out.Capabilities[id] = c
		}
	}
	return out
}

// CapabilityIDs returns the device's capability ids in sorted order
func (d Device) CapabilityIDs() []string {
	ids := make([]string, 0, len(d.Capabilities))
	for id := range d.Capabilities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EventType identifies what changed on the hub
type EventType string

const (
	EventDeviceAdded       EventType = "device.added"
	EventDeviceUpdated     EventType = "device.updated"
	EventDeviceRemoved     EventType = "device.removed"
	EventCapabilityChanged EventType = "capability.changed"
	EventZoneUpdated       EventType = "zone.updated"
)

// Event is a change notification from the hub
type Event struct {
	Type       EventType `json:"type"`
	DeviceID   string    `json:"deviceId,omitempty"`
	Device     *Device   `json:"device,omitempty"`
	Zone       *Zone     `json:"zone,omitempty"`
	Capability string    `json:"capability,omitempty"`
	Value      any       `json:"value,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Validate checks that the event carries what its type requires. A device
// event without DeviceID takes it from Device.
func (e *Event) Validate() error {
	if e.DeviceID == "" && e.Device != nil {
		e.DeviceID = e.Device.ID
	}

	switch e.Type {
	case EventDeviceAdded, EventDeviceUpdated:
		if e.Device == nil || e.Device.ID == "" {
			return fmt.Errorf("%w: %s without device", ErrInvalidEvent, e.Type)
		}
	case EventDeviceRemoved:
		if e.DeviceID == "" {
			return fmt.Errorf("%w: %s without device id", ErrInvalidEvent, e.Type)
		}
	case EventCapabilityChanged:
		if e.DeviceID == "" || e.Capability == "" {
			return fmt.Errorf("%w: %s without device id or capability", ErrInvalidEvent, e.Type)
		}
	case EventZoneUpdated:
		if e.Zone == nil || e.Zone.ID == "" {
			return fmt.Errorf("%w: %s without zone", ErrInvalidEvent, e.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}
