package protocol

import (
	"context"
	"encoding/json"
	"strings"

	"mqtt-hub-bridge/config"
	"mqtt-hub-bridge/internal/hub"
)

const (
	discoveryPrefix = "homeassistant"
	haStatusTopic   = discoveryPrefix + "/status"
)

// HomeAssistant publishes MQTT discovery configs under
// homeassistant/<component>/<hubId>/<device>_<capability>/config and states
// under <hubId>/<device>/<capability>
type HomeAssistant struct {
	base
	stateRoot string
	nodeID    string
}

func NewHomeAssistant(deps Deps) *HomeAssistant {
	id := TopicID(deps.HubID)
	return &HomeAssistant{
		base:      newBase(config.ProtocolHomeAssistant, deps),
		stateRoot: id,
		nodeID:    id,
	}
}

func (h *HomeAssistant) Name() string { return config.ProtocolHomeAssistant }

func (h *HomeAssistant) Start(ctx context.Context, devices []hub.Device) error {
	if err := h.subscribe(haStatusTopic, h.handleStatus); err != nil {
		return err
	}
	if err := h.subscribe(h.stateRoot+"/+/+/set", h.handleSetTopic); err != nil {
		h.unsubscribe(haStatusTopic)
		return err
	}

	for _, d := range devices {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.announce(d)
	}
	h.kick()

	h.logger.Info("home assistant dispatcher started", "devices", len(devices))
	return nil
}

func (h *HomeAssistant) Stop() {
	h.unsubscribe(haStatusTopic)
	h.unsubscribe(h.stateRoot + "/+/+/set")
	h.logger.Info("home assistant dispatcher stopped")
}

func (h *HomeAssistant) DispatchDevice(d hub.Device) {
	h.announce(d)
	h.kick()
}

func (h *HomeAssistant) DispatchState(d hub.Device, capability string, value any) {
	h.publish(d.ID, h.stateTopic(d.ID, capability), FormatValue(value), false)
}

// RemoveDevice deletes the device's entities by clearing their discovery
// configs, and clears their retained states
func (h *HomeAssistant) RemoveDevice(d hub.Device) {
	for _, id := range d.CapabilityIDs() {
		c := d.Capabilities[id]
		h.clear(h.configTopic(d.ID, c))
		h.clear(h.stateTopic(d.ID, c.ID))
	}
	h.kick()
}

func (h *HomeAssistant) announce(d hub.Device) {
	area := ""
	if h.deps.Devices != nil && d.Zone != "" {
		area = h.deps.Devices.ZonePath(d.Zone)
	}

	for _, id := range d.CapabilityIDs() {
		c := d.Capabilities[id]

		payload, err := json.Marshal(h.entityConfig(d, c, area))
		if err != nil {
			h.logger.Error("failed to encode discovery config",
				"device", d.ID,
				"capability", c.ID,
				"error", err)
			continue
		}

		h.publish(d.ID, h.configTopic(d.ID, c), string(payload), true)
		if c.Value != nil {
			h.publish(d.ID, h.stateTopic(d.ID, c.ID), FormatValue(c.Value), true)
		}
	}
}

type haDevice struct {
	Identifiers   []string `json:"identifiers"`
	Name          string   `json:"name"`
	Model         string   `json:"model,omitempty"`
	SuggestedArea string   `json:"suggested_area,omitempty"`
}

type haEntityConfig struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic,omitempty"`
	PayloadAvailable    string   `json:"payload_available,omitempty"`
	PayloadNotAvailable string   `json:"payload_not_available,omitempty"`
	PayloadOn           string   `json:"payload_on,omitempty"`
	PayloadOff          string   `json:"payload_off,omitempty"`
	UnitOfMeasurement   string   `json:"unit_of_measurement,omitempty"`
	Options             []string `json:"options,omitempty"`
	Device              haDevice `json:"device"`
}

func (h *HomeAssistant) entityConfig(d hub.Device, c hub.Capability, area string) haEntityConfig {
	name := c.Title
	if name == "" {
		name = c.ID
	}
	deviceName := d.Name
	if deviceName == "" {
		deviceName = d.ID
	}

	cfg := haEntityConfig{
		Name:              name,
		UniqueID:          h.objectID(d.ID, c.ID),
		StateTopic:        h.stateTopic(d.ID, c.ID),
		AvailabilityTopic: h.deps.AvailabilityTopic,
		UnitOfMeasurement: c.Unit,
		Device: haDevice{
			Identifiers:   []string{h.nodeID + "_" + TopicID(d.ID)},
			Name:          deviceName,
			Model:         d.Class,
			SuggestedArea: area,
		},
	}
	if cfg.AvailabilityTopic != "" {
		cfg.PayloadAvailable = h.deps.Online
		cfg.PayloadNotAvailable = h.deps.Offline
	}
	if c.Settable {
		cfg.CommandTopic = cfg.StateTopic + "/set"
	}

	switch c.Type {
	case hub.CapabilityBoolean:
		cfg.PayloadOn = "true"
		cfg.PayloadOff = "false"
	case hub.CapabilityEnum:
		if c.Settable {
			cfg.Options = c.Values
		}
	}

	return cfg
}

// haComponent maps a capability to the Home Assistant entity platform
func haComponent(c hub.Capability) string {
	switch c.Type {
	case hub.CapabilityBoolean:
		if c.Settable {
			return "switch"
		}
		return "binary_sensor"
	case hub.CapabilityNumber:
		if c.Settable {
			return "number"
		}
		return "sensor"
	case hub.CapabilityEnum:
		if c.Settable && len(c.Values) > 0 {
			return "select"
		}
		return "sensor"
	default:
		if c.Settable {
			return "text"
		}
		return "sensor"
	}
}

func (h *HomeAssistant) objectID(deviceID, capability string) string {
	return h.nodeID + "_" + TopicID(deviceID) + "_" + TopicID(capability)
}

func (h *HomeAssistant) configTopic(deviceID string, c hub.Capability) string {
	return strings.Join([]string{
		discoveryPrefix,
		haComponent(c),
		h.nodeID,
		TopicID(deviceID) + "_" + TopicID(c.ID),
		"config",
	}, "/")
}

func (h *HomeAssistant) stateTopic(deviceID, capability string) string {
	return h.stateRoot + "/" + TopicID(deviceID) + "/" + TopicID(capability)
}

// handleStatus re-announces every device when Home Assistant comes back
// online, since it may have lost the discovery configs
func (h *HomeAssistant) handleStatus(topic string, payload []byte) {
	if strings.TrimSpace(string(payload)) != "online" || h.deps.Devices == nil {
		return
	}

	devices := h.deps.Devices.List()
	h.logger.Info("home assistant online, re-announcing devices", "devices", len(devices))
	for _, d := range devices {
		h.announce(d)
	}
	h.kick()
}

func (h *HomeAssistant) handleSetTopic(topic string, payload []byte) {
	levels := splitTopic(topic, h.stateRoot)
	if len(levels) != 3 || levels[2] != "set" {
		return
	}
	h.handleSet(levels[0], levels[1], payload)
}
