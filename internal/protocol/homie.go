package protocol

import (
	"context"
	"sort"
	"strings"
	"sync"

	"mqtt-hub-bridge/config"
	"mqtt-hub-bridge/internal/hub"
)

const homieVersion = "4.0"

// Homie publishes devices following the Homie convention under
// homie/<hubId>/<device>
type Homie struct {
	base
	root string

	mu        sync.Mutex
	announced map[string]string // device id -> device topic
}

func NewHomie(deps Deps) *Homie {
	return &Homie{
		base:      newBase(config.ProtocolHomie, deps),
		root:      "homie/" + TopicID(deps.HubID),
		announced: make(map[string]string),
	}
}

func (h *Homie) Name() string { return config.ProtocolHomie }

func (h *Homie) Start(ctx context.Context, devices []hub.Device) error {
	if err := h.subscribe(h.root+"/+/+/set", h.handleSetTopic); err != nil {
		return err
	}

	for _, d := range devices {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.announce(d)
	}
	h.kick()

	h.logger.Info("homie dispatcher started", "devices", len(devices), "root", h.root)
	return nil
}

// Stop marks every announced device disconnected. The state updates are
// left queued for the caller to flush.
func (h *Homie) Stop() {
	h.unsubscribe(h.root + "/+/+/set")

	h.mu.Lock()
	ids := make([]string, 0, len(h.announced))
	for id := range h.announced {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		h.publish(id, h.announced[id]+"/$state", "disconnected", true)
	}
	h.announced = make(map[string]string)
	h.mu.Unlock()

	h.kick()
	h.logger.Info("homie dispatcher stopped", "devices", len(ids))
}

func (h *Homie) DispatchDevice(d hub.Device) {
	h.announce(d)
	h.kick()
}

func (h *Homie) DispatchState(d hub.Device, capability string, value any) {
	h.publish(d.ID, h.deviceTopic(d)+"/"+TopicID(capability), FormatValue(value), false)
}

func (h *Homie) RemoveDevice(d hub.Device) {
	h.mu.Lock()
	delete(h.announced, d.ID)
	h.mu.Unlock()

	for _, tv := range h.deviceTopics(d) {
		h.clear(tv.topic)
	}
	h.kick()
}

func (h *Homie) announce(d hub.Device) {
	h.mu.Lock()
	h.announced[d.ID] = h.deviceTopic(d)
	h.mu.Unlock()

	for _, tv := range h.deviceTopics(d) {
		h.publish(d.ID, tv.topic, tv.payload, true)
	}
}

type topicValue struct {
	topic   string
	payload string
}

func (h *Homie) deviceTopic(d hub.Device) string {
	return h.root + "/" + TopicID(d.ID)
}

// deviceTopics lists every topic describing d, attributes first
func (h *Homie) deviceTopics(d hub.Device) []topicValue {
	dev := h.deviceTopic(d)
	ids := d.CapabilityIDs()

	properties := make([]string, len(ids))
	for i, id := range ids {
		properties[i] = TopicID(id)
	}

	name := d.Name
	if name == "" {
		name = d.ID
	}

	out := []topicValue{
		{dev + "/$homie", homieVersion},
		{dev + "/$name", name},
		{dev + "/$state", "ready"},
		{dev + "/$properties", strings.Join(properties, ",")},
	}

	for _, id := range ids {
		c := d.Capabilities[id]
		prop := dev + "/" + TopicID(id)

		title := c.Title
		if title == "" {
			title = c.ID
		}

		out = append(out,
			topicValue{prop + "/$name", title},
			topicValue{prop + "/$datatype", homieDatatype(c.Type)},
		)
		if c.Unit != "" {
			out = append(out, topicValue{prop + "/$unit", c.Unit})
		}
		if c.Settable {
			out = append(out, topicValue{prop + "/$settable", "true"})
		}
		if c.Type == hub.CapabilityEnum && len(c.Values) > 0 {
			out = append(out, topicValue{prop + "/$format", strings.Join(c.Values, ",")})
		}
		out = append(out, topicValue{prop, FormatValue(c.Value)})
	}

	return out
}

func (h *Homie) handleSetTopic(topic string, payload []byte) {
	levels := splitTopic(topic, h.root)
	if len(levels) != 3 || levels[2] != "set" {
		return
	}
	h.handleSet(levels[0], levels[1], payload)
}

func homieDatatype(t hub.CapabilityType) string {
	switch t {
	case hub.CapabilityBoolean:
		return "boolean"
	case hub.CapabilityNumber:
		return "float"
	case hub.CapabilityEnum:
		return "enum"
	default:
		return "string"
	}
}
