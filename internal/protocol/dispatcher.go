// Package protocol encodes hub devices into MQTT topics following one of the
// supported device-representation conventions.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mqtt-hub-bridge/config"
	"mqtt-hub-bridge/internal/hub"
	"mqtt-hub-bridge/internal/logger"
	"mqtt-hub-bridge/internal/queue"
	"mqtt-hub-bridge/internal/topics"
)

// ErrUnknownProtocol is returned by New for an unsupported protocol name
var ErrUnknownProtocol = errors.New("unknown protocol")

// Dispatcher turns hub devices and state changes into queued publishes
type Dispatcher interface {
	// Name returns the protocol name
	Name() string
	// Start announces devices and begins handling broker-side requests
	Start(ctx context.Context, devices []hub.Device) error
	// Stop releases broker-side subscriptions. Queued publishes are kept.
	Stop()
	// DispatchDevice announces a new or changed device
	DispatchDevice(d hub.Device)
	// DispatchState publishes a single capability value
	DispatchState(d hub.Device, capability string, value any)
	// RemoveDevice clears a removed device's retained topics
	RemoveDevice(d hub.Device)
}

// Enqueuer is the publish queue as seen by dispatchers
type Enqueuer interface {
	Enqueue(topic string, payload []byte, opts ...queue.Option)
	Kick()
}

// Subscriber receives broker-side messages such as commands
type Subscriber interface {
	Subscribe(filter string, qos byte, handler func(topic string, payload []byte)) error
	Unsubscribe(filter string) error
}

// DeviceSource provides the current enabled devices and zone names
type DeviceSource interface {
	List() []hub.Device
	ZonePath(id string) string
}

// CommandSink forwards capability changes requested over MQTT to the hub
type CommandSink interface {
	SendCommand(cmd hub.Command) error
}

// Deps are the collaborators shared by every dispatcher
type Deps struct {
	HubID  string
	Queue  Enqueuer
	Topics *topics.Registry

	// Presence topic and payloads, advertised as availability where the
	// convention supports it
	AvailabilityTopic string
	Online            string
	Offline           string

	// Optional
	Subscriber Subscriber
	Devices    DeviceSource
	Commands   CommandSink
	Logger     *logger.Logger
}

// New builds the dispatcher for the named protocol
func New(name string, deps Deps) (Dispatcher, error) {
	if deps.Queue == nil || deps.Topics == nil {
		return nil, fmt.Errorf("protocol %s: queue and topic registry are required", name)
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}

	switch name {
	case config.ProtocolHomie:
		return NewHomie(deps), nil
	case config.ProtocolHomeAssistant:
		return NewHomeAssistant(deps), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, name)
	}
}

const publishQoS = 1

// base holds what the dispatchers have in common
type base struct {
	deps   Deps
	logger *logger.Logger
}

func newBase(name string, deps Deps) base {
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return base{deps: deps, logger: log.With("protocol", name)}
}

// publish claims topic for owner and enqueues a retained publish. Batched
// publishes leave draining to a later kick.
func (b *base) publish(owner, topic string, payload string, batch bool) {
	b.deps.Topics.Claim(owner, topic)

	opts := []queue.Option{queue.WithQoS(publishQoS), queue.Retained()}
	if batch {
		opts = append(opts, queue.NoDrain())
	}
	b.deps.Queue.Enqueue(topic, []byte(payload), opts...)
}

// clear enqueues an empty retained payload, which deletes the retained
// message on the broker. The topic is not claimed.
func (b *base) clear(topic string) {
	b.deps.Queue.Enqueue(topic, nil, queue.WithQoS(publishQoS), queue.Retained(), queue.NoDrain())
}

func (b *base) kick() {
	b.deps.Queue.Kick()
}

func (b *base) subscribe(filter string, handler func(topic string, payload []byte)) error {
	if b.deps.Subscriber == nil {
		return nil
	}
	if err := b.deps.Subscriber.Subscribe(filter, publishQoS, handler); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", filter, err)
	}
	return nil
}

func (b *base) unsubscribe(filter string) {
	if b.deps.Subscriber == nil {
		return
	}
	if err := b.deps.Subscriber.Unsubscribe(filter); err != nil {
		b.logger.Warn("failed to unsubscribe", "filter", filter, "error", err)
	}
}

// findCapability resolves the topic-level ids of a command topic back to a
// device and capability
func (b *base) findCapability(deviceTopicID, capTopicID string) (hub.Device, hub.Capability, bool) {
	if b.deps.Devices == nil {
		return hub.Device{}, hub.Capability{}, false
	}
	for _, d := range b.deps.Devices.List() {
		if TopicID(d.ID) != deviceTopicID {
			continue
		}
		for _, c := range d.Capabilities {
			if TopicID(c.ID) == capTopicID {
				return d, c, true
			}
		}
	}
	return hub.Device{}, hub.Capability{}, false
}

// handleSet forwards a set request for deviceTopicID/capTopicID to the hub
func (b *base) handleSet(deviceTopicID, capTopicID string, payload []byte) {
	if b.deps.Commands == nil {
		b.logger.Debug("ignoring set request, no command sink", "device", deviceTopicID)
		return
	}

	d, c, ok := b.findCapability(deviceTopicID, capTopicID)
	if !ok {
		b.logger.Warn("set request for unknown capability",
			"device", deviceTopicID,
			"capability", capTopicID)
		return
	}

	cmd, err := hub.NewCommand(d.ID, c, string(payload))
	if err != nil {
		b.logger.Warn("rejected set request",
			"device", d.ID,
			"capability", c.ID,
			"error", err)
		return
	}

	if err := b.deps.Commands.SendCommand(cmd); err != nil {
		b.logger.Error("failed to forward command",
			"device", d.ID,
			"capability", c.ID,
			"error", err)
	}
}

// splitTopic returns the levels of topic below prefix
func splitTopic(topic, prefix string) []string {
	rest := strings.TrimPrefix(topic, prefix+"/")
	if rest == topic {
		return nil
	}
	return strings.Split(rest, "/")
}
