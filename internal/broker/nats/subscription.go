package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"mqtt-hub-bridge/internal/broker"
	"mqtt-hub-bridge/internal/hub"
	"mqtt-hub-bridge/internal/metrics"
)

// Subscribe starts delivering hub events to handler. The subscription
// survives reconnects; the NATS client restores it.
func (s *Source) Subscribe(handler EventHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return broker.ErrNotConnected
	}
	if s.sub != nil {
		return fmt.Errorf("already subscribed to %s", s.sub.Subject)
	}

	subject := s.EventsSubject()
	sub, err := s.conn.Subscribe(subject, s.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	s.sub = sub
	s.handler = handler
	s.logger.Info("subscribed to hub events", "subject", subject)
	return nil
}

// Unsubscribe stops event delivery
func (s *Source) Unsubscribe() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", sub.Subject, err)
	}
	return nil
}

// Snapshot requests the hub's full device list
func (s *Source) Snapshot(ctx context.Context) ([]hub.Device, error) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return nil, broker.ErrNotConnected
	}

	msg, err := conn.RequestWithContext(ctx, s.SnapshotSubject(), nil)
	if err != nil {
		return nil, fmt.Errorf("device snapshot request failed: %w", err)
	}

	return decodeSnapshot(msg.Data)
}

func decodeSnapshot(data []byte) ([]hub.Device, error) {
	var devices []hub.Device
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("invalid device snapshot: %w", err)
	}

	valid := devices[:0]
	for _, d := range devices {
		if d.ID != "" {
			valid = append(valid, d)
		}
	}
	return valid, nil
}

// handleMessage decodes a received NATS message into a hub event
func (s *Source) handleMessage(msg *nats.Msg) {
	s.received.Add(1)

	s.logger.Debug("received hub event",
		"subject", msg.Subject,
		"payloadSize", len(msg.Data))

	ev, err := decodeEvent(msg.Data)
	if err != nil {
		s.errors.Add(1)
		s.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncHubEvents("invalid")
		})
		s.logger.Error("failed to decode hub event",
			"subject", msg.Subject,
			"error", err)
		return
	}

	s.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncHubEvents("received")
	})

	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	if handler != nil {
		handler(ev)
	}
}

func decodeEvent(data []byte) (hub.Event, error) {
	var ev hub.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return hub.Event{}, fmt.Errorf("%w: %v", hub.ErrInvalidEvent, err)
	}
	if err := ev.Validate(); err != nil {
		return hub.Event{}, err
	}
	return ev, nil
}

// SendCommand forwards a capability change request to the hub on
// <commandPrefix>.<deviceId>
func (s *Source) SendCommand(cmd hub.Command) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return broker.ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}

	subject := s.CommandSubject(cmd.DeviceID)
	if err := conn.Publish(subject, data); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("%w: %s: %v", broker.ErrPublishFailed, subject, err)
	}

	s.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncHubEvents("command")
	})
	s.logger.Debug("sent hub command",
		"subject", subject,
		"device", cmd.DeviceID,
		"capability", cmd.Capability)
	return nil
}
