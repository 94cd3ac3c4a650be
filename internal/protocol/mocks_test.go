package protocol

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"mqtt-hub-bridge/internal/hub"
	"mqtt-hub-bridge/internal/queue"
	"mqtt-hub-bridge/internal/topics"
)

// registeredPublisher is always registered and never publishes; the queue
// under test is left stopped so tests can inspect pending messages
type registeredPublisher struct{}

func (registeredPublisher) IsRegistered() bool                              { return true }
func (registeredPublisher) Publish(ctx context.Context, m queue.Message) error { return nil }

// mockSubscriber records subscriptions and delivers messages to them
type mockSubscriber struct {
	mu       sync.Mutex
	handlers map[string]func(topic string, payload []byte)
}

func newMockSubscriber() *mockSubscriber {
	return &mockSubscriber{handlers: make(map[string]func(string, []byte))}
}

func (s *mockSubscriber) Subscribe(filter string, qos byte, handler func(topic string, payload []byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[filter] = handler
	return nil
}

func (s *mockSubscriber) Unsubscribe(filter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, filter)
	return nil
}

func (s *mockSubscriber) subscribed(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handlers[filter]
	return ok
}

func (s *mockSubscriber) deliver(filter, topic string, payload string) {
	s.mu.Lock()
	handler := s.handlers[filter]
	s.mu.Unlock()
	if handler != nil {
		handler(topic, []byte(payload))
	}
}

// mockCommands records commands forwarded to the hub
type mockCommands struct {
	mu       sync.Mutex
	commands []hub.Command
}

func (c *mockCommands) SendCommand(cmd hub.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, cmd)
	return nil
}

type testEnv struct {
	queue    *queue.Queue
	topics   *topics.Registry
	devices  *hub.Registry
	sub      *mockSubscriber
	commands *mockCommands
	deps     Deps
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	q := queue.New(queue.Config{}, registeredPublisher{}, nil, nil)
	t.Cleanup(q.Close)

	devices := hub.NewRegistry(nil)
	require.NoError(t, devices.Upsert(testLamp()))
	devices.UpsertZone(hub.Zone{ID: "home", Name: "Home"})
	devices.UpsertZone(hub.Zone{ID: "kitchen", Name: "Kitchen", Parent: "home"})

	env := &testEnv{
		queue:    q,
		topics:   topics.NewRegistry(),
		devices:  devices,
		sub:      newMockSubscriber(),
		commands: &mockCommands{},
	}
	env.deps = Deps{
		HubID:             "Home",
		Queue:             q,
		Topics:            env.topics,
		AvailabilityTopic: "hub/home/status",
		Online:            "online",
		Offline:           "offline",
		Subscriber:        env.sub,
		Devices:           devices,
		Commands:          env.commands,
	}
	return env
}

func testLamp() hub.Device {
	return hub.Device{
		ID:    "lamp1",
		Name:  "Kitchen Lamp",
		Zone:  "kitchen",
		Class: "light",
		Capabilities: map[string]hub.Capability{
			"onoff": {ID: "onoff", Title: "Power", Type: hub.CapabilityBoolean, Settable: true, Value: true},
			"dim":   {ID: "dim", Type: hub.CapabilityNumber, Unit: "%", Value: 0.5},
		},
	}
}
