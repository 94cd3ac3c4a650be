package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"mqtt-hub-bridge/internal/hub"
	"mqtt-hub-bridge/internal/metrics"
	"mqtt-hub-bridge/internal/protocol"
	"mqtt-hub-bridge/internal/queue"
	"mqtt-hub-bridge/internal/topics"
)

// callLog records collaborator calls in order across mocks
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, fmt.Sprintf(format, args...))
}

func (c *callLog) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *callLog) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

// mockPublisher is a broker connection recording connects and publishes
type mockPublisher struct {
	log *callLog

	mu          sync.Mutex
	registered  bool
	connectErr  error
	publishErr  func(queue.Message) error
	published   []queue.Message
	connects    int
	disconnects int
	will        queue.Message
	willErr     error

	// hold, when set, runs outside the lock before a publish completes
	hold        func(queue.Message)
	inflight    int
	maxInflight int
}

func (p *mockPublisher) SetLastWill(msg queue.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.willErr != nil {
		return p.willErr
	}
	p.will = msg
	return nil
}

func (p *mockPublisher) Will() queue.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.will
}

func (p *mockPublisher) Connect(ctx context.Context) error {
	p.log.add("connect")

	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if p.connectErr != nil {
		return p.connectErr
	}
	p.registered = true
	return nil
}

func (p *mockPublisher) Disconnect() {
	p.log.add("disconnect")

	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	p.registered = false
}

func (p *mockPublisher) IsRegistered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registered
}

func (p *mockPublisher) Publish(ctx context.Context, msg queue.Message) error {
	p.log.add("publish %s=%s", msg.Topic, msg.Payload)

	p.mu.Lock()
	p.inflight++
	if p.inflight > p.maxInflight {
		p.maxInflight = p.inflight
	}
	hold := p.hold
	p.mu.Unlock()

	if hold != nil {
		hold(msg)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight--
	if p.publishErr != nil {
		if err := p.publishErr(msg); err != nil {
			return err
		}
	}
	p.published = append(p.published, msg)
	return nil
}

func (p *mockPublisher) setHold(fn func(queue.Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hold = fn
}

func (p *mockPublisher) MaxInflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInflight
}

func (p *mockPublisher) setRegistered(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registered = v
}

func (p *mockPublisher) Published() []queue.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.Message(nil), p.published...)
}

func (p *mockPublisher) Counts() (connects, disconnects int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects, p.disconnects
}

// mockDispatcher records calls and publishes one state topic per device
type mockDispatcher struct {
	name     string
	deps     protocol.Deps
	log      *callLog
	startErr error
}

func (d *mockDispatcher) Name() string { return d.name }

func (d *mockDispatcher) Start(ctx context.Context, devices []hub.Device) error {
	ids := make([]string, 0, len(devices))
	for _, dev := range devices {
		ids = append(ids, dev.ID)
	}
	d.log.add("%s start %v", d.name, ids)
	if d.startErr != nil {
		return d.startErr
	}
	for _, dev := range devices {
		d.announce(dev)
	}
	d.deps.Queue.Kick()
	return nil
}

func (d *mockDispatcher) Stop() { d.log.add("%s stop", d.name) }

func (d *mockDispatcher) DispatchDevice(dev hub.Device) {
	d.log.add("%s device %s", d.name, dev.ID)
	d.announce(dev)
	d.deps.Queue.Kick()
}

func (d *mockDispatcher) DispatchState(dev hub.Device, capability string, value any) {
	d.log.add("%s state %s/%s=%v", d.name, dev.ID, capability, value)
	topic := d.name + "/" + dev.ID + "/" + capability
	d.deps.Topics.Claim(dev.ID, topic)
	d.deps.Queue.Enqueue(topic, []byte(protocol.FormatValue(value)), queue.Retained())
}

func (d *mockDispatcher) RemoveDevice(dev hub.Device) {
	d.log.add("%s remove %s", d.name, dev.ID)
}

func (d *mockDispatcher) announce(dev hub.Device) {
	topic := d.name + "/" + dev.ID
	d.deps.Topics.Claim(dev.ID, topic)
	d.deps.Queue.Enqueue(topic, []byte(dev.Name), queue.Retained(), queue.NoDrain())
}

type testEnv struct {
	log       *callLog
	pub       *mockPublisher
	queue     *queue.Queue
	topics    *topics.Registry
	devices   *hub.Registry
	reg       *prometheus.Registry
	metrics   *metrics.Metrics
	lifecycle *Lifecycle

	// startErr is handed to dispatchers built after it is set
	startErr error
	built    []*mockDispatcher
	mu       sync.Mutex
}

func testSettings() Settings {
	return Settings{
		HubID:    "home",
		Protocol: "homie",
		Presence: Presence{
			Topic:   "hub/${hubId}/status",
			Online:  "online",
			Offline: "offline",
		},
	}
}

func setupTestEnv(t *testing.T, settings Settings) *testEnv {
	t.Helper()

	reg := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(reg)
	require.NoError(t, err)

	env := &testEnv{
		log:     &callLog{},
		topics:  topics.NewRegistry(),
		devices: hub.NewRegistry(nil),
		reg:     reg,
		metrics: m,
	}
	env.pub = &mockPublisher{log: env.log}
	env.queue = queue.New(queue.Config{DefaultQoS: 1}, env.pub, nil, m)
	t.Cleanup(env.queue.Close)

	for _, d := range []hub.Device{testDevice("lamp1", "Lamp"), testDevice("lamp2", "Other Lamp")} {
		require.NoError(t, env.devices.Upsert(d))
	}

	env.lifecycle, err = New(Options{
		Publisher: env.pub,
		Queue:     env.queue,
		Topics:    env.topics,
		Devices:   env.devices,
		Factory:   env.factory,
		Metrics:   m,
	}, settings)
	require.NoError(t, err)

	return env
}

func (e *testEnv) factory(name string, deps protocol.Deps) (protocol.Dispatcher, error) {
	if name != "homie" && name != "homeassistant" {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownProtocol, name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	d := &mockDispatcher{name: name, deps: deps, log: e.log, startErr: e.startErr}
	e.built = append(e.built, d)
	return d, nil
}

func (e *testEnv) dispatchers() []*mockDispatcher {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*mockDispatcher(nil), e.built...)
}

func testDevice(id, name string) hub.Device {
	return hub.Device{
		ID:   id,
		Name: name,
		Capabilities: map[string]hub.Capability{
			"onoff": {ID: "onoff", Type: hub.CapabilityBoolean, Value: true},
		},
	}
}
