// Package bridge drives the publish pipeline: it connects the broker,
// announces the hub, runs the active protocol dispatcher and reacts to
// connectivity and configuration changes.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mqtt-hub-bridge/internal/hub"
	"mqtt-hub-bridge/internal/logger"
	"mqtt-hub-bridge/internal/metrics"
	"mqtt-hub-bridge/internal/protocol"
	"mqtt-hub-bridge/internal/queue"
	"mqtt-hub-bridge/internal/topics"
)

// ErrNotRunning is returned by operations that need a running lifecycle
var ErrNotRunning = errors.New("bridge: not running")

// restartTimeout bounds the start sequence re-run after a reconnect
const restartTimeout = 30 * time.Second

// State is the lifecycle state
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
)

// Publisher is the broker connection the lifecycle drives
type Publisher interface {
	queue.Publisher
	// SetLastWill sets the message the broker publishes when the next
	// connection drops without a clean disconnect
	SetLastWill(msg queue.Message) error
	Connect(ctx context.Context) error
	Disconnect()
}

// DispatcherFactory builds the dispatcher for a protocol name
type DispatcherFactory func(name string, deps protocol.Deps) (protocol.Dispatcher, error)

// Options are the lifecycle's collaborators. Publisher, Queue, Topics and
// Devices are required.
type Options struct {
	Publisher  Publisher
	Queue      *queue.Queue
	Topics     *topics.Registry
	Devices    *hub.Registry
	Subscriber protocol.Subscriber
	Commands   protocol.CommandSink
	Factory    DispatcherFactory
	Logger     *logger.Logger
	Metrics    *metrics.Metrics
}

// Lifecycle is the stopped -> starting -> running state machine of the
// publish pipeline.
//
// Transitions are serialized by mu. State and settings are also published
// atomically so status readers never wait on a slow connect.
type Lifecycle struct {
	pub           Publisher
	queue         *queue.Queue
	topics        *topics.Registry
	devices       *hub.Registry
	subscriber    protocol.Subscriber
	commands      protocol.CommandSink
	newDispatcher DispatcherFactory
	logger        *logger.Logger
	metrics       *metrics.Metrics

	mu         sync.Mutex
	dispatcher protocol.Dispatcher

	state     atomic.Value // State
	settings  atomic.Pointer[Settings]
	shouldRun atomic.Bool
}

// New creates a stopped lifecycle. The initial disabled devices are applied
// to the hub registry immediately.
func New(opts Options, settings Settings) (*Lifecycle, error) {
	if opts.Publisher == nil || opts.Queue == nil || opts.Topics == nil || opts.Devices == nil {
		return nil, fmt.Errorf("bridge: publisher, queue, topics and devices are required")
	}
	if opts.Factory == nil {
		opts.Factory = protocol.New
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}

	l := &Lifecycle{
		pub:           opts.Publisher,
		queue:         opts.Queue,
		topics:        opts.Topics,
		devices:       opts.Devices,
		subscriber:    opts.Subscriber,
		commands:      opts.Commands,
		newDispatcher: opts.Factory,
		logger:        opts.Logger.With("component", "lifecycle"),
		metrics:       opts.Metrics,
	}
	l.setState(StateStopped)
	l.settings.Store(&settings)
	l.devices.SetDisabled(settings.DisabledDevices)

	return l, nil
}

// State returns the current lifecycle state
func (l *Lifecycle) State() State {
	return l.state.Load().(State)
}

// Settings returns the active settings
func (l *Lifecycle) Settings() Settings {
	return *l.settings.Load()
}

func (l *Lifecycle) setState(s State) {
	l.state.Store(s)
	l.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetLifecycleState(string(s))
	})
}

// Start registers the last will, connects the publisher, publishes the birth
// message, starts the dispatcher and resumes the queue. A failure leaves the lifecycle stopped
// and is returned; calling Start again retries from scratch. Start on a
// running lifecycle does nothing.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.shouldRun.Store(true)
	if l.State() != StateStopped {
		return nil
	}
	return l.startLocked(ctx, true)
}

func (l *Lifecycle) startLocked(ctx context.Context, connect bool) error {
	settings := l.Settings()
	l.setState(StateStarting)
	l.logger.Info("starting", "protocol", settings.Protocol, "hubId", settings.HubID)

	// A drain left over from the previous connection must not overlap the birth
	if err := l.queue.StopAndWait(ctx); err != nil {
		return l.startFailed("wait for queue", err, false)
	}

	if connect {
		if err := l.pub.SetLastWill(settings.LastWillMessage()); err != nil {
			return l.startFailed("set last will", err, false)
		}
		if err := l.pub.Connect(ctx); err != nil {
			return l.startFailed("connect", err, false)
		}
	}

	birth := settings.BirthMessage()
	if err := l.pub.Publish(ctx, birth); err != nil {
		return l.startFailed("birth publish", err, connect)
	}
	l.logger.Debug("published birth message", "topic", birth.Topic)

	if err := l.startDispatcherLocked(ctx, settings); err != nil {
		return l.startFailed("dispatcher start", err, connect)
	}

	l.queue.Start()
	l.setState(StateRunning)
	l.updateDevicesGauge()
	l.logger.Info("running", "protocol", settings.Protocol, "devices", len(l.devices.List()))
	return nil
}

func (l *Lifecycle) startFailed(step string, err error, disconnect bool) error {
	l.logger.Error("start failed", "step", step, "error", err)
	if disconnect {
		l.pub.Disconnect()
	}
	l.setState(StateStopped)
	return fmt.Errorf("bridge: %s: %w", step, err)
}

// startDispatcherLocked builds and starts the dispatcher for settings,
// replacing any current one
func (l *Lifecycle) startDispatcherLocked(ctx context.Context, settings Settings) error {
	l.stopDispatcherLocked()

	d, err := l.newDispatcher(settings.Protocol, l.deps(settings))
	if err != nil {
		return err
	}
	if err := d.Start(ctx, l.devices.List()); err != nil {
		d.Stop()
		return err
	}
	l.dispatcher = d
	return nil
}

func (l *Lifecycle) stopDispatcherLocked() {
	if l.dispatcher != nil {
		l.dispatcher.Stop()
		l.dispatcher = nil
	}
}

func (l *Lifecycle) deps(settings Settings) protocol.Deps {
	return protocol.Deps{
		HubID:             settings.HubID,
		Queue:             l.queue,
		Topics:            l.topics,
		AvailabilityTopic: settings.PresenceTopic(),
		Online:            settings.Presence.Online,
		Offline:           settings.Presence.Offline,
		Subscriber:        l.subscriber,
		Devices:           l.devices,
		Commands:          l.commands,
		Logger:            l.logger,
	}
}

// Stop stops the dispatcher, flushes the state it left queued, publishes the
// last-will message and disconnects. Failures are logged; local cleanup
// always completes.
func (l *Lifecycle) Stop(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	wasRunning := l.shouldRun.Swap(false)
	if l.State() == StateStopped && !wasRunning {
		return
	}
	l.teardownLocked(ctx)
}

func (l *Lifecycle) teardownLocked(ctx context.Context) {
	l.stopDispatcherLocked()

	if l.pub.IsRegistered() {
		if err := l.queue.Flush(ctx); err != nil {
			l.logger.Warn("failed to flush publish queue", "pending", l.queue.Len(), "error", err)
		}
	}
	// The last will is published directly, so no queued publish may still be in flight
	if err := l.queue.StopAndWait(ctx); err != nil {
		l.logger.Warn("publish still in flight", "error", err)
	}

	if l.pub.IsRegistered() {
		will := l.Settings().LastWillMessage()
		if err := l.pub.Publish(ctx, will); err != nil {
			l.logger.Warn("failed to publish last will", "topic", will.Topic, "error", err)
		}
	} else {
		l.logger.Debug("not registered, skipping last will")
	}

	l.pub.Disconnect()
	l.setState(StateStopped)
	l.logger.Info("stopped")
}

// HandleUnregistered tears the pipeline down after the broker connection was
// lost. Pending publishes are discarded so they are not replayed to the next
// connection. The lifecycle remembers whether it should run again.
func (l *Lifecycle) HandleUnregistered(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.logger.Warn("publisher unregistered", "error", err)

	l.queue.Stop()
	l.stopDispatcherLocked()
	l.queue.Reset()
	l.topics.Reset()
	l.setState(StateStopped)
}

// HandleRegistered re-runs the start sequence, without connecting, once the
// publisher has reconnected on its own
func (l *Lifecycle) HandleRegistered() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.shouldRun.Load() || l.State() != StateStopped {
		return
	}

	l.logger.Info("publisher registered again, restarting")

	ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
	defer cancel()
	if err := l.startLocked(ctx, false); err != nil {
		l.logger.Error("restart after reconnect failed", "error", err)
	}
}

// ApplySettings applies changed settings. Newly disabled devices have their
// pending publishes cancelled and their retained topics cleared; the
// dispatcher is then restarted, switching protocol if it changed. The hub
// id and presence topic are bound to the broker connection, including its
// last will, and only take effect on the next Start after a Stop.
func (l *Lifecycle) ApplySettings(ctx context.Context, next Settings) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.Settings()
	running := l.State() == StateRunning

	if running && (next.HubID != current.HubID || next.Presence != current.Presence) {
		l.logger.Warn("hub id and presence changes apply after a restart",
			"hubId", next.HubID,
			"presenceTopic", next.PresenceTopic())
		next.HubID = current.HubID
		next.Presence = current.Presence
	}

	// Capture the devices before they disappear from List
	disabling := make(map[string]hub.Device)
	for _, d := range l.devices.List() {
		disabling[d.ID] = d
	}

	newlyDisabled, newlyEnabled := l.devices.SetDisabled(next.DisabledDevices)
	for _, id := range newlyDisabled {
		dropped := topics.CancelOwner(l.topics, l.queue, id)
		l.logger.Info("device disabled", "device", id, "cancelled", dropped)

		if d, ok := disabling[id]; ok && running && l.dispatcher != nil {
			l.dispatcher.RemoveDevice(d)
		}
	}
	for _, id := range newlyEnabled {
		l.logger.Info("device enabled", "device", id)
	}

	l.settings.Store(&next)
	l.updateDevicesGauge()

	if !running {
		return nil
	}

	if next.Protocol != current.Protocol {
		l.logger.Info("switching protocol", "from", current.Protocol, "to", next.Protocol)
	} else if len(newlyDisabled) == 0 && len(newlyEnabled) == 0 {
		return nil
	}

	if err := l.startDispatcherLocked(ctx, next); err != nil {
		l.logger.Error("failed to restart dispatcher", "protocol", next.Protocol, "error", err)
		l.shouldRun.Store(false)
		l.teardownLocked(ctx)
		return fmt.Errorf("bridge: restart dispatcher: %w", err)
	}
	return nil
}

// HandleEvent records a hub change and dispatches it. Disabled devices are
// recorded but not dispatched, and nothing is dispatched unless running.
func (l *Lifecycle) HandleEvent(ev hub.Event) {
	if err := ev.Validate(); err != nil {
		l.logger.Warn("dropping invalid hub event", "error", err)
		l.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncHubEvents("invalid")
		})
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	dispatched := false
	switch ev.Type {
	case hub.EventDeviceAdded, hub.EventDeviceUpdated:
		if err := l.devices.Upsert(*ev.Device); err != nil {
			l.logger.Warn("failed to store device", "device", ev.DeviceID, "error", err)
			break
		}
		if d, ok := l.dispatchable(ev.DeviceID); ok {
			l.dispatcher.DispatchDevice(d)
			dispatched = true
		}
		l.updateDevicesGauge()

	case hub.EventDeviceRemoved:
		enabled := l.devices.IsEnabled(ev.DeviceID)
		d, err := l.devices.Remove(ev.DeviceID)
		if err != nil {
			l.logger.Debug("removed device was not known", "device", ev.DeviceID)
			break
		}
		dropped := topics.CancelOwner(l.topics, l.queue, d.ID)
		l.logger.Info("device removed", "device", d.ID, "cancelled", dropped)
		if enabled && l.State() == StateRunning && l.dispatcher != nil {
			l.dispatcher.RemoveDevice(d)
			dispatched = true
		}
		l.updateDevicesGauge()

	case hub.EventCapabilityChanged:
		d, err := l.devices.SetCapabilityValue(ev.DeviceID, ev.Capability, ev.Value)
		if err != nil {
			l.logger.Debug("state change for unknown device",
				"device", ev.DeviceID,
				"capability", ev.Capability)
			break
		}
		if l.devices.IsEnabled(d.ID) && l.State() == StateRunning && l.dispatcher != nil {
			l.dispatcher.DispatchState(d, ev.Capability, ev.Value)
			dispatched = true
		}

	case hub.EventZoneUpdated:
		l.devices.UpsertZone(*ev.Zone)
	}

	status := "ignored"
	if dispatched {
		status = "dispatched"
	}
	l.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncHubEvents(status)
	})
}

// dispatchable returns the stored device when it is enabled and the
// pipeline is running
func (l *Lifecycle) dispatchable(id string) (hub.Device, bool) {
	if l.State() != StateRunning || l.dispatcher == nil || !l.devices.IsEnabled(id) {
		return hub.Device{}, false
	}
	d, err := l.devices.Get(id)
	if err != nil {
		return hub.Device{}, false
	}
	return d, true
}

// Announce re-announces every enabled device on the current dispatcher
func (l *Lifecycle) Announce() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.State() != StateRunning || l.dispatcher == nil {
		return ErrNotRunning
	}
	for _, d := range l.devices.List() {
		l.dispatcher.DispatchDevice(d)
	}
	return nil
}

// Status is a point-in-time view of the lifecycle
type Status struct {
	State        State  `json:"state"`
	Protocol     string `json:"protocol"`
	HubID        string `json:"hubId"`
	ShouldRun    bool   `json:"shouldRun"`
	Devices      int    `json:"devices"`
	Enabled      int    `json:"enabled"`
	OwnedDevices int    `json:"ownedDevices"`
	OwnedTopics  int    `json:"ownedTopics"`
}

// Status returns the current status without waiting on a transition
func (l *Lifecycle) Status() Status {
	settings := l.Settings()
	return Status{
		State:        l.State(),
		Protocol:     settings.Protocol,
		HubID:        settings.HubID,
		ShouldRun:    l.shouldRun.Load(),
		Devices:      l.devices.Len(),
		Enabled:      len(l.devices.List()),
		OwnedDevices: len(l.topics.Owners()),
		OwnedTopics:  l.topics.Len(),
	}
}

// Sample refreshes the lifecycle gauges; usable as a metrics.Sampler
func (l *Lifecycle) Sample(m *metrics.Metrics) {
	m.SetLifecycleState(string(l.State()))
	m.SetDevicesActive(float64(len(l.devices.List())))
}

func (l *Lifecycle) updateDevicesGauge() {
	l.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetDevicesActive(float64(len(l.devices.List())))
	})
}

// safeMetricsUpdate safely updates metrics if they are enabled
func (l *Lifecycle) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if l.metrics != nil {
		fn(l.metrics)
	}
}
