// Package nats receives hub events over NATS.
package nats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"mqtt-hub-bridge/config"
	"mqtt-hub-bridge/internal/broker"
	"mqtt-hub-bridge/internal/hub"
	"mqtt-hub-bridge/internal/logger"
	"mqtt-hub-bridge/internal/metrics"
)

// EventHandler receives decoded hub events
type EventHandler func(ev hub.Event)

// Source subscribes to the hub's event subjects and hands decoded events to
// a handler
type Source struct {
	cfg     *config.SourceConfig
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu            sync.RWMutex
	conn          *nats.Conn
	sub           *nats.Subscription
	handler       EventHandler
	state         broker.BrokerState
	lastReconnect time.Time

	connected  atomic.Bool
	received   atomic.Uint64
	errors     atomic.Uint64
	reconnects atomic.Uint64
}

// NewSource creates a source for cfg. It does not connect.
func NewSource(cfg *config.SourceConfig, log *logger.Logger, m *metrics.Metrics) (*Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("source config is required")
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &Source{
		cfg:     cfg,
		logger:  log,
		metrics: m,
		state:   broker.BrokerStateDisconnected,
	}, nil
}

// EventsSubject is the wildcard subject carrying every hub event
func (s *Source) EventsSubject() string {
	return s.subjectPrefix() + ".>"
}

// SnapshotSubject is the request subject answered with the full device list
func (s *Source) SnapshotSubject() string {
	return s.subjectPrefix() + ".snapshot"
}

// CommandSubject is the subject commands for deviceID are published on
func (s *Source) CommandSubject(deviceID string) string {
	return NormalizeSubject(ToNATSSubject(s.cfg.CommandPrefix) + "." + ToNATSSubject(deviceID))
}

// subjectPrefix accepts the prefix in either NATS or MQTT form
func (s *Source) subjectPrefix() string {
	return NormalizeSubject(ToNATSSubject(s.cfg.SubjectPrefix))
}

// State returns the current connection state
func (s *Source) State() broker.BrokerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Source) setState(state broker.BrokerState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// GetStats returns current source statistics
func (s *Source) GetStats() broker.BrokerStats {
	s.mu.RLock()
	state := s.state
	lastReconnect := s.lastReconnect
	s.mu.RUnlock()

	return broker.BrokerStats{
		State:            state,
		MessagesReceived: s.received.Load(),
		Errors:           s.errors.Load(),
		Reconnects:       s.reconnects.Load(),
		LastReconnect:    lastReconnect,
	}
}

// safeMetricsUpdate safely updates metrics if they are enabled
func (s *Source) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}
