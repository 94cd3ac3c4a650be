// Package mqtt implements the broker-facing publisher on top of the Eclipse
// Paho client.
package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"mqtt-hub-bridge/config"
	"mqtt-hub-bridge/internal/broker"
	"mqtt-hub-bridge/internal/logger"
	"mqtt-hub-bridge/internal/metrics"
)

const (
	defaultPublishTimeout = 5 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

// ErrWillWhileConnected is returned when the last will is changed while a
// connection is up or being re-established
var ErrWillWhileConnected = errors.New("mqtt: cannot change last will while connected or reconnecting")

// Client is a paho-backed connection to the MQTT broker. It satisfies the
// queue's Publisher capability and notifies listeners when the broker
// connection is lost or restored.
type Client struct {
	cfg     *config.MQTTConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
	client  paho.Client
	breaker *gobreaker.CircuitBreaker

	// set when built by NewClient, so the paho client can be rebuilt
	opts    *paho.ClientOptions
	newPaho func(*paho.ClientOptions) paho.Client
	will    *Will

	publishTimeout time.Duration

	connected atomic.Bool
	lost      atomic.Bool // connection dropped, waiting for auto-reconnect
	connMu    sync.Mutex  // orders the paho connect and connection-lost handlers

	mu            sync.RWMutex
	state         broker.BrokerState
	lastReconnect time.Time
	subs          map[string]subscription
	onRegistered  []func()
	onLost        []func(error)

	received  atomic.Uint64
	published atomic.Uint64
	errors    atomic.Uint64
	reconnect atomic.Uint64
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// NewClient creates a client for cfg. It does not connect. The will, if not
// nil, is registered with the broker as the connection's last will.
func NewClient(cfg *config.MQTTConfig, will *Will, log *logger.Logger, m *metrics.Metrics) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mqtt config is required")
	}

	c := newClient(cfg, log, m)

	opts, err := c.clientOptions(will)
	if err != nil {
		return nil, err
	}
	c.opts = opts
	c.will = will
	c.newPaho = paho.NewClient
	c.client = c.newPaho(opts)

	return c, nil
}

// NewClientWithPaho creates a client around an existing paho client (for testing)
func NewClientWithPaho(cfg *config.MQTTConfig, client paho.Client, log *logger.Logger, m *metrics.Metrics) *Client {
	c := newClient(cfg, log, m)
	c.client = client
	return c
}

func newClient(cfg *config.MQTTConfig, log *logger.Logger, m *metrics.Metrics) *Client {
	if log == nil {
		log = logger.NewNop()
	}

	c := &Client{
		cfg:            cfg,
		logger:         log,
		metrics:        m,
		publishTimeout: config.Duration(cfg.PublishTimeout),
		state:          broker.BrokerStateDisconnected,
		subs:           make(map[string]subscription),
	}
	if c.publishTimeout <= 0 {
		c.publishTimeout = defaultPublishTimeout
	}

	c.breaker = newBreaker(cfg.Breaker, log)
	return c
}

func newBreaker(cfg config.BreakerConfig, log *logger.Logger) *gobreaker.CircuitBreaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mqtt-publish",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     config.Duration(cfg.ResetTimeout),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("publish circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
}

// DefaultClientID returns a client id unique to this process
func DefaultClientID() string {
	return fmt.Sprintf("mqtt-hub-bridge-%s", uuid.NewString()[:8])
}

// OnRegistered adds a callback run when the connection is restored after a loss
func (c *Client) OnRegistered(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRegistered = append(c.onRegistered, fn)
}

// OnUnregistered adds a callback run when the connection is lost
func (c *Client) OnUnregistered(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = append(c.onLost, fn)
}

// State returns the current connection state
func (c *Client) State() broker.BrokerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(state broker.BrokerState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// GetStats returns current broker statistics
func (c *Client) GetStats() broker.BrokerStats {
	c.mu.RLock()
	state := c.state
	lastReconnect := c.lastReconnect
	c.mu.RUnlock()

	return broker.BrokerStats{
		State:             state,
		MessagesReceived:  c.received.Load(),
		MessagesPublished: c.published.Load(),
		Errors:            c.errors.Load(),
		Reconnects:        c.reconnect.Load(),
		LastReconnect:     lastReconnect,
	}
}

// safeMetricsUpdate safely updates metrics if they are enabled
func (c *Client) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if c.metrics != nil {
		fn(c.metrics)
	}
}
