package mqtt

import (
	"context"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"mqtt-hub-bridge/config"
	"mqtt-hub-bridge/internal/broker"
	"mqtt-hub-bridge/internal/metrics"
	"mqtt-hub-bridge/internal/queue"
)

// clientOptions builds the paho options for the configured broker
func (c *Client) clientOptions(will *Will) (*paho.ClientOptions, error) {
	clientID := c.cfg.ClientID
	if clientID == "" {
		clientID = DefaultClientID()
	}

	maxReconnect := config.Duration(c.cfg.MaxReconnectInterval)
	if maxReconnect <= 0 {
		maxReconnect = time.Minute
	}

	opts := paho.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID(clientID).
		SetUsername(c.cfg.Username).
		SetPassword(c.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(maxReconnect) // Prevent exponential backoff from growing too large

	if keepAlive := config.Duration(c.cfg.KeepAlive); keepAlive > 0 {
		opts.SetKeepAlive(keepAlive)
	}

	applyWill(opts, will)

	// Set up connection handlers
	opts.OnConnect = c.handleConnect
	opts.OnConnectionLost = c.handleConnectionLost
	opts.OnReconnecting = c.handleReconnecting

	tlsConfig, err := broker.NewTLSConfig(c.cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}

	c.logger.Debug("mqtt client configured",
		"broker", c.cfg.Broker,
		"clientId", clientID,
		"tls", c.cfg.TLS.Enable)

	return opts, nil
}

func applyWill(opts *paho.ClientOptions, will *Will) {
	if will == nil || will.Topic == "" {
		opts.WillEnabled = false
		return
	}
	opts.SetBinaryWill(will.Topic, will.Payload, will.QoS, will.Retain)
}

// SetWill replaces the last will registered with the broker on the next
// Connect. It fails while connected, and must not race other calls on the
// client.
func (c *Client) SetWill(will *Will) error {
	if c.connected.Load() || c.lost.Load() {
		return ErrWillWhileConnected
	}
	if c.opts == nil {
		return fmt.Errorf("mqtt: client was not built from options, last will is fixed")
	}
	if will.equal(c.will) {
		return nil
	}

	applyWill(c.opts, will)
	c.will = will
	c.client = c.newPaho(c.opts)

	c.logger.Debug("mqtt last will updated", "topic", will.topic())
	return nil
}

// SetLastWill is SetWill for a queue message
func (c *Client) SetLastWill(msg queue.Message) error {
	return c.SetWill(&Will{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		QoS:     msg.QoS,
		Retain:  msg.Retain,
	})
}

// Connect establishes the broker connection, waiting until it succeeds,
// fails, or ctx is done
func (c *Client) Connect(ctx context.Context) error {
	c.setState(broker.BrokerStateConnecting)
	c.logger.Info("connecting to mqtt broker", "broker", c.cfg.Broker)

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		c.setState(broker.BrokerStateError)
		return fmt.Errorf("%w: %v", broker.ErrConnectionFailed, ctx.Err())
	}

	if err := token.Error(); err != nil {
		c.setState(broker.BrokerStateError)
		c.errors.Add(1)
		return fmt.Errorf("%w: %v", broker.ErrConnectionFailed, err)
	}

	c.connected.Store(true)
	c.lost.Store(false)
	c.setState(broker.BrokerStateConnected)
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetMQTTConnectionStatus(true)
	})

	return nil
}

// Disconnect cleanly disconnects from the MQTT broker. The broker does not
// publish the last will after a clean disconnect.
func (c *Client) Disconnect() {
	c.logger.Info("disconnecting from mqtt broker")

	c.connected.Store(false)
	c.lost.Store(false)
	c.client.Disconnect(disconnectQuiesce)
	c.setState(broker.BrokerStateDisconnected)

	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetMQTTConnectionStatus(false)
	})
}

// IsRegistered reports whether the broker connection is usable
func (c *Client) IsRegistered() bool {
	return c.connected.Load()
}

// handleConnect processes successful connections and restores subscriptions.
// Listeners are only notified when the connection comes back after a loss;
// the initial connection is reported by Connect.
//
// Paho runs the connect and connection-lost handlers on separate goroutines,
// so they can arrive out of order. Both run under connMu and check the link
// itself: a connect seen after the link dropped again is ignored, and a loss
// seen after the link already came back is followed by the restore.
func (c *Client) handleConnect(client paho.Client) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !client.IsConnectionOpen() {
		c.logger.Debug("ignoring connect for a connection that is already gone")
		return
	}
	c.markConnected()
}

func (c *Client) markConnected() {
	c.logger.Info("mqtt client connected", "broker", c.cfg.Broker)
	c.connected.Store(true)
	c.setState(broker.BrokerStateConnected)

	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetMQTTConnectionStatus(true)
	})

	if err := c.resubscribeAll(); err != nil {
		c.logger.Error("failed to resubscribe to topics after reconnect",
			"error", err)
	}

	if !c.lost.Swap(false) {
		return
	}

	c.mu.Lock()
	c.lastReconnect = time.Now()
	listeners := append([]func(){}, c.onRegistered...)
	c.mu.Unlock()

	c.logger.Info("mqtt connection restored", "listeners", len(listeners))
	for _, fn := range listeners {
		fn()
	}
}

// handleConnectionLost processes connection loss
func (c *Client) handleConnectionLost(client paho.Client, err error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.logger.Error("mqtt connection lost", "error", err)
	c.connected.Store(false)
	c.lost.Store(true)
	c.setState(broker.BrokerStateReconnecting)

	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetMQTTConnectionStatus(false)
	})

	c.mu.RLock()
	listeners := append([]func(error){}, c.onLost...)
	c.mu.RUnlock()

	for _, fn := range listeners {
		fn(err)
	}

	// The reconnect won the race and its connect handler already ran
	if client.IsConnectionOpen() {
		c.markConnected()
	}
}

// handleReconnecting processes reconnection attempts
func (c *Client) handleReconnecting(client paho.Client, opts *paho.ClientOptions) {
	c.reconnect.Add(1)
	c.logger.Info("mqtt client reconnecting", "broker", c.cfg.Broker)

	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMQTTReconnects()
	})
}
