package nats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"mqtt-hub-bridge/internal/broker"
	"mqtt-hub-bridge/internal/metrics"
)

// options builds the NATS connection options
func (s *Source) options() []nats.Option {
	opts := []nats.Option{
		nats.Name(s.cfg.ClientID),
		nats.ReconnectWait(time.Second * 2),
		nats.MaxReconnects(-1), // Unlimited reconnects
		nats.DisconnectErrHandler(s.handleDisconnect),
		nats.ReconnectHandler(s.handleReconnect),
		nats.ClosedHandler(s.handleClosed),
	}

	// Add authentication if configured
	if s.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(s.cfg.Username, s.cfg.Password))
	}

	// Configure TLS if enabled
	if s.cfg.TLS.Enable {
		if s.cfg.TLS.CertFile != "" && s.cfg.TLS.KeyFile != "" {
			opts = append(opts, nats.ClientCert(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile))
		}
		if s.cfg.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(s.cfg.TLS.CAFile))
		}
	}

	return opts
}

// Connect establishes the connection to the NATS servers
func (s *Source) Connect(ctx context.Context) error {
	if len(s.cfg.URLs) == 0 {
		return fmt.Errorf("%w: no NATS server URLs provided", broker.ErrConnectionFailed)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", broker.ErrConnectionFailed, err)
	}

	s.setState(broker.BrokerStateConnecting)
	s.logger.Info("connecting to NATS server", "urls", s.cfg.URLs)

	conn, err := nats.Connect(strings.Join(s.cfg.URLs, ","), s.options()...)
	if err != nil {
		s.setState(broker.BrokerStateError)
		s.errors.Add(1)
		return fmt.Errorf("%w: %v", broker.ErrConnectionFailed, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.connected.Store(true)
	s.setState(broker.BrokerStateConnected)

	s.logger.Info("connected to NATS server", "url", conn.ConnectedUrl())
	return nil
}

// Disconnect drains the subscription and closes the connection
func (s *Source) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.sub = nil
	s.mu.Unlock()

	if conn == nil {
		return
	}

	s.logger.Info("disconnecting from NATS server")
	if err := conn.Drain(); err != nil {
		s.logger.Warn("failed to drain NATS connection", "error", err)
		conn.Close()
	}
	s.connected.Store(false)
	s.setState(broker.BrokerStateDisconnected)
}

// IsConnected returns the current connection status
func (s *Source) IsConnected() bool {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	return conn != nil && conn.IsConnected() && s.connected.Load()
}

// NATS connection event handlers

func (s *Source) handleDisconnect(conn *nats.Conn, err error) {
	s.logger.Error("disconnected from NATS server", "error", err)
	s.connected.Store(false)
	s.setState(broker.BrokerStateReconnecting)
}

func (s *Source) handleReconnect(conn *nats.Conn) {
	s.logger.Info("reconnected to NATS server", "url", conn.ConnectedUrl())
	s.connected.Store(true)
	s.reconnects.Add(1)

	s.mu.Lock()
	s.state = broker.BrokerStateConnected
	s.lastReconnect = time.Now()
	s.mu.Unlock()

	s.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncHubEvents("reconnect")
	})
}

func (s *Source) handleClosed(conn *nats.Conn) {
	s.logger.Warn("NATS connection closed")
	s.connected.Store(false)
	s.setState(broker.BrokerStateDisconnected)
}
