// Package broker holds the connection state, statistics and transport errors
// shared by the MQTT publisher and the NATS hub event source.
package broker

import (
	"errors"
	"time"
)

// Transport errors returned at the broker boundary
var (
	ErrNotConnected     = errors.New("not connected to broker")
	ErrConnectionFailed = errors.New("broker connection failed")
	ErrPublishFailed    = errors.New("publish failed")
	ErrCircuitOpen      = errors.New("publish circuit open")
	ErrTimeout          = errors.New("broker operation timed out")
)

// BrokerState represents the current state of a broker connection
type BrokerState string

const (
	// BrokerStateDisconnected indicates the broker is not connected
	BrokerStateDisconnected BrokerState = "disconnected"
	// BrokerStateConnecting indicates the broker is attempting to connect
	BrokerStateConnecting BrokerState = "connecting"
	// BrokerStateConnected indicates the broker is connected
	BrokerStateConnected BrokerState = "connected"
	// BrokerStateReconnecting indicates the broker is attempting to reconnect
	BrokerStateReconnecting BrokerState = "reconnecting"
	// BrokerStateError indicates the broker is in an error state
	BrokerStateError BrokerState = "error"
)

// BrokerStats holds statistics for a broker connection
type BrokerStats struct {
	State             BrokerState `json:"state"`
	MessagesReceived  uint64      `json:"messagesReceived"`
	MessagesPublished uint64      `json:"messagesPublished"`
	Errors            uint64      `json:"errors"`
	Reconnects        uint64      `json:"reconnects"`
	LastReconnect     time.Time   `json:"lastReconnect"`
}

// IsTransportError reports whether err originated at the broker boundary
func IsTransportError(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrPublishFailed) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrTimeout)
}
