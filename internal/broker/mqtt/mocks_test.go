package mqtt

import (
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// MockToken implements paho.Token for testing. Tokens are complete on
// creation unless created with NewPendingToken.
type MockToken struct {
	err  error
	done chan struct{}
}

func NewMockToken(err error) *MockToken {
	t := &MockToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func NewPendingToken() *MockToken {
	return &MockToken{done: make(chan struct{})}
}

func (t *MockToken) Wait() bool {
	<-t.done
	return true
}

func (t *MockToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *MockToken) Error() error          { return t.err }
func (t *MockToken) Done() <-chan struct{} { return t.done }

// MockMessage implements paho.Message for testing
type MockMessage struct {
	topic   string
	payload []byte
}

func (m *MockMessage) Duplicate() bool   { return false }
func (m *MockMessage) Qos() byte         { return 0 }
func (m *MockMessage) Retained() bool    { return false }
func (m *MockMessage) Topic() string     { return m.topic }
func (m *MockMessage) MessageID() uint16 { return 0 }
func (m *MockMessage) Payload() []byte   { return m.payload }
func (m *MockMessage) Ack()              {}

type publishCall struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// MockClient implements paho.Client for testing
type MockClient struct {
	connectToken paho.Token
	// publishFunc may return a token to override the default successful publish
	publishFunc func(topic string, qos byte, retained bool, payload interface{}) paho.Token

	mu           sync.Mutex
	published    []publishCall
	handlers     map[string]paho.MessageHandler
	subscribes   int
	unsubscribed []string
	disconnects  int

	open atomic.Bool
}

func NewMockClient() *MockClient {
	return &MockClient{
		connectToken: NewMockToken(nil),
		handlers:     make(map[string]paho.MessageHandler),
	}
}

func (m *MockClient) Connect() paho.Token {
	m.open.Store(true)
	return m.connectToken
}

func (m *MockClient) Disconnect(quiesce uint) {
	m.open.Store(false)
	m.mu.Lock()
	m.disconnects++
	m.mu.Unlock()
}

// setConnectionOpen simulates the network link going down or coming back
func (m *MockClient) setConnectionOpen(open bool) {
	m.open.Store(open)
}

func (m *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	if m.publishFunc != nil {
		if token := m.publishFunc(topic, qos, retained, payload); token != nil {
			return token
		}
	}

	m.mu.Lock()
	m.published = append(m.published, publishCall{
		topic:    topic,
		qos:      qos,
		retained: retained,
		payload:  payload.([]byte),
	})
	m.mu.Unlock()
	return NewMockToken(nil)
}

func (m *MockClient) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	m.mu.Lock()
	m.handlers[topic] = callback
	m.subscribes++
	m.mu.Unlock()
	return NewMockToken(nil)
}

func (m *MockClient) SubscribeMultiple(filters map[string]byte, callback paho.MessageHandler) paho.Token {
	return NewMockToken(nil)
}

func (m *MockClient) Unsubscribe(topics ...string) paho.Token {
	m.mu.Lock()
	m.unsubscribed = append(m.unsubscribed, topics...)
	m.mu.Unlock()
	return NewMockToken(nil)
}

func (m *MockClient) AddRoute(topic string, callback paho.MessageHandler) {}
func (m *MockClient) IsConnected() bool                                 { return m.open.Load() }
func (m *MockClient) IsConnectionOpen() bool                            { return m.open.Load() }
func (m *MockClient) OptionsReader() paho.ClientOptionsReader           { return paho.ClientOptionsReader{} }

// deliver invokes the handler registered for topic as if the broker sent a message
func (m *MockClient) deliver(topic string, payload []byte) bool {
	m.mu.Lock()
	handler, ok := m.handlers[topic]
	m.mu.Unlock()
	if !ok {
		return false
	}
	handler(m, &MockMessage{topic: topic, payload: payload})
	return true
}

func (m *MockClient) Published() []publishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]publishCall, len(m.published))
	copy(out, m.published)
	return out
}
