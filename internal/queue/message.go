package queue

import "fmt"

// Message is a single pending publish. Topic is the deduplication key.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

func (m Message) String() string {
	return fmt.Sprintf("%s (qos=%d retain=%t, %d bytes)", m.Topic, m.QoS, m.Retain, len(m.Payload))
}

// Option adjusts an enqueue call. Options that are not supplied leave the
// value of an already pending message unchanged.
type Option func(*enqueueOptions)

type enqueueOptions struct {
	qos     *byte
	retain  *bool
	noDrain bool
}

// WithQoS sets the quality-of-service level of the publish
func WithQoS(qos byte) Option {
	return func(o *enqueueOptions) {
		o.qos = &qos
	}
}

// WithRetain sets the broker retain flag
func WithRetain(retain bool) Option {
	return func(o *enqueueOptions) {
		o.retain = &retain
	}
}

// Retained is shorthand for WithRetain(true)
func Retained() Option {
	return WithRetain(true)
}

// NoDrain suppresses the drain attempt normally triggered by Enqueue, for
// callers enqueueing a batch that will kick the queue once at the end.
func NoDrain() Option {
	return func(o *enqueueOptions) {
		o.noDrain = true
	}
}

func (o *enqueueOptions) apply(m *Message) {
	if o.qos != nil {
		m.QoS = *o.qos
	}
	if o.retain != nil {
		m.Retain = *o.retain
	}
}
