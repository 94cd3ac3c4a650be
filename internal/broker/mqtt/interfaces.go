package mqtt

import "bytes"

// MessageHandler receives messages for a subscription
type MessageHandler = func(topic string, payload []byte)

// Will is a message the broker publishes on the client's behalf when the
// connection drops without a clean disconnect
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

func (w *Will) topic() string {
	if w == nil {
		return ""
	}
	return w.Topic
}

func (w *Will) equal(o *Will) bool {
	if w == nil || o == nil {
		return w.topic() == o.topic()
	}
	return w.Topic == o.Topic &&
		bytes.Equal(w.Payload, o.Payload) &&
		w.QoS == o.QoS &&
		w.Retain == o.Retain
}
