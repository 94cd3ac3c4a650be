package mqtt

import (
	"fmt"

	paho "github.com/eclipse/paho.mqtt.golang"

	"mqtt-hub-bridge/internal/broker"
)

// Subscribe registers handler for filter. The subscription is remembered and
// restored whenever the connection is re-established.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	c.mu.Lock()
	c.subs[filter] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	if !c.IsRegistered() {
		return broker.ErrNotConnected
	}

	return c.subscribe(filter, qos, handler)
}

func (c *Client) subscribe(filter string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(filter, qos, func(client paho.Client, msg paho.Message) {
		c.received.Add(1)
		c.logger.Debug("received message",
			"topic", msg.Topic(),
			"payloadSize", len(msg.Payload()))
		handler(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		c.logger.Error("failed to subscribe to topic",
			"topic", filter,
			"error", token.Error())
		return fmt.Errorf("failed to subscribe to topic %s: %w", filter, token.Error())
	}

	c.logger.Debug("subscribed to topic", "topic", filter)
	return nil
}

// Unsubscribe removes the subscription for filter
func (c *Client) Unsubscribe(filter string) error {
	c.mu.Lock()
	_, ok := c.subs[filter]
	delete(c.subs, filter)
	c.mu.Unlock()

	if !ok || !c.IsRegistered() {
		return nil
	}

	if token := c.client.Unsubscribe(filter); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe from topic %s: %w", filter, token.Error())
	}

	c.logger.Debug("unsubscribed from topic", "topic", filter)
	return nil
}

// Subscriptions returns the remembered subscription filters
func (c *Client) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	filters := make([]string, 0, len(c.subs))
	for filter := range c.subs {
		filters = append(filters, filter)
	}
	return filters
}

// resubscribeAll restores every remembered subscription after a reconnection
func (c *Client) resubscribeAll() error {
	c.mu.RLock()
	subs := make(map[string]subscription, len(c.subs))
	for filter, sub := range c.subs {
		subs[filter] = sub
	}
	c.mu.RUnlock()

	for filter, sub := range subs {
		if err := c.subscribe(filter, sub.qos, sub.handler); err != nil {
			return err
		}
	}
	return nil
}
