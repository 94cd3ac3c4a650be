package mqtt

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"

	"mqtt-hub-bridge/internal/broker"
	"mqtt-hub-bridge/internal/queue"
)

// Publish sends msg and waits for the broker to acknowledge it, up to the
// configured publish timeout. Consecutive failures open a circuit breaker,
// after which publishes fail fast with broker.ErrCircuitOpen until the
// breaker lets a trial publish through.
func (c *Client) Publish(ctx context.Context, msg queue.Message) error {
	if !c.IsRegistered() {
		return broker.ErrNotConnected
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.publish(ctx, msg)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %s", broker.ErrCircuitOpen, msg.Topic)
		}
		return err
	}

	return nil
}

func (c *Client) publish(ctx context.Context, msg queue.Message) error {
	ctx, cancel := context.WithTimeout(ctx, c.publishTimeout)
	defer cancel()

	token := c.client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		c.errors.Add(1)
		return fmt.Errorf("%w: %s: %v", broker.ErrTimeout, msg.Topic, ctx.Err())
	}

	if err := token.Error(); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("%w: %s: %v", broker.ErrPublishFailed, msg.Topic, err)
	}

	c.published.Add(1)
	return nil
}
