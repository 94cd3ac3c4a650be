package queue

import (
	"context"
	"sync"
	"sync/atomic"
)

// mockPublisher implements Publisher for testing
type mockPublisher struct {
	registered  atomic.Bool
	publishFunc func(ctx context.Context, msg Message) error

	mu        sync.Mutex
	published []Message

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newMockPublisher() *mockPublisher {
	p := &mockPublisher{}
	p.registered.Store(true)
	return p
}

func (p *mockPublisher) IsRegistered() bool {
	return p.registered.Load()
}

func (p *mockPublisher) Publish(ctx context.Context, msg Message) error {
	n := p.inflight.Add(1)
	defer p.inflight.Add(-1)
	for {
		max := p.maxInflight.Load()
		if n <= max || p.maxInflight.CompareAndSwap(max, n) {
			break
		}
	}

	if p.publishFunc != nil {
		if err := p.publishFunc(ctx, msg); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.published = append(p.published, msg)
	p.mu.Unlock()
	return nil
}

func (p *mockPublisher) Published() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.published))
	copy(out, p.published)
	return out
}

func (p *mockPublisher) Topics() []string {
	msgs := p.Published()
	topics := make([]string, len(msgs))
	for i, m := range msgs {
		topics[i] = m.Topic
	}
	return topics
}
