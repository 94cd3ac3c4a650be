// Package queue implements the deduplicating publish queue that sits between
// device state encoding and the MQTT broker.
//
// Each topic has at most one pending message. Enqueueing a topic that is
// still pending overwrites the pending value in place, so a burst of state
// changes collapses into a single latest-value publish. Messages are drained
// one at a time by a single drain loop; a failed publish is logged and
// dropped, never retried.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"mqtt-hub-bridge/internal/broker"
	"mqtt-hub-bridge/internal/logger"
	"mqtt-hub-bridge/internal/metrics"
)

// ErrPublisherPanic wraps a panic raised by the publisher during a publish
var ErrPublisherPanic = errors.New("queue: publisher panicked")

// ErrFlushStalled is returned by Flush when a drain pass publishes nothing,
// for example because the throttle cannot grant a token before the deadline
var ErrFlushStalled = errors.New("queue: flush made no progress")

// Publisher is the broker capability the queue drains into
type Publisher interface {
	// IsRegistered reports whether the broker connection is usable
	IsRegistered() bool
	// Publish sends a single message and waits for the outcome
	Publish(ctx context.Context, msg Message) error
}

// Config holds queue configuration
type Config struct {
	// DefaultQoS applies to new messages enqueued without WithQoS
	DefaultQoS byte
	// PublishInterval is the minimum spacing between publishes. Zero
	// disables throttling.
	PublishInterval time.Duration
}

// Stats counts queue outcomes since construction
type Stats struct {
	Enqueued  uint64
	Coalesced uint64
	Published uint64
	Failed    uint64
	Stale     uint64
	Cancelled uint64
	Skipped   uint64
}

// Queue is a deduplicating, cancellable publish queue
type Queue struct {
	pub     Publisher
	cfg     Config
	logger  *logger.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	// base context for drains triggered by Enqueue and Start
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	order    []string            // enqueue order, may hold stale topics
	live     map[string]*Message // topics still owed a publish
	running  bool
	draining bool
	idle     chan struct{} // closed while no drain is active
	popped   uint64        // order entries consumed by drains

	enqueued  atomic.Uint64
	coalesced atomic.Uint64
	published atomic.Uint64
	failed    atomic.Uint64
	stale     atomic.Uint64
	cancelled atomic.Uint64
	skipped   atomic.Uint64
}

// New creates a stopped queue. Call Start to begin draining.
func New(cfg Config, pub Publisher, log *logger.Logger, m *metrics.Metrics) *Queue {
	if log == nil {
		log = logger.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	q := &Queue{
		pub:     pub,
		cfg:     cfg,
		logger:  log,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		live:    make(map[string]*Message),
		idle:    make(chan struct{}),
	}
	close(q.idle)

	if cfg.PublishInterval > 0 {
		q.limiter = rate.NewLimiter(rate.Every(cfg.PublishInterval), 1)
	}

	return q
}

// Enqueue schedules a publish of payload on topic. It does nothing when the
// topic is empty or the publisher is not registered. A topic that is already
// pending keeps its queue position and takes the new payload and any
// supplied options.
func (q *Queue) Enqueue(topic string, payload []byte, opts ...Option) {
	if topic == "" {
		return
	}

	if !q.pub.IsRegistered() {
		q.skipped.Add(1)
		q.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncMessagesTotal("skipped")
		})
		q.logger.Debug("publisher not registered, dropping message", "topic", topic)
		return
	}

	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	q.mu.Lock()
	if msg, ok := q.live[topic]; ok {
		msg.Payload = payload
		o.apply(msg)
		q.mu.Unlock()

		q.coalesced.Add(1)
		q.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncMessagesTotal("coalesced")
		})
	} else {
		msg := &Message{
			Topic:   topic,
			Payload: payload,
			QoS:     q.cfg.DefaultQoS,
		}
		o.apply(msg)
		q.live[topic] = msg
		q.order = append(q.order, topic)
		depth := len(q.live)
		q.mu.Unlock()

		q.enqueued.Add(1)
		q.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncMessagesTotal("enqueued")
			m.SetMessageQueueDepth(float64(depth))
		})
	}

	if !o.noDrain {
		q.Kick()
	}
}

// Cancel drops the pending publish for topic. A publish that the drain loop
// has already taken is not affected. Reports whether a pending publish was
// dropped.
func (q *Queue) Cancel(topic string) bool {
	q.mu.Lock()
	_, ok := q.live[topic]
	delete(q.live, topic)
	depth := len(q.live)
	q.mu.Unlock()

	if ok {
		q.cancelled.Add(1)
		q.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncMessagesTotal("cancelled")
			m.SetMessageQueueDepth(float64(depth))
		})
		q.logger.Debug("cancelled pending publish", "topic", topic)
	}
	return ok
}

// CancelAll cancels every topic in topics and returns how many pending
// publishes were dropped. Topics that are not pending are ignored.
func (q *Queue) CancelAll(topics []string) int {
	dropped := 0
	for _, topic := range topics {
		if q.Cancel(topic) {
			dropped++
		}
	}
	return dropped
}

// Lookup returns a copy of the pending message for topic
func (q *Queue) Lookup(topic string) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, ok := q.live[topic]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

// Len returns the number of topics still owed a publish
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.live)
}

// Kick starts a background drain unless one is already running or the
// queue is stopped.
func (q *Queue) Kick() {
	q.mu.Lock()
	idle := q.running && !q.draining && len(q.order) > 0
	q.mu.Unlock()

	if idle {
		go q.Drain(q.ctx)
	}
}

// Drain publishes pending messages in enqueue order until the queue is
// empty, stopped, or the publisher is no longer registered. If another drain
// is already active it returns immediately.
func (q *Queue) Drain(ctx context.Context) {
	q.drain(ctx)
}

// drain reports false when another drain was already active
func (q *Queue) drain(ctx context.Context) (ran bool) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return false
	}
	q.draining = true
	q.idle = make(chan struct{})
	q.mu.Unlock()
	ran = true

	// next clears the draining flag itself on a normal exit; this only
	// covers a panic escaping the loop.
	released := false
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("drain loop panicked", "panic", r)
		}
		if !released {
			q.release()
		}
	}()

	for {
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				q.logger.Debug("drain throttle interrupted", "error", err)
				q.release()
				released = true
				return true
			}
		}

		msg, ok := q.next(ctx)
		if !ok {
			released = true
			return true
		}

		if err := q.publish(ctx, msg); err != nil {
			q.failed.Add(1)
			q.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.IncMessagesTotal("failed")
			})
			if broker.IsTransportError(err) {
				q.logger.Warn("failed to publish message",
					"topic", msg.Topic,
					"error", err)
			} else {
				q.logger.Error("failed to publish message",
					"topic", msg.Topic,
					"error", err)
			}
			continue
		}

		q.published.Add(1)
		q.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncMessagesTotal("published")
		})
		q.logger.Debug("published message",
			"topic", msg.Topic,
			"qos", msg.QoS,
			"retain", msg.Retain,
			"payloadSize", len(msg.Payload))
	}
}

// next pops the next live message. When there is nothing to do it clears
// the draining flag under the same lock, so an Enqueue racing with the exit
// always sees an idle queue and starts a new drain.
func (q *Queue) next(ctx context.Context) (Message, bool) {
	registered := q.pub.IsRegistered()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if !q.running || !registered || len(q.order) == 0 || ctx.Err() != nil {
			if len(q.order) == 0 {
				q.order = nil
			}
			q.endDrainLocked()
			return Message{}, false
		}

		topic := q.order[0]
		q.order = q.order[1:]
		q.popped++

		msg, ok := q.live[topic]
		if !ok {
			q.stale.Add(1)
			q.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.IncMessagesTotal("stale")
			})
			q.logger.Debug("skipping stale queue entry", "topic", topic)
			continue
		}

		delete(q.live, topic)
		depth := len(q.live)
		q.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.SetMessageQueueDepth(float64(depth))
		})
		return *msg, true
	}
}

func (q *Queue) release() {
	q.mu.Lock()
	q.endDrainLocked()
	q.mu.Unlock()
}

func (q *Queue) endDrainLocked() {
	if q.draining {
		q.draining = false
		close(q.idle)
	}
}

// waitIdle blocks until no drain is active
func (q *Queue) waitIdle(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publish calls the publisher, turning a panic into an error
func (q *Queue) publish(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPublisherPanic, r)
		}
	}()
	return q.pub.Publish(ctx, msg)
}

// Start resumes draining
func (q *Queue) Start() {
	q.mu.Lock()
	q.running = true
	q.mu.Unlock()

	q.logger.Debug("publish queue started")
	q.Kick()
}

// Stop pauses draining without discarding pending messages. A publish that
// is already in flight completes.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.running = false
	q.mu.Unlock()

	q.logger.Debug("publish queue stopped")
}

// StopAndWait stops the queue and blocks until a publish that is already in
// flight has completed, so the caller can publish directly without
// overlapping the drain loop.
func (q *Queue) StopAndWait(ctx context.Context) error {
	q.Stop()
	return q.waitIdle(ctx)
}

// Flush publishes everything pending on the running queue and returns once
// no drain is active. It gives up early when the queue is stopped, the
// publisher unregisters or ctx is done; whatever is left stays pending.
func (q *Queue) Flush(ctx context.Context) error {
	for {
		if err := q.waitIdle(ctx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		q.mu.Lock()
		more := q.running && len(q.order) > 0
		popped := q.popped
		q.mu.Unlock()
		if !more || !q.pub.IsRegistered() {
			return nil
		}

		if !q.drain(ctx) {
			// lost the race to a kicked drain; wait for it instead
			continue
		}

		q.mu.Lock()
		progressed := q.popped != popped
		q.mu.Unlock()
		if !progressed {
			return ErrFlushStalled
		}
	}
}

// Running reports whether the queue is started
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Reset discards all pending messages. Used when the broker connection is
// torn down, since queued state must not be replayed to a new connection.
func (q *Queue) Reset() {
	q.mu.Lock()
	dropped := len(q.live)
	q.order = nil
	q.live = make(map[string]*Message)
	q.mu.Unlock()

	q.safeMetricsUpdate(func(m *metrics.Metrics) {
		if dropped > 0 {
			m.AddMessagesTotal("dropped", dropped)
		}
		m.SetMessageQueueDepth(0)
	})
	q.logger.Info("publish queue reset", "dropped", dropped)
}

// Close aborts background drains waiting on the throttle. The queue must
// not be used afterwards.
func (q *Queue) Close() {
	q.Stop()
	q.cancel()
}

// Stats returns a snapshot of the queue counters
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.enqueued.Load(),
		Coalesced: q.coalesced.Load(),
		Published: q.published.Load(),
		Failed:    q.failed.Load(),
		Stale:     q.stale.Load(),
		Cancelled: q.cancelled.Load(),
		Skipped:   q.skipped.Load(),
	}
}

// safeMetricsUpdate safely updates metrics if they are enabled
func (q *Queue) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if q.metrics != nil {
		fn(q.metrics)
	}
}
