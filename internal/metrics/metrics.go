package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mqtt_hub_bridge"

// Metrics holds all Prometheus collectors exported by the bridge
type Metrics struct {
	mqttConnectionStatus prometheus.Gauge
	mqttReconnects       prometheus.Counter
	messagesTotal        *prometheus.CounterVec
	queueDepth           prometheus.Gauge
	lifecycleState       *prometheus.GaugeVec
	devicesActive        prometheus.Gauge
	hubEventsTotal       *prometheus.CounterVec
}

// Lifecycle states reported by SetLifecycleState
var lifecycleStates = []string{"stopped", "starting", "running"}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer yields working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		mqttConnectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connection_status",
			Help:      "Current MQTT broker registration status (1 = registered, 0 = not)",
		}),
		mqttReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_reconnects_total",
			Help:      "Total number of MQTT reconnection attempts",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_messages_total",
			Help:      "Publish queue messages by outcome",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of topics waiting to be published",
		}),
		lifecycleState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifecycle_state",
			Help:      "Protocol lifecycle state (1 for the current state)",
		}, []string{"state"}),
		devicesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_active",
			Help:      "Number of enabled devices known to the bridge",
		}),
		hubEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_events_total",
			Help:      "Hub events received by status",
		}, []string{"status"}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.mqttConnectionStatus,
		m.mqttReconnects,
		m.messagesTotal,
		m.queueDepth,
		m.lifecycleState,
		m.devicesActive,
		m.hubEventsTotal,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

// SetMQTTConnectionStatus records whether the broker connection is registered
func (m *Metrics) SetMQTTConnectionStatus(connected bool) {
	if connected {
		m.mqttConnectionStatus.Set(1)
	} else {
		m.mqttConnectionStatus.Set(0)
	}
}

func (m *Metrics) IncMQTTReconnects() {
	m.mqttReconnects.Inc()
}

// IncMessagesTotal counts a queue outcome (enqueued, coalesced, published,
// failed, stale, cancelled, skipped)
func (m *Metrics) IncMessagesTotal(outcome string) {
	m.messagesTotal.WithLabelValues(outcome).Inc()
}

// AddMessagesTotal adds n to a queue outcome, such as the messages dropped
// by a reset
func (m *Metrics) AddMessagesTotal(outcome string, n int) {
	m.messagesTotal.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) SetMessageQueueDepth(depth float64) {
	m.queueDepth.Set(depth)
}

// SetLifecycleState marks state as current and clears the others
func (m *Metrics) SetLifecycleState(state string) {
	for _, s := range lifecycleStates {
		if s == state {
			m.lifecycleState.WithLabelValues(s).Set(1)
		} else {
			m.lifecycleState.WithLabelValues(s).Set(0)
		}
	}
}

func (m *Metrics) SetDevicesActive(count float64) {
	m.devicesActive.Set(count)
}

func (m *Metrics) IncHubEvents(status string) {
	m.hubEventsTotal.WithLabelValues(status).Inc()
}

// Sampler samples a value into the metrics, e.g. the current queue depth
type Sampler func(m *Metrics)

// MetricsCollector periodically runs samplers against a Metrics instance
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration
	samplers []Sampler
	stop     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewMetricsCollector(m *Metrics, interval time.Duration, samplers ...Sampler) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		metrics:  m,
		interval: interval,
		samplers: samplers,
		stop:     make(chan struct{}),
	}
}

// Start runs the samplers once immediately and then on every tick
func (c *MetricsCollector) Start() {
	c.collect()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stop:
				return
			}
		}
	}()
}

func (c *MetricsCollector) Stop() {
	c.once.Do(func() {
		close(c.stop)
	})
	c.wg.Wait()
}

func (c *MetricsCollector) collect() {
	for _, sample := range c.samplers {
		sample(c.metrics)
	}
}
