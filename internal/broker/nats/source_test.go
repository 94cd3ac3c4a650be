package nats

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqtt-hub-bridge/config"
	"mqtt-hub-bridge/internal/broker"
	"mqtt-hub-bridge/internal/hub"
	"mqtt-hub-bridge/internal/logger"
	"mqtt-hub-bridge/internal/metrics"
)

func setupTestSource(t *testing.T, prefix string) (*Source, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(reg)
	require.NoError(t, err)

	s, err := NewSource(&config.SourceConfig{SubjectPrefix: prefix, CommandPrefix: "hub.commands"}, logger.NewNop(), m)
	require.NoError(t, err)
	return s, reg
}

func TestNewSourceRequiresConfig(t *testing.T) {
	_, err := NewSource(nil, nil, nil)
	assert.Error(t, err)
}

func TestSubjects(t *testing.T) {
	tests := []struct {
		prefix       string
		wantEvents   string
		wantSnapshot string
	}{
		{"hub.events", "hub.events.>", "hub.events.snapshot"},
		{"hub/events", "hub.events.>", "hub.events.snapshot"},
		{"my hub/events/", "my_hub.events.>", "my_hub.events.snapshot"},
	}

	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			s, _ := setupTestSource(t, tt.prefix)
			assert.Equal(t, tt.wantEvents, s.EventsSubject())
			assert.Equal(t, tt.wantSnapshot, s.SnapshotSubject())
		})
	}
}

func TestCommandSubject(t *testing.T) {
	s, _ := setupTestSource(t, "hub.events")
	assert.Equal(t, "hub.commands.lamp1", s.CommandSubject("lamp1"))
	assert.Equal(t, "hub.commands.living_room_lamp", s.CommandSubject("living room lamp"))
}

func TestConnectWithoutURLs(t *testing.T) {
	s, _ := setupTestSource(t, "hub.events")
	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, broker.ErrConnectionFailed)
	assert.False(t, s.IsConnected())
}

func TestNotConnected(t *testing.T) {
	s, _ := setupTestSource(t, "hub.events")

	assert.ErrorIs(t, s.Subscribe(func(hub.Event) {}), broker.ErrNotConnected)
	_, err := s.Snapshot(context.Background())
	assert.ErrorIs(t, err, broker.ErrNotConnected)
	assert.NoError(t, s.Unsubscribe())
	assert.ErrorIs(t, s.SendCommand(hub.Command{DeviceID: "lamp1"}), broker.ErrNotConnected)

	// Disconnect without a connection is a no-op
	s.Disconnect()
	assert.Equal(t, broker.BrokerStateDisconnected, s.State())
}

func TestHandleMessage(t *testing.T) {
	s, reg := setupTestSource(t, "hub.events")

	var got []hub.Event
	s.handler = func(ev hub.Event) { got = append(got, ev) }

	s.handleMessage(&nats.Msg{
		Subject: "hub.events.capability.changed",
		Data:    []byte(`{"type":"capability.changed","deviceId":"lamp1","capability":"dim","value":0.4}`),
	})
	s.handleMessage(&nats.Msg{
		Subject: "hub.events.device.added",
		Data:    []byte(`{"type":"device.added","device":{"id":"lamp2","name":"Lamp"}}`),
	})
	s.handleMessage(&nats.Msg{Subject: "hub.events.garbage", Data: []byte(`{not json`)})
	s.handleMessage(&nats.Msg{Subject: "hub.events.unknown", Data: []byte(`{"type":"device.exploded"}`)})

	require.Len(t, got, 2)
	assert.Equal(t, hub.EventCapabilityChanged, got[0].Type)
	assert.Equal(t, 0.4, got[0].Value)
	assert.Equal(t, "lamp2", got[1].DeviceID)

	stats := s.GetStats()
	assert.Equal(t, uint64(4), stats.MessagesReceived)
	assert.Equal(t, uint64(2), stats.Errors)
	count, err := testutil.GatherAndCount(reg, "mqtt_hub_bridge_hub_events_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count) // received and invalid series
}

func TestDecodeSnapshot(t *testing.T) {
	devices, err := decodeSnapshot([]byte(`[{"id":"a","name":"A"},{"name":"no id"},{"id":"b"}]`))
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "a", devices[0].ID)
	assert.Equal(t, "b", devices[1].ID)

	_, err = decodeSnapshot([]byte(`{"id":"a"}`))
	assert.Error(t, err)
}

func TestToNATSSubject(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"hub/events", "hub.events"},
		{"hub/+/events", "hub.*.events"},
		{"hub/#", "hub.>"},
		{"/hub/events/", "hub.events"},
		{"hub.events", "hub.events"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ToNATSSubject(tt.topic), tt.topic)
	}
}

func TestNormalizeSubject(t *testing.T) {
	assert.Equal(t, "living_room.lamp_1_", NormalizeSubject("living room.lamp:1?"))
}
