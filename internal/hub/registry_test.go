package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDevice(id string) Device {
	return Device{
		ID:   id,
		Name: "Lamp " + id,
		Zone: "kitchen",
		Capabilities: map[string]Capability{
			"onoff": {ID: "onoff", Type: CapabilityBoolean, Settable: true, Value: true},
			"dim":   {ID: "dim", Type: CapabilityNumber, Unit: "%", Value: 0.5},
		},
	}
}

func TestRegistryUpsertAndGet(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Upsert(testDevice("lamp1")))
	assert.Error(t, r.Upsert(Device{}))

	d, err := r.Get("lamp1")
	require.NoError(t, err)
	assert.Equal(t, "Lamp lamp1", d.Name)
	assert.Equal(t, []string{"dim", "onoff"}, d.CapabilityIDs())

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestRegistryReturnsCopies(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Upsert(testDevice("lamp1")))

	d, err := r.Get("lamp1")
	require.NoError(t, err)
	d.Capabilities["onoff"] = Capability{ID: "onoff", Value: false}

	again, err := r.Get("lamp1")
	require.NoError(t, err)
	assert.Equal(t, true, again.Capabilities["onoff"].Value)
}

func TestRegistryUpsertKeepsKnownValues(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Upsert(testDevice("lamp1")))

	updated := testDevice("lamp1")
	updated.Name = "Renamed"
	c := updated.Capabilities["dim"]
	c.Value = nil
	updated.Capabilities["dim"] = c

	require.NoError(t, r.Upsert(updated))

	d, err := r.Get("lamp1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", d.Name)
	assert.Equal(t, 0.5, d.Capabilities["dim"].Value)
}

func TestRegistrySetCapabilityValue(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Upsert(testDevice("lamp1")))

	d, err := r.SetCapabilityValue("lamp1", "dim", 0.8)
	require.NoError(t, err)
	assert.Equal(t, 0.8, d.Capabilities["dim"].Value)

	d, err = r.SetCapabilityValue("lamp1", "scene", "evening")
	require.NoError(t, err)
	assert.Equal(t, CapabilityString, d.Capabilities["scene"].Type)

	_, err = r.SetCapabilityValue("missing", "dim", 1)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Upsert(testDevice("lamp1")))

	d, err := r.Remove("lamp1")
	require.NoError(t, err)
	assert.Equal(t, "lamp1", d.ID)
	assert.Equal(t, 0, r.Len())

	_, err = r.Remove("lamp1")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestRegistrySetDisabled(t *testing.T) {
	r := NewRegistry(nil)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Upsert(testDevice(id)))
	}

	disabled, enabled := r.SetDisabled([]string{"a", "b", ""})
	assert.Equal(t, []string{"a", "b"}, disabled)
	assert.Empty(t, enabled)
	assert.False(t, r.IsEnabled("a"))
	assert.True(t, r.IsEnabled("c"))

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "c", list[0].ID)

	disabled, enabled = r.SetDisabled([]string{"b", "c"})
	assert.Equal(t, []string{"c"}, disabled)
	assert.Equal(t, []string{"a"}, enabled)

	// Disabled devices are still retrievable by id
	_, err := r.Get("b")
	assert.NoError(t, err)
	assert.False(t, r.IsEnabled("missing"))
}

func TestRegistryZonePath(t *testing.T) {
	r := NewRegistry(nil)
	r.UpsertZone(Zone{ID: "home", Name: "Home"})
	r.UpsertZone(Zone{ID: "ground", Name: "Ground floor", Parent: "home"})
	r.UpsertZone(Zone{ID: "kitchen", Name: "Kitchen", Parent: "ground"})

	assert.Equal(t, "Home / Ground floor / Kitchen", r.ZonePath("kitchen"))
	assert.Equal(t, "Home", r.ZonePath("home"))
	assert.Equal(t, "", r.ZonePath("garage"))

	// A cycle terminates
	r.UpsertZone(Zone{ID: "x", Name: "X", Parent: "y"})
	r.UpsertZone(Zone{ID: "y", Name: "Y", Parent: "x"})
	assert.Equal(t, "X / Y", r.ZonePath("y"))
}

func TestEventValidate(t *testing.T) {
	dev := testDevice("lamp1")

	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"device added", Event{Type: EventDeviceAdded, Device: &dev}, false},
		{"device added without device", Event{Type: EventDeviceAdded}, true},
		{"device removed", Event{Type: EventDeviceRemoved, DeviceID: "lamp1"}, false},
		{"device removed without id", Event{Type: EventDeviceRemoved}, true},
		{"capability changed", Event{Type: EventCapabilityChanged, DeviceID: "lamp1", Capability: "dim", Value: 0.3}, false},
		{"capability changed without capability", Event{Type: EventCapabilityChanged, DeviceID: "lamp1"}, true},
		{"zone updated", Event{Type: EventZoneUpdated, Zone: &Zone{ID: "kitchen"}}, false},
		{"unknown type", Event{Type: "device.exploded", DeviceID: "lamp1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEvent)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEventValidateFillsDeviceID(t *testing.T) {
	dev := testDevice("lamp1")
	ev := Event{Type: EventDeviceUpdated, Device: &dev}
	require.NoError(t, ev.Validate())
	assert.Equal(t, "lamp1", ev.DeviceID)
}
