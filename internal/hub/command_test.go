package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		name    string
		cap     Capability
		raw     string
		want    any
		wantErr bool
	}{
		{"boolean true", Capability{Type: CapabilityBoolean}, "true", true, false},
		{"boolean ON", Capability{Type: CapabilityBoolean}, "ON", true, false},
		{"boolean off", Capability{Type: CapabilityBoolean}, " off ", false, false},
		{"boolean invalid", Capability{Type: CapabilityBoolean}, "maybe", nil, true},
		{"number", Capability{Type: CapabilityNumber}, "21.5", 21.5, false},
		{"number invalid", Capability{Type: CapabilityNumber}, "warm", nil, true},
		{"enum allowed", Capability{Type: CapabilityEnum, Values: []string{"auto", "heat"}}, "heat", "heat", false},
		{"enum rejected", Capability{Type: CapabilityEnum, Values: []string{"auto", "heat"}}, "cool", nil, true},
		{"enum without values", Capability{Type: CapabilityEnum}, "cool", "cool", false},
		{"string", Capability{Type: CapabilityString}, "hello", "hello", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseValue(tt.cap, tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidValue)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewCommand(t *testing.T) {
	c := Capability{ID: "onoff", Type: CapabilityBoolean, Settable: true}

	cmd, err := NewCommand("lamp1", c, "on")
	require.NoError(t, err)
	assert.Equal(t, "lamp1", cmd.DeviceID)
	assert.Equal(t, "onoff", cmd.Capability)
	assert.Equal(t, true, cmd.Value)
	assert.False(t, cmd.Timestamp.IsZero())

	c.Settable = false
	_, err = NewCommand("lamp1", c, "on")
	assert.ErrorIs(t, err, ErrNotSettable)
}
