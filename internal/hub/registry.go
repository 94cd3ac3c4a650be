package hub

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"mqtt-hub-bridge/internal/logger"
)

// Registry is the in-memory view of the hub's devices and zones.
//
// Disabled devices stay in the registry so they can be re-enabled without
// waiting for the hub to announce them again, but List and IsEnabled exclude
// them. Every device returned is a deep copy; callers can safely modify it.
//
// All public methods are thread-safe.
type Registry struct {
	mu       sync.RWMutex
	devices  map[string]*Device
	zones    map[string]Zone
	disabled map[string]bool
	logger   *logger.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{
		devices:  make(map[string]*Device),
		zones:    make(map[string]Zone),
		disabled: make(map[string]bool),
		logger:   log,
	}
}

// Upsert adds or replaces a device. Capability values the new definition
// leaves unset keep their last known value.
func (r *Registry) Upsert(d Device) error {
	if d.ID == "" {
		return fmt.Errorf("device id is required")
	}

	stored := d.DeepCopy()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.devices[d.ID]; ok {
		for id, c := range stored.Capabilities {
			if c.Value == nil {
				if prev, ok := existing.Capabilities[id]; ok {
					c.Value = prev.Value
					stored.Capabilities[id] = c
				}
			}
		}
	}

	r.devices[d.ID] = &stored
	r.logger.Debug("device stored", "device", d.ID, "capabilities", len(d.Capabilities))
	return nil
}

// Remove deletes a device and returns its last known state
func (r *Registry) Remove(id string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	delete(r.devices, id)
	return *d, nil
}

// Get retrieves a device by id, enabled or not
func (r *Registry) Get(id string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return d.DeepCopy(), nil
}

// List returns every enabled device sorted by id
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]Device, 0, len(r.devices))
	for id, d := range r.devices {
		if r.disabled[id] {
			continue
		}
		devices = append(devices, d.DeepCopy())
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].ID < devices[j].ID
	})
	return devices
}

// Len returns the number of known devices, including disabled ones
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// SetCapabilityValue records a new capability value and returns the updated
// device. Unknown capabilities are added as strings.
func (r *Registry) SetCapabilityValue(deviceID, capability string, value any) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	if d.Capabilities == nil {
		d.Capabilities = make(map[string]Capability)
	}
	c, ok := d.Capabilities[capability]
	if !ok {
		c = Capability{ID: capability, Type: CapabilityString}
	}
	c.Value = value
	d.Capabilities[capability] = c

	return d.DeepCopy(), nil
}

// SetDisabled replaces the set of disabled device ids and reports which ids
// changed state. Ids need not belong to a known device.
func (r *Registry) SetDisabled(ids []string) (newlyDisabled, newlyEnabled []string) {
	next := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			next[id] = true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range next {
		if !r.disabled[id] {
			newlyDisabled = append(newlyDisabled, id)
		}
	}
	for id := range r.disabled {
		if !next[id] {
			newlyEnabled = append(newlyEnabled, id)
		}
	}
	r.disabled = next

	sort.Strings(newlyDisabled)
	sort.Strings(newlyEnabled)
	return newlyDisabled, newlyEnabled
}

// IsEnabled reports whether id is a known device that is not disabled
func (r *Registry) IsEnabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.devices[id]
	return ok && !r.disabled[id]
}

// UpsertZone adds or replaces a zone
func (r *Registry) UpsertZone(z Zone) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.zones[z.ID] = z
}

// ZonePath returns the names from the outermost zone down to id joined by
// " / ", or "" for an unknown zone
func (r *Registry) ZonePath(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	seen := make(map[string]bool)
	for id != "" && !seen[id] {
		seen[id] = true
		z, ok := r.zones[id]
		if !ok {
			break
		}
		names = append([]string{z.Name}, names...)
		id = z.Parent
	}
	return strings.Join(names, " / ")
}
