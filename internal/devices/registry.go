package devices

import (
	"maps"
	"sync"
)

// Registry is the mutex-guarded connection map. The zero value is not
// usable; call [NewRegistry].
type Registry struct {
	mu      sync.Mutex
	devices map[DeviceID]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[DeviceID]bool)}
}

// Update canonicalizes raw, drops empty entries, and applies the result
// with [Diff]. The lock is held only for the diff itself.
func (r *Registry) Update(raw []string) []Transition {
	snapshot := make([]DeviceID, 0, len(raw))
	for _, s := range raw {
		if id := Canonicalize(s); id != "" {
			snapshot = append(snapshot, id)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return Diff(r.devices, snapshot)
}

// Snapshot returns a copy of every known device and its connected flag.
func (r *Registry) Snapshot() map[DeviceID]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.devices)
}

// Counts returns the number of known devices and how many of them are
// currently connected.
func (r *Registry) Counts() (known, connected int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.devices {
		if c {
			connected++
		}
	}
	return len(r.devices), connected
}
