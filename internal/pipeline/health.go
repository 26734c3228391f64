package pipeline

import "sync"

// DeviceHealth is a point-in-time snapshot of one device's command history.
// Safe to copy; never mutated after being returned by Snapshot.
type DeviceHealth struct {
	Total         int
	Success       int
	LastSuccessAt int64 // unix nanoseconds; 0 if never succeeded
	LastFrame     string
	SuccessRate   float64
}

// HealthTable tracks per-device command health. Writer-exclusive to the
// Pipeline worker; readers take a short copy under the lock.
type HealthTable struct {
	mu    sync.RWMutex
	byDev map[byte]*DeviceHealth
}

// NewHealthTable returns an empty table.
func NewHealthTable() *HealthTable {
	return &HealthTable{byDev: make(map[byte]*DeviceHealth)}
}

// Record updates the health entry for device after an attempt sequence
// completes: total always bumps; a success additionally records
// lastSuccessAt and lastFrame; successRate is recomputed either way.
// Returns the updated entry as a value copy.
func (h *HealthTable) Record(device byte, success bool, frame string, atUnixNano int64) DeviceHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	dh, ok := h.byDev[device]
	if !ok {
		dh = &DeviceHealth{}
		h.byDev[device] = dh
	}
	dh.Total++
	if success {
		dh.Success++
		dh.LastSuccessAt = atUnixNano
		dh.LastFrame = frame
	}
	dh.SuccessRate = float64(dh.Success) / float64(dh.Total)
	return *dh
}

// Snapshot returns a value-copy of every tracked device's health, safe for
// the caller to read without further locking.
func (h *HealthTable) Snapshot() map[byte]DeviceHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[byte]DeviceHealth, len(h.byDev))
	for dev, dh := range h.byDev {
		out[dev] = *dh
	}
	return out
}
