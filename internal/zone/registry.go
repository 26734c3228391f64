// Package zone — registry.go
//
// Defines the Zone Registry: the single-slot cell holding the active
// emergency zone and the cancel epoch that bounds how long a stale
// Assertion Loop cycle can keep driving commands for a zone that is no
// longer current.
//
// State transition graph:
//
//	Idle ──register──→ Active(zone,wind)
//	Active(zone,wind) ──register──→ Active(zone',wind')   (replacement)
//	Active(zone,wind) ──unregister──→ Idle
//
// Monotonicity invariant:
//   - CancelEpoch only ever increases. It is bumped on register-replace,
//     on unregister, and on pauseAssertion.
//   - The Assertion Loop only reads the registry; it never writes
//     ActiveZone directly.
//   - Registry mutations are atomic under a single mutex.
package zone

import (
	"sync"
	"time"
)

// Active is a value-copy snapshot of the currently registered zone, safe
// for a caller to hold without further locking.
type Active struct {
	ZoneName     string
	Wind         string
	Commands     []int // lamp ids to drive ON, in the order they were registered
	LastAssertAt time.Time
}

// Snapshot is what Registry.Snapshot returns: the active zone (if any),
// the epoch at the time of the snapshot, and whether assertion is
// currently paused.
type Snapshot struct {
	Active      *Active // nil when the registry is idle
	Epoch       uint64
	Paused      bool
	PauseReason string
}

// Registry is the single-slot active-zone cell. The zero value is not
// usable; construct with NewRegistry.
type Registry struct {
	mu sync.Mutex

	active *Active
	epoch  uint64

	paused      bool
	pauseReason string
}

// NewRegistry returns an idle registry at epoch 0.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register replaces any existing ActiveZone with (zoneName, wind,
// commands). Bumps the epoch only when replacing an existing zone —
// registering into an idle registry does not itself invalidate anything,
// since nothing was running against epoch 0's predecessor.
func (r *Registry) Register(zoneName, wind string, commands []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := make([]int, len(commands))
	copy(cp, commands)

	if r.active != nil {
		r.epoch++
	}
	r.active = &Active{
		ZoneName:     zoneName,
		Wind:         wind,
		Commands:     cp,
		LastAssertAt: time.Now(),
	}
}

// Unregister clears the ActiveZone. If matchZone/matchWind are non-empty,
// the clear only happens when both match the currently active zone;
// passing both empty clears unconditionally. Returns true if a clear
// occurred, and the cleared zone (nil if none or no match).
func (r *Registry) Unregister(matchZone, matchWind string) (bool, *Active) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return false, nil
	}
	if matchZone != "" && r.active.ZoneName != matchZone {
		return false, nil
	}
	if matchWind != "" && r.active.Wind != matchWind {
		return false, nil
	}

	cleared := r.active
	r.active = nil
	r.epoch++
	return true, cleared
}

// Snapshot returns a value copy of the registry's current state, safe
// for the Assertion Loop or an HTTP handler to inspect without holding
// the registry lock.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{Epoch: r.epoch, Paused: r.paused, PauseReason: r.pauseReason}
	if r.active != nil {
		a := *r.active
		a.Commands = append([]int(nil), r.active.Commands...)
		s.Active = &a
	}
	return s
}

// Epoch returns the current cancel epoch without a full snapshot.
func (r *Registry) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// TouchAssert advances LastAssertAt for the currently active zone,
// provided it still matches (zoneName, wind) — guards against a
// concurrent changeover already having replaced it.
func (r *Registry) TouchAssert(zoneName, wind string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.active.ZoneName != zoneName || r.active.Wind != wind {
		return false
	}
	r.active.LastAssertAt = time.Now()
	return true
}

// PauseAssertion stops the Assertion Loop from starting new cycles and
// bumps the epoch so any in-flight cycle aborts at its next lamp
// boundary.
func (r *Registry) PauseAssertion(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
	r.pauseReason = reason
	r.epoch++
}

// ResumeAssertion clears the pause flag. It does not touch the epoch;
// a resumed loop simply starts observing the current epoch again.
func (r *Registry) ResumeAssertion() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
	r.pauseReason = ""
}
