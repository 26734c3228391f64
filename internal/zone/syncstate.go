package zone

import (
	"sync"
	"time"
)

// SyncStateView is a value-copy snapshot of SyncState, safe to hand to
// an HTTP handler or the Assertion Loop without holding any lock.
type SyncStateView struct {
	Activated              bool
	ZoneName               string
	Wind                   string
	ActivatedAt            time.Time
	DeactivationInProgress bool
}

// SyncState is the process-wide activation-display flag set: it answers "what does the operator see as active right
// now", independent of the Zone Registry's own bookkeeping, and gives the
// Assertion Loop a cheap way to suspend during a deactivation in flight.
type SyncState struct {
	mu sync.Mutex

	activated              bool
	zoneName               string
	wind                   string
	activatedAt            time.Time
	deactivationInProgress bool
}

// NewSyncState returns a deactivated SyncState.
func NewSyncState() *SyncState {
	return &SyncState{}
}

// SetActive marks the display state as activated for (zoneName, wind).
func (s *SyncState) SetActive(zoneName, wind string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activated = true
	s.zoneName = zoneName
	s.wind = wind
	s.activatedAt = at
}

// ClearActive resets the display state to deactivated, dropping the
// zone/wind/activatedAt fields.
func (s *SyncState) ClearActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activated = false
	s.zoneName = ""
	s.wind = ""
	s.activatedAt = time.Time{}
}

// SetDeactivationInProgress flips the flag the Assertion Loop checks
// before starting a new cycle.
func (s *SyncState) SetDeactivationInProgress(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivationInProgress = v
}

// DeactivationInProgress reports whether a deactivation is currently
// running.
func (s *SyncState) DeactivationInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deactivationInProgress
}

// View returns a value-copy snapshot of the full state.
func (s *SyncState) View() SyncStateView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SyncStateView{
		Activated:              s.activated,
		ZoneName:               s.zoneName,
		Wind:                   s.wind,
		ActivatedAt:            s.activatedAt,
		DeactivationInProgress: s.deactivationInProgress,
	}
}
