// Package orchestrator implements the zone orchestrator: the public
// coordinator for zone activation, deactivation, and manual
// lamp/device commands. It is the only component that drives the
// interaction between the Zone Registry, the Assertion Loop's pause state,
// and the Command Pipeline — callers never touch those directly.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/egs-gateway/internal/frame"
	"github.com/octoreflex/egs-gateway/internal/observability"
	"github.com/octoreflex/egs-gateway/internal/pipeline"
	"github.com/octoreflex/egs-gateway/internal/zone"
	"github.com/octoreflex/egs-gateway/internal/zonemap"
)

// EventRecorder persists emergency_events rows. Optional: a nil recorder
// simply skips the write; the core's decisions never depend on this
// collaborator, it is only informed.
type EventRecorder interface {
	RecordActivation(zoneName, wind string, at time.Time) error
	RecordDeactivation(at time.Time) error
}

// LampStore persists last-commanded lamp state for manual commands only.
// Activation/deactivation never call it.
type LampStore interface {
	SetLamp(id int, on bool) error
}

// Config bounds the changeover protocol's timing.
type Config struct {
	OffWaitTimeout   time.Duration // waitForZoneOff overall cap; default 10s
	OffWaitRounds    int           // retry rounds within the off-wait; default 3
	OffWaitGap       time.Duration // gap between off-wait rounds; default 500ms
	SettleDelay      time.Duration // post off-wait settle; default 300ms
	DeactivateRounds int           // deactivation OFF retry rounds; default 3
	DeactivateGap    time.Duration // gap between deactivation rounds; default 2s
	BatchRetryDelay  time.Duration // pause before the one extra retry pass; default 500ms
}

// defaulted fills zero fields with the field protocol's stock timing.
func (c Config) defaulted() Config {
	if c.OffWaitTimeout <= 0 {
		c.OffWaitTimeout = 10 * time.Second
	}
	if c.OffWaitRounds <= 0 {
		c.OffWaitRounds = 3
	}
	if c.OffWaitGap <= 0 {
		c.OffWaitGap = 500 * time.Millisecond
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 300 * time.Millisecond
	}
	if c.DeactivateRounds <= 0 {
		c.DeactivateRounds = 3
	}
	if c.DeactivateGap <= 0 {
		c.DeactivateGap = 2 * time.Second
	}
	if c.BatchRetryDelay <= 0 {
		c.BatchRetryDelay = 500 * time.Millisecond
	}
	return c
}

// Orchestrator is the public coordinator invoked by activation/deactivation
// requests and manual commands.
type Orchestrator struct {
	reg    *zone.Registry
	sync   *zone.SyncState
	pl     *pipeline.Pipeline
	cfg    Config
	log    *zap.Logger
	metric *observability.Metrics

	events EventRecorder
	lamps  LampStore
}

// New constructs an Orchestrator. events and lamps may both be nil.
func New(reg *zone.Registry, sync *zone.SyncState, pl *pipeline.Pipeline, cfg Config, log *zap.Logger, metric *observability.Metrics, events EventRecorder, lamps LampStore) *Orchestrator {
	if log == nil {
		panic("orchestrator.New: log must not be nil")
	}
	return &Orchestrator{
		reg: reg, sync: sync, pl: pl, cfg: cfg.defaulted(),
		log: log, metric: metric, events: events, lamps: lamps,
	}
}

// ActivateResult is the outcome of Activate.
type ActivateResult struct {
	OK   bool
	Zone string
	Wind string
}

// Activate runs the changeover protocol: stop the old zone's
// assertion, drive it demonstrably OFF, then register and drive the new
// zone ON. Returns a non-nil error when (zone, wind) is not in the mapping
// table, and also, with OK false, when no lamp ACKed ON; the new zone is
// then unregistered again.
func (o *Orchestrator) Activate(ctx context.Context, zoneName, wind string) (ActivateResult, error) {
	timer := o.startChangeoverTimer("activate")
	defer timer()

	newCommands, err := zonemap.Lookup(zonemap.Zone(zoneName), zonemap.Wind(wind))
	if err != nil {
		return ActivateResult{}, fmt.Errorf("orchestrator: activate(%s,%s): %w", zoneName, wind, err)
	}
	for _, id := range newCommands {
		if id < frame.MinLampID || id > frame.MaxLampID {
			return ActivateResult{}, fmt.Errorf("orchestrator: activate(%s,%s): lamp id %d out of range", zoneName, wind, id)
		}
	}

	// Step 1: snapshot and clear the old zone; this alone halts its
	// assertion cycles (cancel epoch bump happens inside Unregister).
	_, oldZone := o.reg.Unregister("", "")

	// Step 2: drop anything already queued (stale manual commands, a
	// straggling assertion lamp) before driving the old zone OFF.
	o.pl.ClearQueue()

	// Step 3: demonstrably dark before lighting the new zone.
	if oldZone != nil {
		if err := o.waitForZoneOff(ctx, oldZone.ZoneName, oldZone.Wind); err != nil {
			o.log.Warn("waitForZoneOff timed out; proceeding with changeover anyway",
				zap.String("zone", oldZone.ZoneName), zap.String("wind", oldZone.Wind), zap.Error(err))
		}
	}

	// Step 4: brief settle so any last in-flight OFF ACKs land before the
	// second clear.
	o.sleep(ctx, o.cfg.SettleDelay)

	// Step 5: discard anything that queued during the wait/settle.
	o.pl.ClearQueue()

	// Step 7: register the new zone. Resets assertion semantics — the loop
	// picks it up at its next tick.
	o.reg.Register(zoneName, wind, newCommands)
	o.sync.SetActive(zoneName, wind, time.Now())
	o.publishZoneMetrics(zoneName, wind)

	// Step 8/9: drive the new zone ON, highest lamp id flashes; one extra
	// batch-retry pass for any lamp that didn't ACK the first time.
	anyOK := o.sendBatch(ctx, newCommands, true)

	if o.events != nil {
		if err := o.events.RecordActivation(zoneName, wind, time.Now()); err != nil {
			o.log.Warn("RecordActivation failed", zap.Error(err))
		}
	}

	if !anyOK {
		o.reg.Unregister(zoneName, wind)
		o.sync.ClearActive()
		o.publishZoneMetrics("", "")
		return ActivateResult{OK: false, Zone: zoneName, Wind: wind},
			fmt.Errorf("orchestrator: activate(%s,%s): no lamp ACKed ON", zoneName, wind)
	}

	return ActivateResult{OK: true, Zone: zoneName, Wind: wind}, nil
}

// DeactivateResult is the outcome of Deactivate.
type DeactivateResult struct {
	OK   bool
	Mode string // "zone" or "shutdown"
	Zone string
	Wind string
}

// Deactivate runs the deactivation protocol: pause assertion,
// determine the OFF set (named zone, else the currently active zone, else
// every device's all-off), and send OFF frames unconditionally — never
// consulting the Lamp State Store, which may disagree with the field.
func (o *Orchestrator) Deactivate(ctx context.Context, zoneName, wind string) (DeactivateResult, error) {
	timer := o.startChangeoverTimer("deactivate")
	defer timer()

	// Step 1: stop new assertion cycles; abort any in-flight one at its
	// next lamp boundary.
	o.reg.PauseAssertion("deactivation")
	defer o.reg.ResumeAssertion()

	// Step 2: capture the active (zone, wind) before clearing anything.
	activeView := o.sync.View()

	// Step 3.
	o.sync.SetDeactivationInProgress(true)
	defer o.sync.SetDeactivationInProgress(false)
	o.pl.ClearQueue()

	result := DeactivateResult{}
	var offIDs []int
	var err error

	switch {
	case zoneName != "":
		offIDs, err = zonemap.Lookup(zonemap.Zone(zoneName), zonemap.Wind(wind))
		if err != nil {
			return DeactivateResult{}, fmt.Errorf("orchestrator: deactivate(%s,%s): %w", zoneName, wind, err)
		}
		result.Mode, result.Zone, result.Wind = "zone", zoneName, wind

	case activeView.Activated:
		offIDs, err = zonemap.Lookup(zonemap.Zone(activeView.ZoneName), zonemap.Wind(activeView.Wind))
		if err != nil {
			return DeactivateResult{}, fmt.Errorf("orchestrator: deactivate: active zone %s/%s not in mapping: %w", activeView.ZoneName, activeView.Wind, err)
		}
		result.Mode, result.Zone, result.Wind = "zone", activeView.ZoneName, activeView.Wind

	default:
		result.Mode = "shutdown"
	}

	// Step 5: OFF frames unconditionally, with the deactivation-specific
	// retry schedule (distinct from both the per-frame Pipeline retry and
	// the activation off-wait).
	if result.Mode == "shutdown" {
		o.shutdownAllDevices(ctx)
	} else {
		o.sendOffWithRetrySchedule(ctx, offIDs)
	}

	// Step 6: clear display state after OFFs are dispatched, not before.
	o.reg.Unregister("", "")
	o.sync.ClearActive()
	o.publishZoneMetrics("", "")

	if o.events != nil {
		if err := o.events.RecordDeactivation(time.Now()); err != nil {
			o.log.Warn("RecordDeactivation failed", zap.Error(err))
		}
	}

	result.OK = true
	return result, nil
}

// SetLamp drives a single lamp id on/off (optionally flashing) through the
// pipeline and, on ACK, updates the Lamp State Store. Bypasses the
// registry entirely — manual commands are not part of the zone state
// machine.
func (o *Orchestrator) SetLamp(ctx context.Context, id int, on bool, flash bool) (bool, error) {
	fr, err := frame.FrameForLamp(id, on, flash)
	if err != nil {
		return false, err
	}
	out, err := o.pl.Enqueue(ctx, fr)
	if err != nil {
		return false, err
	}
	if out.OK && o.lamps != nil {
		if err := o.lamps.SetLamp(id, on); err != nil {
			o.log.Warn("SetLamp store update failed", zap.Int("lampId", id), zap.Error(err))
		}
	}
	return out.OK, nil
}

// SetDeviceAll drives an entire device on/off ('*' / '!').
func (o *Orchestrator) SetDeviceAll(ctx context.Context, device byte, on bool) (bool, error) {
	fr, err := frame.AllFrame(device, on)
	if err != nil {
		return false, err
	}
	out, err := o.pl.Enqueue(ctx, fr)
	if err != nil {
		return false, err
	}
	return out.OK, nil
}

// SetDeviceRoute selects a device-local stored route preset.
func (o *Orchestrator) SetDeviceRoute(ctx context.Context, device byte, n int) (pipeline.Outcome, error) {
	fr, err := frame.RouteFrame(device, n)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	return o.pl.Enqueue(ctx, fr)
}

// SetDeviceMask drives a device's full 9-lamp state via bitmask in a
// single frame.
func (o *Orchestrator) SetDeviceMask(ctx context.Context, device byte, hexMask string) (pipeline.Outcome, error) {
	fr, err := frame.MaskFrame(device, hexMask)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	return o.pl.Enqueue(ctx, fr)
}

// waitForZoneOff drives the old zone's commands to OFF, retrying only the
// lamps that have not yet ACKed, up to cfg.OffWaitRounds rounds bounded
// overall by cfg.OffWaitTimeout.
func (o *Orchestrator) waitForZoneOff(ctx context.Context, zoneName, wind string) error {
	commands, err := zonemap.Lookup(zonemap.Zone(zoneName), zonemap.Wind(wind))
	if err != nil {
		return err
	}

	deadline := time.Now().Add(o.cfg.OffWaitTimeout)
	remaining := make(map[int]bool, len(commands))
	for _, id := range commands {
		remaining[id] = true
	}

	for round := 0; round < o.cfg.OffWaitRounds && len(remaining) > 0; round++ {
		if time.Now().After(deadline) {
			break
		}
		for id := range remaining {
			if time.Now().After(deadline) {
				break
			}
			fr, err := frame.FrameForLamp(id, false, false)
			if err != nil {
				delete(remaining, id)
				continue
			}
			out, err := o.pl.Enqueue(ctx, fr)
			if err == nil && out.OK {
				delete(remaining, id)
			}
		}
		if len(remaining) == 0 {
			break
		}
		if !o.sleep(ctx, o.cfg.OffWaitGap) {
			break
		}
	}

	if len(remaining) > 0 {
		return fmt.Errorf("orchestrator: waitForZoneOff(%s,%s): %d lamp(s) never ACKed OFF", zoneName, wind, len(remaining))
	}
	return nil
}

// sendOffWithRetrySchedule sends OFF for every id in ids, retrying only the
// lamps that have not yet ACKed, for up to cfg.DeactivateRounds rounds with
// cfg.DeactivateGap between them. Success is not
// required to proceed — deactivation always completes its cleanup.
func (o *Orchestrator) sendOffWithRetrySchedule(ctx context.Context, ids []int) {
	remaining := make(map[int]bool, len(ids))
	for _, id := range ids {
		remaining[id] = true
	}

	for round := 0; round < o.cfg.DeactivateRounds && len(remaining) > 0; round++ {
		for id := range remaining {
			fr, err := frame.FrameForLamp(id, false, false)
			if err != nil {
				delete(remaining, id)
				continue
			}
			out, err := o.pl.Enqueue(ctx, fr)
			if err == nil && out.OK {
				delete(remaining, id)
			}
		}
		if len(remaining) == 0 {
			break
		}
		if round < o.cfg.DeactivateRounds-1 {
			o.sleep(ctx, o.cfg.DeactivateGap)
		}
	}
	if len(remaining) > 0 {
		o.log.Warn("deactivation: some lamps never ACKed OFF", zap.Int("remaining", len(remaining)))
	}
}

// shutdownAllDevices sends the device-wide all-off frame to every device
// A..N.
func (o *Orchestrator) shutdownAllDevices(ctx context.Context) {
	for d := frame.MinDevice; d <= frame.MaxDevice; d++ {
		fr, err := frame.AllFrame(d, false)
		if err != nil {
			continue
		}
		if _, err := o.pl.Enqueue(ctx, fr); err != nil {
			o.log.Warn("shutdown: enqueue failed", zap.Uint8("device", d), zap.Error(err))
		}
	}
}

// sendBatch enqueues ON commands for ids in order, the numerically highest
// id flashing, with one extra retry pass for any lamp that failed to ACK
// the first time. Returns whether at least one lamp
// ACKed across both passes.
func (o *Orchestrator) sendBatch(ctx context.Context, ids []int, on bool) bool {
	highest := zonemap.HighestLampID(ids)
	anyOK := false
	var failed []int

	for _, id := range ids {
		fr, err := frame.FrameForLamp(id, on, id == highest)
		if err != nil {
			o.log.Error("sendBatch: failed to build frame", zap.Int("lampId", id), zap.Error(err))
			continue
		}
		out, err := o.pl.Enqueue(ctx, fr)
		if err != nil {
			failed = append(failed, id)
			continue
		}
		if out.OK {
			anyOK = true
		} else {
			failed = append(failed, id)
		}
	}

	if len(failed) > 0 {
		o.sleep(ctx, o.cfg.BatchRetryDelay)
		for _, id := range failed {
			fr, err := frame.FrameForLamp(id, on, id == highest)
			if err != nil {
				continue
			}
			out, err := o.pl.Enqueue(ctx, fr)
			if err == nil && out.OK {
				anyOK = true
			}
		}
	}

	return anyOK
}

// publishZoneMetrics mirrors the registry's state into the zone gauges.
// An empty zoneName means "no zone active".
func (o *Orchestrator) publishZoneMetrics(zoneName, wind string) {
	if o.metric == nil {
		return
	}
	o.metric.CancelEpoch.Set(float64(o.reg.Epoch()))
	o.metric.ActiveZoneInfo.Reset()
	if zoneName != "" {
		o.metric.ActiveZoneInfo.WithLabelValues(zoneName, wind).Set(1)
	}
}

func (o *Orchestrator) startChangeoverTimer(operation string) func() {
	if o.metric == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		o.metric.ChangeoverDurationSeconds.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
