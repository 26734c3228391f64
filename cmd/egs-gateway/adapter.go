package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/egs-gateway/internal/assertion"
	"github.com/octoreflex/egs-gateway/internal/config"
	"github.com/octoreflex/egs-gateway/internal/control"
	"github.com/octoreflex/egs-gateway/internal/observability"
	"github.com/octoreflex/egs-gateway/internal/orchestrator"
	"github.com/octoreflex/egs-gateway/internal/pipeline"
	"github.com/octoreflex/egs-gateway/internal/zone"
)

// assertionLoop wires the Assertion Loop's config from the daemon config.
func assertionLoop(reg *zone.Registry, sync *zone.SyncState, pl *pipeline.Pipeline, cfg *config.Config, metrics *observability.Metrics, log *zap.Logger) *assertion.Loop {
	return assertion.New(reg, sync, pl, assertion.Config{
		Tick:         cfg.Assertion.Tick,
		Interval:     cfg.Assertion.Interval,
		MaxAttempts:  cfg.Assertion.MaxAttempts,
		AttemptDelay: cfg.Assertion.AttemptDelay,
	}, log.Named("assertion"), metrics)
}

// coreAdapter satisfies control.Core by translating between the
// orchestrator/pipeline's concrete return types and the control package's
// wire-facing mirror types. Kept in cmd/ rather than internal/control or
// internal/orchestrator so neither package needs to import the other.
type coreAdapter struct {
	oc   *orchestrator.Orchestrator
	pl   *pipeline.Pipeline
	sync *zone.SyncState
}

func (c *coreAdapter) Activate(ctx context.Context, zoneName, wind string) (control.ActivateResult, error) {
	res, err := c.oc.Activate(ctx, zoneName, wind)
	return control.ActivateResult{OK: res.OK, Zone: res.Zone, Wind: res.Wind}, err
}

func (c *coreAdapter) Deactivate(ctx context.Context, zoneName, wind string) (control.DeactivateResult, error) {
	res, err := c.oc.Deactivate(ctx, zoneName, wind)
	return control.DeactivateResult{OK: res.OK, Mode: res.Mode, Zone: res.Zone, Wind: res.Wind}, err
}

func (c *coreAdapter) SetLamp(ctx context.Context, id int, on bool, flash bool) (bool, error) {
	return c.oc.SetLamp(ctx, id, on, flash)
}

func (c *coreAdapter) SetDeviceAll(ctx context.Context, device byte, on bool) (bool, error) {
	return c.oc.SetDeviceAll(ctx, device, on)
}

func (c *coreAdapter) SetDeviceRoute(ctx context.Context, device byte, n int) (control.CommandOutcome, error) {
	out, err := c.oc.SetDeviceRoute(ctx, device, n)
	return toWireOutcome(out), err
}

func (c *coreAdapter) SetDeviceMask(ctx context.Context, device byte, hexMask string) (control.CommandOutcome, error) {
	out, err := c.oc.SetDeviceMask(ctx, device, hexMask)
	return toWireOutcome(out), err
}

func (c *coreAdapter) Health() control.HealthSnapshot {
	perDevice := make(map[string]control.DeviceHealth)
	var lastHeartbeat time.Time
	for dev, dh := range c.pl.Health().Snapshot() {
		perDevice[string(dev)] = control.DeviceHealth{
			Total:         dh.Total,
			Success:       dh.Success,
			LastSuccessAt: dh.LastSuccessAt,
			LastFrame:     dh.LastFrame,
			SuccessRate:   dh.SuccessRate,
		}
		if dh.LastSuccessAt > 0 {
			if t := time.Unix(0, dh.LastSuccessAt); t.After(lastHeartbeat) {
				lastHeartbeat = t
			}
		}
	}
	connected := c.pl.Connected()
	status := "disconnected"
	if connected {
		status = "connected"
	}
	return control.HealthSnapshot{
		GatewayConnected: connected,
		QueueDepth:       c.pl.QueueDepth(),
		PerDevice:        perDevice,
		ConnectionStatus: status,
		LastHeartbeat:    lastHeartbeat,
	}
}

func (c *coreAdapter) SyncState() control.SyncStateSnapshot {
	v := c.sync.View()
	return control.SyncStateSnapshot{
		Activated:              v.Activated,
		ZoneName:               v.ZoneName,
		Wind:                   v.Wind,
		ActivatedAt:            v.ActivatedAt,
		DeactivationInProgress: v.DeactivationInProgress,
	}
}

func toWireOutcome(out pipeline.Outcome) control.CommandOutcome {
	errStr := ""
	if out.Err != nil {
		errStr = out.Err.Error()
	}
	return control.CommandOutcome{OK: out.OK, Retries: out.Retries, ElapsedMs: out.ElapsedMs, Err: errStr}
}
