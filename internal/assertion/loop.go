// Package assertion implements the assertion loop: a
// periodic task that re-emits the active zone's ON commands through the
// Command Pipeline so lamps that missed a radio frame self-heal, while
// aborting immediately at any lamp boundary if the active zone changes
// underneath it.
package assertion

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/egs-gateway/internal/frame"
	"github.com/octoreflex/egs-gateway/internal/observability"
	"github.com/octoreflex/egs-gateway/internal/pipeline"
	"github.com/octoreflex/egs-gateway/internal/zone"
	"github.com/octoreflex/egs-gateway/internal/zonemap"
)

// Config bounds the loop's cadence and retry behavior.
type Config struct {
	Tick         time.Duration // how often the loop wakes to check the registry
	Interval     time.Duration // minimum age of lastAssertAt before re-asserting
	MaxAttempts  int
	AttemptDelay time.Duration
}

// Loop drives periodic re-assertion of the active zone's command set.
type Loop struct {
	reg    *zone.Registry
	sync   *zone.SyncState
	pl     *pipeline.Pipeline
	cfg    Config
	log    *zap.Logger
	metric *observability.Metrics
}

// New constructs a Loop. Call Run in its own goroutine to start ticking.
func New(reg *zone.Registry, sync *zone.SyncState, pl *pipeline.Pipeline, cfg Config, log *zap.Logger, metric *observability.Metrics) *Loop {
	if log == nil {
		panic("assertion.New: log must not be nil")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 2 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptDelay <= 0 {
		cfg.AttemptDelay = 5 * time.Second
	}
	return &Loop{reg: reg, sync: sync, pl: pl, cfg: cfg, log: log, metric: metric}
}

// Run ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	t := time.NewTicker(l.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.tick(ctx)
		}
	}
}

// tick runs one assertion pass.
func (l *Loop) tick(ctx context.Context) {
	snap := l.reg.Snapshot()
	if snap.Paused || l.sync.DeactivationInProgress() {
		if snap.Active != nil {
			l.countCycle("skipped")
		}
		return
	}
	if snap.Active == nil {
		return
	}
	if time.Since(snap.Active.LastAssertAt) < l.cfg.Interval {
		return
	}

	token := snap.Epoch
	zoneName, wind := snap.Active.ZoneName, snap.Active.Wind
	commands := snap.Active.Commands
	highest := zonemap.HighestLampID(commands)

	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		anySuccess, aborted := l.attemptCycle(ctx, token, zoneName, wind, commands, highest)
		if aborted {
			l.countCycle("aborted")
			return
		}
		if anySuccess {
			l.reg.TouchAssert(zoneName, wind)
			l.countCycle("asserted")
			return
		}
		if !l.sleep(ctx, l.cfg.AttemptDelay) {
			return
		}
		// Re-check abort conditions before the next attempt round.
		if l.reg.Epoch() != token {
			l.countCycle("aborted")
			return
		}
	}
	l.countCycle("failed")
	l.log.Warn("assertion cycle exhausted attempts without any success",
		zap.String("zone", zoneName), zap.String("wind", wind))
}

// attemptCycle walks commands in order, enqueuing each as an ON frame
// (the lamp with the highest id flashes), aborting immediately if the
// epoch changes, assertion is paused, or the registry no longer holds
// this exact (zone, wind) — so a stale cycle drives at most one more lamp
// transaction after a changeover starts.
func (l *Loop) attemptCycle(ctx context.Context, token uint64, zoneName, wind string, commands []int, highest int) (anySuccess, aborted bool) {
	for _, id := range commands {
		snap := l.reg.Snapshot()
		if snap.Paused || snap.Epoch != token {
			return anySuccess, true
		}
		if snap.Active == nil || snap.Active.ZoneName != zoneName || snap.Active.Wind != wind {
			return anySuccess, true
		}

		fr, err := frame.FrameForLamp(id, true, id == highest)
		if err != nil {
			l.log.Error("assertion: failed to build frame", zap.Int("lampId", id), zap.Error(err))
			continue
		}

		out, err := l.pl.Enqueue(ctx, fr)
		if err != nil {
			return anySuccess, false
		}
		if out.OK {
			anySuccess = true
		}
	}
	return anySuccess, false
}

func (l *Loop) countCycle(outcome string) {
	if l.metric != nil {
		l.metric.AssertionCyclesTotal.WithLabelValues(outcome).Inc()
	}
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
