// Package pipeline implements the command pipeline: a bounded
// work queue feeding a single worker that owns the Transport. It enforces
// one frame in flight, drain-before-send, ACK-deadline waiting, bounded
// retries, an inter-frame gap, and the downstream radio's rate-limit floor.
//
// The worker is the only goroutine that ever touches the Transport — every
// other caller only ever talks to this package's queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/egs-gateway/internal/config"
	"github.com/octoreflex/egs-gateway/internal/observability"
	"github.com/octoreflex/egs-gateway/internal/transport"
)

// Outcome is the per-frame result record returned to every caller.
type Outcome struct {
	OK        bool
	Retries   int
	ElapsedMs int64
	Err       error
}

type item struct {
	frame []byte
	done  chan Outcome
}

// errAckTimeout marks an attempt that sent its frame but saw no 'K' within
// the ACK deadline, as opposed to an I/O failure. Kept unexported: callers
// only see it wrapped inside Outcome.Err.
var errAckTimeout = errors.New("pipeline: ack timeout")

// Pipeline is the single-worker command pipeline. Construct with New and
// start its worker loop with Run before enqueuing anything.
type Pipeline struct {
	tr     *transport.Transport
	cfg    config.PipelineConfig
	log    *zap.Logger
	metric *observability.Metrics
	health *HealthTable

	queue chan *item

	backoffMin  time.Duration
	backoffMax  time.Duration
	lastAttempt time.Time
}

// New constructs a Pipeline. The returned Pipeline does nothing until Run is
// called in its own goroutine. backoffMin/backoffMax bound the reconnect
// backoff applied while waiting for the Transport to come up; the Transport
// itself has no retry policy of its own.
func New(tr *transport.Transport, cfg config.PipelineConfig, backoffMin, backoffMax time.Duration, log *zap.Logger, metric *observability.Metrics, health *HealthTable) *Pipeline {
	if log == nil {
		panic("pipeline.New: log must not be nil")
	}
	if backoffMin <= 0 {
		backoffMin = 50 * time.Millisecond
	}
	if backoffMax < backoffMin {
		backoffMax = 2 * time.Second
	}
	return &Pipeline{
		tr:         tr,
		cfg:        cfg,
		log:        log,
		metric:     metric,
		health:     health,
		queue:      make(chan *item, cfg.QueueDepth),
		backoffMin: backoffMin,
		backoffMax: backoffMax,
	}
}

// Run drives the single worker loop until ctx is cancelled. On cancellation,
// remaining queued items are resolved with ok=false before returning.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.ClearQueue()
			return
		case it := <-p.queue:
			p.process(ctx, it)
			if p.metric != nil {
				p.metric.PipelineQueueDepth.Set(float64(len(p.queue)))
			}
		}
	}
}

// Enqueue submits frame and blocks for its Outcome, bounded by
// cfg.RequestGuard so no caller waits forever even when the worker is stuck
// reconnecting.
func (p *Pipeline) Enqueue(ctx context.Context, frame []byte) (Outcome, error) {
	it := &item{frame: frame, done: make(chan Outcome, 1)}

	guard := time.NewTimer(p.cfg.RequestGuard)
	defer guard.Stop()

	select {
	case p.queue <- it:
	case <-guard.C:
		return Outcome{OK: false, Err: fmt.Errorf("pipeline: queue full, guard timeout")}, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}

	if p.metric != nil {
		p.metric.PipelineQueueDepth.Set(float64(len(p.queue)))
	}

	select {
	case out := <-it.done:
		return out, nil
	case <-guard.C:
		return Outcome{OK: false, Err: fmt.Errorf("pipeline: request guard (%s) exceeded", p.cfg.RequestGuard)}, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// ClearQueue drains all pending items, resolving each with ok=false,
// retries=0. Used by the zone orchestrator before and after the
// off-wait during a changeover.
func (p *Pipeline) ClearQueue() int {
	cleared := 0
	for {
		select {
		case it := <-p.queue:
			it.done <- Outcome{OK: false, Retries: 0, Err: fmt.Errorf("pipeline: cleared")}
			cleared++
		default:
			if p.metric != nil {
				p.metric.PipelineQueueDepth.Set(0)
			}
			return cleared
		}
	}
}

// process runs the full per-item attempt sequence: reconnect, rate limit,
// drain, write, ACK wait, retries, inter-frame gap, health, resolve.
func (p *Pipeline) process(ctx context.Context, it *item) {
	start := time.Now()
	var lastErr error
	success := false
	attempt := 0

	for ; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if !p.sleep(ctx, p.cfg.RetryPause) {
				break
			}
		}

		// Step 1: ensure connected, backoff 50ms -> 2s.
		if !p.ensureConnectedWithBackoff(ctx) {
			lastErr = fmt.Errorf("pipeline: ctx cancelled while reconnecting")
			break
		}

		// Step 2: rate limit — at least MinSendInterval since last attempted send.
		p.enforceRateLimit(ctx)

		// Step 3: drain stale bytes from a previous timed-out item.
		p.tr.Drain()

		// Step 4: single indivisible write.
		if err := p.tr.Write(it.frame); err != nil {
			lastErr = err
			p.tr.ForceClose()
			p.log.Warn("frame write failed",
				zap.ByteString("frame", it.frame), zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}

		// Step 5: wait for ACK.
		ackStart := time.Now()
		ok, ackErr := p.waitForAck()
		if ok {
			success = true
			lastErr = nil
			if p.metric != nil {
				p.metric.AckLatencySeconds.Observe(time.Since(ackStart).Seconds())
			}
			p.log.Debug("frame acknowledged", zap.ByteString("frame", it.frame), zap.Int("retries", attempt))
			break
		}
		lastErr = ackErr
		p.log.Warn("frame not acknowledged",
			zap.ByteString("frame", it.frame), zap.Int("attempt", attempt+1), zap.Error(ackErr))
	}
	if attempt > p.cfg.MaxRetries {
		attempt = p.cfg.MaxRetries
	}

	// Step 7: inter-frame gap, floor at configured value.
	gap := p.cfg.InterFrameGap
	if gap < 25*time.Millisecond {
		gap = 25 * time.Millisecond
	}
	p.sleep(context.Background(), gap)

	// Step 8: device health.
	device := byte(0)
	if len(it.frame) > 0 {
		device = it.frame[0]
	}
	dh := p.health.Record(device, success, string(it.frame), time.Now().UnixNano())
	if p.metric != nil {
		result := "error"
		switch {
		case success:
			result = "ack"
		case errors.Is(lastErr, errAckTimeout):
			result = "timeout"
		}
		p.metric.FramesSentTotal.WithLabelValues(string(device), result).Inc()
		p.metric.DeviceSuccessRate.WithLabelValues(string(device)).Set(dh.SuccessRate)
	}

	// Step 9: resolve.
	it.done <- Outcome{
		OK:        success,
		Retries:   attempt,
		ElapsedMs: time.Since(start).Milliseconds(),
		Err:       lastErr,
	}
}

// ensureConnectedWithBackoff retries EnsureConnected with exponential
// backoff (50ms -> 2s, reset on success), stopping early if ctx is done.
func (p *Pipeline) ensureConnectedWithBackoff(ctx context.Context) bool {
	backoff := p.backoffMin
	for {
		if err := p.tr.EnsureConnected(); err == nil {
			return true
		} else if p.metric != nil {
			p.metric.TransportReconnectsTotal.Inc()
		}
		if !p.sleep(ctx, backoff) {
			return false
		}
		backoff *= 2
		if backoff > p.backoffMax {
			backoff = p.backoffMax
		}
	}
}

// enforceRateLimit sleeps the remainder of MinSendInterval since the last
// attempted send, if any time remains. The floor is a protocol constraint
// of the downstream radio, not a performance tunable.
func (p *Pipeline) enforceRateLimit(ctx context.Context) {
	elapsed := time.Since(p.lastAttempt)
	if elapsed < p.cfg.MinSendInterval {
		p.sleep(ctx, p.cfg.MinSendInterval-elapsed)
	}
	p.lastAttempt = time.Now()
}

// waitForAck reads bytes until 'K' (success), an empty/closed read
// (failure), or the ACK deadline (failure) — discarding any non-'K' bytes
// along the way.
func (p *Pipeline) waitForAck() (bool, error) {
	deadline := time.Now().Add(p.cfg.AckTimeout)
	for {
		b, timedOut, err := p.tr.ReadByte(deadline)
		if err != nil {
			return false, err
		}
		if timedOut {
			return false, fmt.Errorf("%w after %s", errAckTimeout, p.cfg.AckTimeout)
		}
		if b == 'K' {
			return true, nil
		}
		p.log.Debug("discarding non-ACK byte", zap.Uint8("byte", b))
		if time.Now().After(deadline) {
			return false, fmt.Errorf("%w after %s", errAckTimeout, p.cfg.AckTimeout)
		}
	}
}

// sleep blocks for d or until ctx is cancelled, returning false in the
// latter case so callers can unwind early.
func (p *Pipeline) sleep(ctx context.Context, d time.Duration) bool {
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

// Health returns the pipeline's device health table.
func (p *Pipeline) Health() *HealthTable {
	return p.health
}

// QueueDepth returns the current number of items waiting in the work
// queue, for the health snapshot.
func (p *Pipeline) QueueDepth() int {
	return len(p.queue)
}

// Connected reports whether the underlying Transport currently holds a
// live connection to the edge bridge, for the health snapshot.
func (p *Pipeline) Connected() bool {
	return p.tr.IsConnected()
}
