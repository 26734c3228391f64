// Package observability — metrics.go
//
// Prometheus metrics for the EGS gateway daemon.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback by default — no external exposure unless reconfigured.
//
// Metric naming convention: egs_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the EGS gateway.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Frame transport & pipeline ──────────────────────────────────────────

	// FramesSentTotal counts frames the pipeline attempted to send.
	// Labels: device, result (ack, timeout, error)
	FramesSentTotal *prometheus.CounterVec

	// AckLatencySeconds records time from write to a successful ACK.
	AckLatencySeconds prometheus.Histogram

	// PipelineQueueDepth is the current depth of the command pipeline's
	// bounded work queue.
	PipelineQueueDepth prometheus.Gauge

	// TransportReconnectsTotal counts failed attempts to connect to the edge
	// bridge (each failed EnsureConnected in the pipeline's reconnect loop).
	TransportReconnectsTotal prometheus.Counter

	// ─── Device health ────────────────────────────────────────────────────────

	// DeviceSuccessRate mirrors the Device Health Table's rolling success
	// rate. Labels: device (A..N).
	DeviceSuccessRate *prometheus.GaugeVec

	// ─── Zone lifecycle ───────────────────────────────────────────────────────

	// AssertionCyclesTotal counts completed assertion loop cycles.
	// Labels: outcome (asserted, skipped, aborted, failed)
	AssertionCyclesTotal *prometheus.CounterVec

	// CancelEpoch is the current value of the Zone Registry's cancel epoch.
	CancelEpoch prometheus.Gauge

	// ActiveZoneInfo is 1 when a zone is active, labelled with its identity;
	// when idle it has no series at all. Mirrors SyncState.
	ActiveZoneInfo *prometheus.GaugeVec

	// ChangeoverDurationSeconds records activate()/deactivate() wall time.
	// Labels: operation (activate, deactivate)
	ChangeoverDurationSeconds *prometheus.HistogramVec

	// ─── Process ──────────────────────────────────────────────────────────────

	// GatewayUptimeSeconds is the number of seconds since the daemon started.
	GatewayUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all EGS gateway Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		FramesSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "egs",
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Total frames attempted on the edge bridge transport, by device and outcome.",
		}, []string{"device", "result"}),

		AckLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "egs",
			Subsystem: "transport",
			Name:      "ack_latency_seconds",
			Help:      "Latency from frame write to a successful ACK byte.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .2, .3, .5, .8, 1.2},
		}),

		PipelineQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "egs",
			Subsystem: "pipeline",
			Name:      "queue_depth",
			Help:      "Current depth of the command pipeline's bounded work queue.",
		}),

		TransportReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "egs",
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Total failed connection attempts to the edge bridge.",
		}),

		DeviceSuccessRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "egs",
			Subsystem: "device",
			Name:      "success_rate",
			Help:      "Rolling success rate per field device letter.",
		}, []string{"device"}),

		AssertionCyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "egs",
			Subsystem: "assertion",
			Name:      "cycles_total",
			Help:      "Total assertion loop cycles, by outcome.",
		}, []string{"outcome"}),

		CancelEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "egs",
			Subsystem: "zone",
			Name:      "cancel_epoch",
			Help:      "Current value of the zone registry's cancel epoch.",
		}),

		ActiveZoneInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "egs",
			Subsystem: "zone",
			Name:      "active_info",
			Help:      "1 when the labelled zone/wind is the active zone.",
		}, []string{"zone", "wind"}),

		ChangeoverDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "egs",
			Subsystem: "zone",
			Name:      "changeover_duration_seconds",
			Help:      "Wall-clock duration of activate()/deactivate() calls.",
			Buckets:   []float64{.1, .25, .5, 1, 2, 5, 10, 15},
		}, []string{"operation"}),

		GatewayUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "egs",
			Subsystem: "gateway",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the gateway daemon started.",
		}),
	}

	reg.MustRegister(
		m.FramesSentTotal,
		m.AckLatencySeconds,
		m.PipelineQueueDepth,
		m.TransportReconnectsTotal,
		m.DeviceSuccessRate,
		m.AssertionCyclesTotal,
		m.CancelEpoch,
		m.ActiveZoneInfo,
		m.ChangeoverDurationSeconds,
		m.GatewayUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the GatewayUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.GatewayUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
