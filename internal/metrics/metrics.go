// Package metrics provides Prometheus metrics instrumentation for the controller.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector provides metrics recording interface.
// This allows components to record metrics without direct prometheus dependency.
type Collector interface {
	// Sync cycle metrics
	RecordSyncDuration(ctx context.Context, outcome string, duration time.Duration)
	RecordSyncAttempt(ctx context.Context, outcome string)
	RecordSyncError(ctx context.Context, errorType string)
	RecordDiffResults(ctx context.Context, action string, count int)

	// Source metrics
	RecordGitFetch(ctx context.Context, status string, duration time.Duration)
	RecordRender(ctx context.Context, mode, status string, duration time.Duration)

	// Apply metrics
	RecordApply(ctx context.Context, action, status string, duration time.Duration)
	RecordManagedResources(ctx context.Context, count int)
}

// prometheusCollector implements Collector using Prometheus metrics.
type prometheusCollector struct {
	syncDuration     *prometheus.HistogramVec
	syncAttempts     *prometheus.CounterVec
	syncErrorsTotal  *prometheus.CounterVec
	diffResults      *prometheus.GaugeVec
	gitFetchDuration *prometheus.HistogramVec
	renderDuration   *prometheus.HistogramVec
	applyDuration    *prometheus.HistogramVec
	applyTotal       *prometheus.CounterVec
	managedResources prometheus.Gauge
}

// NewCollector creates a new Prometheus metrics collector and registers metrics.
func NewCollector(reg prometheus.Registerer) Collector {
	c := &prometheusCollector{}
	c.initSyncMetrics()
	c.initSourceMetrics()
	c.initApplyMetrics()
	c.register(reg)

	return c
}

// RecordSyncDuration records the duration of one reconciliation cycle.
func (c *prometheusCollector) RecordSyncDuration(_ context.Context, outcome string, duration time.Duration) {
	c.syncDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordSyncAttempt records the outcome of one reconciliation cycle.
func (c *prometheusCollector) RecordSyncAttempt(_ context.Context, outcome string) {
	c.syncAttempts.WithLabelValues(outcome).Inc()
}

// RecordSyncError records a sync error by taxonomy class.
func (c *prometheusCollector) RecordSyncError(_ context.Context, errorType string) {
	c.syncErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordDiffResults records the number of diff entries by action.
func (c *prometheusCollector) RecordDiffResults(_ context.Context, action string, count int) {
	c.diffResults.WithLabelValues(action).Set(float64(count))
}

// RecordGitFetch records a git fetch against the desired-state source.
func (c *prometheusCollector) RecordGitFetch(_ context.Context, status string, duration time.Duration) {
	c.gitFetchDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRender records a manifest rendering pass.
func (c *prometheusCollector) RecordRender(_ context.Context, mode, status string, duration time.Duration) {
	c.renderDuration.WithLabelValues(mode, status).Observe(duration.Seconds())
}

// RecordApply records a per-resource apply action.
func (c *prometheusCollector) RecordApply(_ context.Context, action, status string, duration time.Duration) {
	c.applyDuration.WithLabelValues(action).Observe(duration.Seconds())
	c.applyTotal.WithLabelValues(action, status).Inc()
}

// RecordManagedResources records the number of live resources under management.
func (c *prometheusCollector) RecordManagedResources(_ context.Context, count int) {
	c.managedResources.Set(float64(count))
}

func (c *prometheusCollector) initSyncMetrics() {
	c.syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftwatch_sync_duration_seconds",
			Help:    "Duration of reconciliation cycles",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)
	c.syncAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftwatch_sync_attempts_total",
			Help: "Total reconciliation cycles by outcome",
		},
		[]string{"outcome"},
	)
	c.syncErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftwatch_sync_errors_total",
			Help: "Total sync errors by taxonomy class",
		},
		[]string{"error_type"},
	)
	c.diffResults = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "driftwatch_diff_results",
			Help: "Diff entries produced by the last cycle, by action",
		},
		[]string{"action"},
	)
}

func (c *prometheusCollector) initSourceMetrics() {
	c.gitFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftwatch_git_fetch_duration_seconds",
			Help:    "Duration of git fetches against the desired-state source",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)
	c.renderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftwatch_render_duration_seconds",
			Help:    "Duration of manifest rendering by mode",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"mode", "status"},
	)
}

func (c *prometheusCollector) initApplyMetrics() {
	c.applyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftwatch_apply_duration_seconds",
			Help:    "Duration of per-resource apply actions",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"action"},
	)
	c.applyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftwatch_apply_total",
			Help: "Total per-resource apply actions",
		},
		[]string{"action", "status"},
	)
	c.managedResources = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftwatch_managed_resources",
			Help: "Live resources carrying this controller's ownership label",
		},
	)
}

func (c *prometheusCollector) register(reg prometheus.Registerer) {
	reg.MustRegister(
		c.syncDuration,
		c.syncAttempts,
		c.syncErrorsTotal,
		c.diffResults,
		c.gitFetchDuration,
		c.renderDuration,
		c.applyDuration,
		c.applyTotal,
		c.managedResources,
	)
}

// NoopCollector is a no-op implementation of Collector for testing.
type NoopCollector struct{}

// NewNoopCollector creates a new no-op collector.
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

// RecordSyncDuration is a no-op.
func (c *NoopCollector) RecordSyncDuration(_ context.Context, _ string, _ time.Duration) {}

// RecordSyncAttempt is a no-op.
func (c *NoopCollector) RecordSyncAttempt(_ context.Context, _ string) {}

// RecordSyncError is a no-op.
func (c *NoopCollector) RecordSyncError(_ context.Context, _ string) {}

// RecordDiffResults is a no-op.
func (c *NoopCollector) RecordDiffResults(_ context.Context, _ string, _ int) {}

// RecordGitFetch is a no-op.
func (c *NoopCollector) RecordGitFetch(_ context.Context, _ string, _ time.Duration) {}

// RecordRender is a no-op.
func (c *NoopCollector) RecordRender(_ context.Context, _, _ string, _ time.Duration) {}

// RecordApply is a no-op.
func (c *NoopCollector) RecordApply(_ context.Context, _, _ string, _ time.Duration) {}

// RecordManagedResources is a no-op.
func (c *NoopCollector) RecordManagedResources(_ context.Context, _ int) {}
