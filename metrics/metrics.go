// Package metrics provides the Prometheus collectors shared by the scheduler,
// the session channel and the execution engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "suitegraph"

// PrometheusMetrics collects run metrics for Prometheus scraping.
//
// Metrics exposed (all namespaced with "suitegraph_"):
//
//  1. scheduler_active_tasks (gauge): tasks currently running.
//  2. scheduler_queued_tasks (gauge): tasks waiting for a slot.
//  3. test_duration_ms (histogram): test duration by status (passed, failed, skipped).
//  4. tests_total (counter): finished tests by status.
//  5. suite_errors_total (counter): hook failures recorded on suites.
//  6. session_acquire_attempts_total (counter): remote session creation attempts by outcome.
//  7. channel_messages_total (counter): delivered messages by outcome
//     (dispatched, buffered, rejected, closed).
//  8. channel_buffered_messages (gauge): messages waiting for a sequence gap to close.
//  9. channel_listener_errors_total (counter): listener failures converted to error events.
//
// A nil *PrometheusMetrics is valid and records nothing, so components take it
// as an optional dependency.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	m := metrics.NewPrometheusMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	activeTasks prometheus.Gauge
	queuedTasks prometheus.Gauge

	testDuration *prometheus.HistogramVec
	tests        *prometheus.CounterVec
	suiteErrors  prometheus.Counter

	acquireAttempts *prometheus.CounterVec

	channelMessages *prometheus.CounterVec
	channelBuffered prometheus.Gauge
	listenerErrors  prometheus.Counter

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all collectors with registry.
// A nil registry uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{enabled: true}

	pm.activeTasks = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "scheduler_active_tasks",
		Help:      "Number of scheduled tasks currently running",
	})

	pm.queuedTasks = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "scheduler_queued_tasks",
		Help:      "Number of scheduled tasks waiting for a concurrency slot",
	})

	pm.testDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "test_duration_ms",
		Help:      "Test duration in milliseconds from testStart to testEnd",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
	}, []string{"status"})

	pm.tests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "tests_total",
		Help:      "Finished tests by outcome",
	}, []string{"status"})

	pm.suiteErrors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "suite_errors_total",
		Help:      "Suite lifecycle hook failures",
	})

	pm.acquireAttempts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "session_acquire_attempts_total",
		Help:      "Remote session creation attempts by outcome",
	}, []string{"outcome"})

	pm.channelMessages = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "channel_messages_total",
		Help:      "Session channel messages by delivery outcome",
	}, []string{"outcome"})

	pm.channelBuffered = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "channel_buffered_messages",
		Help:      "Messages held back until the preceding sequence numbers arrive",
	})

	pm.listenerErrors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "channel_listener_errors_total",
		Help:      "Listener failures converted into error events",
	})

	return pm
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// SetSchedulerState records the scheduler's active and queued task counts.
func (pm *PrometheusMetrics) SetSchedulerState(active, queued int) {
	if !pm.on() {
		return
	}
	pm.activeTasks.Set(float64(active))
	pm.queuedTasks.Set(float64(queued))
}

// RecordTest records a finished test. status is "passed", "failed" or "skipped".
func (pm *PrometheusMetrics) RecordTest(status string, elapsed time.Duration) {
	if !pm.on() {
		return
	}
	pm.tests.WithLabelValues(status).Inc()
	pm.testDuration.WithLabelValues(status).Observe(float64(elapsed.Milliseconds()))
}

// IncrementSuiteErrors counts a suite hook failure.
func (pm *PrometheusMetrics) IncrementSuiteErrors() {
	if !pm.on() {
		return
	}
	pm.suiteErrors.Inc()
}

// RecordAcquireAttempt counts a session creation attempt ("success", "retry", "failure").
func (pm *PrometheusMetrics) RecordAcquireAttempt(outcome string) {
	if !pm.on() {
		return
	}
	pm.acquireAttempts.WithLabelValues(outcome).Inc()
}

// RecordMessage counts a delivered channel message ("dispatched", "buffered", "rejected", "closed").
func (pm *PrometheusMetrics) RecordMessage(outcome string) {
	if !pm.on() {
		return
	}
	pm.channelMessages.WithLabelValues(outcome).Inc()
}

// AddBuffered adjusts the buffered message gauge by delta.
func (pm *PrometheusMetrics) AddBuffered(delta int) {
	if !pm.on() {
		return
	}
	pm.channelBuffered.Add(float64(delta))
}

// IncrementListenerErrors counts a failed channel listener.
func (pm *PrometheusMetrics) IncrementListenerErrors() {
	if !pm.on() {
		return
	}
	pm.listenerErrors.Inc()
}

// Disable temporarily disables metric recording.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset zeroes the gauges. Counters and histograms are cumulative and keep
// their values.
func (pm *PrometheusMetrics) Reset() {
	pm.activeTasks.Set(0)
	pm.queuedTasks.Set(0)
	pm.channelBuffered.Set(0)
}
