// Package metrics exposes the aggregator's progress as prometheus metrics.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "docfeed"

// Collector is a prometheus.Collector for the change feed pipeline.
type Collector struct {
	polls               *prometheus.CounterVec
	pollDuration        prometheus.Histogram
	changesEmitted      *prometheus.CounterVec
	changesSkipped      *prometheus.CounterVec
	checkpointsAdvanced *prometheus.CounterVec
	triggersDropped     prometheus.Counter
	triggerQueueDepth   prometheus.Gauge
	lifecycleUpdates    *prometheus.CounterVec
	listenerErrors      prometheus.Counter
	taskEvents          *prometheus.CounterVec
	taskWriteFailures   *prometheus.CounterVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "polls_total",
				Help:      "The number of database polls by result.",
			}, []string{"result"},
		),
		pollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "poll_duration_seconds",
				Help:      "The time taken to poll one database.",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		changesEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "changes_emitted_total",
				Help:      "The number of change records published.",
			}, []string{"database"},
		),
		changesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "changes_skipped_total",
				Help:      "The number of change entries not published.",
			}, []string{"reason"},
		),
		checkpointsAdvanced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "checkpoints_advanced_total",
				Help:      "The number of checkpoint writes.",
			}, []string{"database"},
		),
		triggersDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "triggers_dropped_total",
				Help:      "The number of poll triggers dropped on a full queue.",
			},
		),
		triggerQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "trigger_queue_depth",
				Help:      "The number of queued poll triggers.",
			},
		),
		lifecycleUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "lifecycle_updates_total",
				Help:      "The number of database lifecycle notifications by type.",
			}, []string{"type"},
		),
		listenerErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "listener_errors_total",
				Help:      "The number of failed lifecycle long-polls.",
			},
		),
		taskEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "task_events_total",
				Help:      "The number of task transitions published.",
			}, []string{"transition"},
		),
		taskWriteFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "task_write_failures_total",
				Help:      "The number of task completion writes that gave up.",
			}, []string{"outcome"},
		),
	}
}

func (c *Collector) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.polls,
		c.pollDuration,
		c.changesEmitted,
		c.changesSkipped,
		c.checkpointsAdvanced,
		c.triggersDropped,
		c.triggerQueueDepth,
		c.lifecycleUpdates,
		c.listenerErrors,
		c.taskEvents,
		c.taskWriteFailures,
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.all() {
		m.Describe(ch)
	}
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.all() {
		m.Collect(ch)
	}
}

// PollSucceeded records a finished poll of database.
func (c *Collector) PollSucceeded(database string, emitted int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.polls.WithLabelValues("success").Inc()
	c.pollDuration.Observe(elapsed.Seconds())
	c.changesEmitted.WithLabelValues(database).Add(float64(emitted))
}

func (c *Collector) PollFailed() {
	if c == nil {
		return
	}
	c.polls.WithLabelValues("error").Inc()
}

// ChangeSkipped counts an entry that was not published, by reason
// ("stale" or "malformed").
func (c *Collector) ChangeSkipped(reason string) {
	if c == nil {
		return
	}
	c.changesSkipped.WithLabelValues(reason).Inc()
}

func (c *Collector) CheckpointAdvanced(database string) {
	if c == nil {
		return
	}
	c.checkpointsAdvanced.WithLabelValues(database).Inc()
}

func (c *Collector) TriggerDropped() {
	if c == nil {
		return
	}
	c.triggersDropped.Inc()
}

func (c *Collector) SetTriggerQueueDepth(depth int) {
	if c == nil {
		return
	}
	c.triggerQueueDepth.Set(float64(depth))
}

func (c *Collector) LifecycleUpdate(updateType string) {
	if c == nil {
		return
	}
	c.lifecycleUpdates.WithLabelValues(updateType).Inc()
}

func (c *Collector) ListenerError() {
	if c == nil {
		return
	}
	c.listenerErrors.Inc()
}

func (c *Collector) TaskEvent(transition string) {
	if c == nil {
		return
	}
	c.taskEvents.WithLabelValues(transition).Inc()
}

// TaskWriteFailed counts a completion write that exhausted its retries, by
// outcome ("success" or "error").
func (c *Collector) TaskWriteFailed(outcome string) {
	if c == nil {
		return
	}
	c.taskWriteFailures.WithLabelValues(outcome).Inc()
}
